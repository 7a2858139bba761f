package models

import "time"

type AttendanceScan struct {
	ID              int64     `json:"id"`                // Primary key
	MemberID        int64     `json:"member_id"`         // FK to members(id)
	EventID         int64     `json:"event_id"`          // FK to events(id)
	ActivationEpoch int64     `json:"activation_epoch"`  // events.activation_epoch at scan time
	ScannedAt       time.Time `json:"scanned_at"`        // Timestamp
	ScannedByDevice string    `json:"scanned_by_device"` // optional device id
}
