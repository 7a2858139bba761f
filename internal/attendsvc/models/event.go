package models

import "time"

type Event struct {
	ID              int64      `json:"id"`               // Primary key
	Name            string     `json:"name"`             // Display name of the service/meeting
	IsActive        bool       `json:"is_active"`        // At most one row is active
	ActivatedAt     *time.Time `json:"activated_at"`     // Refreshed on each activation
	ActivationEpoch int64      `json:"activation_epoch"` // Incremented on each activation
	CreatedAt       time.Time  `json:"created_at"`       // Timestamp
}

// ActiveState is the authoritative answer to "which event is active".
// Seq is the commit sequence the answer was read at.
type ActiveState struct {
	Event *Event `json:"event"`
	Seq   int64  `json:"seq"`
}
