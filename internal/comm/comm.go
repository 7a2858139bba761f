package comm

import (
	"encoding/json"
	"fmt"
	"time"
)

type WSMessage struct {
	Type     string          `json:"type"` // e.g. "event-activated", "resync"
	Data     json.RawMessage `json:"data"`
	SocketId string          `json:"socketid,omitempty"`
}

const (
	TypeEventActivated   = "event-activated"
	TypeEventDeactivated = "event-deactivated"
	TypeResync           = "resync"
	TypeScanAccepted     = "scan-accepted"
)

// NATS subjects shared by the services.
const (
	SubjectFeed  = "attendance.feed"
	SubjectScans = "attendance.scans"
)

// ChangeKind is closed: only activation and deactivation transitions exist.
type ChangeKind string

const (
	EventActivated   ChangeKind = TypeEventActivated
	EventDeactivated ChangeKind = TypeEventDeactivated
)

// Change is one committed activation transition. Seq is the commit order
// assigned by the activation transaction and increases by one per commit.
type Change struct {
	Kind      ChangeKind `json:"kind"`
	EventID   int64      `json:"event_id"`
	EventName string     `json:"event_name,omitempty"`
	Seq       int64      `json:"seq"`
	At        time.Time  `json:"at"`
}

func (c Change) Validate() error {
	switch c.Kind {
	case EventActivated, EventDeactivated:
	default:
		return fmt.Errorf("unknown change kind %q", c.Kind)
	}
	if c.EventID <= 0 {
		return fmt.Errorf("invalid event id %d", c.EventID)
	}
	if c.Seq <= 0 {
		return fmt.Errorf("invalid seq %d", c.Seq)
	}
	return nil
}

// EncodeChange wraps a change in the socket envelope.
func EncodeChange(c Change) ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&WSMessage{Type: string(c.Kind), Data: data})
}

// DecodeChange unwraps an envelope produced by EncodeChange.
func DecodeChange(raw []byte) (Change, error) {
	msg := WSMessage{}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Change{}, fmt.Errorf("decode envelope: %w", err)
	}
	return ChangeFromMessage(&msg)
}

func ChangeFromMessage(msg *WSMessage) (Change, error) {
	var c Change
	if err := json.Unmarshal(msg.Data, &c); err != nil {
		return Change{}, fmt.Errorf("decode change: %w", err)
	}
	if string(c.Kind) != msg.Type {
		return Change{}, fmt.Errorf("change kind %q does not match message type %q", c.Kind, msg.Type)
	}
	if err := c.Validate(); err != nil {
		return Change{}, err
	}
	return c, nil
}

// ScanRecord is published on SubjectScans for every accepted scan.
type ScanRecord struct {
	ScanID    int64     `json:"scan_id"`
	EventID   int64     `json:"event_id"`
	MemberID  int64     `json:"member_id"`
	DeviceID  string    `json:"device_id,omitempty"`
	ScannedAt time.Time `json:"scanned_at"`
}

type EventData struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	IsActive    bool       `json:"is_active"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
}

// ActiveEventData answers GetActive; Event is nil when nothing is active.
type ActiveEventData struct {
	Event *EventData `json:"event"`
	Seq   int64      `json:"seq"`
}

type ScanRequest struct {
	Code     string `json:"code"`
	EventID  int64  `json:"event_id"`
	DeviceID string `json:"device_id,omitempty"`
}

// Scan outcomes as they travel on the wire.
const (
	OutcomeAccepted      = "scan-accepted"
	OutcomeDuplicate     = "duplicate-scan"
	OutcomeNotRegistered = "member-not-registered"
	OutcomeNoActiveEvent = "no-active-event"
	OutcomeFailed        = "scan-failed"
)

type ScanResponse struct {
	Outcome    string     `json:"outcome"`
	MemberName string     `json:"member_name,omitempty"`
	ScannedAt  *time.Time `json:"scanned_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}
