package scanner

import (
	"time"

	"github.com/avvvet/attendance-services/internal/comm"
)

type Phase int

const (
	Disconnected Phase = iota
	Syncing
	Ready
	Stale
)

func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "disconnected"
	case Syncing:
		return "syncing"
	case Ready:
		return "ready"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// State is what the device renders. In Ready a nil Event means nothing is active.
// Seq is the last change sequence the client has applied.
type State struct {
	Phase Phase
	Event *comm.EventData
	Seq   int64
	Seen  []string
}

// CanScan reports whether the device may send scans at all.
func (s State) CanScan() bool {
	return s.Phase == Ready && s.Event != nil
}

func (s State) EventID() int64 {
	if s.Event == nil {
		return 0
	}
	return s.Event.ID
}

func (s State) clone() State {
	out := s
	if s.Event != nil {
		e := *s.Event
		out.Event = &e
	}
	if s.Seen != nil {
		out.Seen = append([]string(nil), s.Seen...)
	}
	return out
}

// Outcome is the result of one submitted code.
type Outcome struct {
	Code     string
	EventID  int64
	Response comm.ScanResponse
	Err      error
	At       time.Time
}

// Sink receives state transitions and scan outcomes. Calls come from the
// client's goroutines and must not block for long.
type Sink interface {
	StateChanged(State)
	ScanOutcome(Outcome)
}

type nopSink struct{}

func (nopSink) StateChanged(State)  {}
func (nopSink) ScanOutcome(Outcome) {}
