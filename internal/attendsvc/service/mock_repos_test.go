package service

import (
	"context"
	"sync"
	"time"

	"github.com/avvvet/attendance-services/internal/attendsvc/models"
	"github.com/avvvet/attendance-services/internal/comm"
)

// ── Mock EventDirectory ──

type mockEventDirectory struct {
	mu     sync.Mutex
	events map[int64]*models.Event
	seq    int64

	// afterCommit runs after a successful mutation, outside the lock, to simulate
	// another admin committing in between.
	afterCommit func()
	// activeOverride forces CountActive, used to exercise the auditor.
	activeOverride int
	reads          int
}

func newMockEventDirectory(ids ...int64) *mockEventDirectory {
	m := &mockEventDirectory{events: make(map[int64]*models.Event)}
	for _, id := range ids {
		m.events[id] = &models.Event{ID: id, Name: "event", CreatedAt: time.Now()}
	}
	return m
}

func (m *mockEventDirectory) Activate(_ context.Context, eventID int64) (*models.Event, int64, error) {
	m.mu.Lock()
	target, ok := m.events[eventID]
	if !ok {
		m.mu.Unlock()
		return nil, 0, models.ErrEventNotFound
	}
	for _, e := range m.events {
		e.IsActive = false
	}
	now := time.Now()
	target.IsActive = true
	target.ActivatedAt = &now
	target.ActivationEpoch++
	m.seq++
	out, seq := *target, m.seq
	hook := m.afterCommit
	m.mu.Unlock()

	if hook != nil {
		hook()
	}
	return &out, seq, nil
}

func (m *mockEventDirectory) Deactivate(_ context.Context, eventID int64) (*models.Event, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	target, ok := m.events[eventID]
	if !ok {
		return nil, 0, models.ErrEventNotFound
	}
	if !target.IsActive {
		return nil, 0, models.ErrConflict
	}
	target.IsActive = false
	m.seq++
	out := *target
	return &out, m.seq, nil
}

func (m *mockEventDirectory) GetActive(_ context.Context) (*models.ActiveState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := &models.ActiveState{Seq: m.seq}
	for _, e := range m.events {
		if !e.IsActive {
			continue
		}
		if state.Event != nil {
			return nil, models.ErrMultipleActiveEvents
		}
		out := *e
		state.Event = &out
	}
	return state, nil
}

func (m *mockEventDirectory) CountActive(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeOverride > 0 {
		return m.activeOverride, nil
	}
	count := 0
	for _, e := range m.events {
		if e.IsActive {
			count++
		}
	}
	return count, nil
}

func (m *mockEventDirectory) GetEventByID(_ context.Context, eventID int64) (*models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	e, ok := m.events[eventID]
	if !ok {
		return nil, models.ErrEventNotFound
	}
	out := *e
	return &out, nil
}

func (m *mockEventDirectory) isActive(eventID int64) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[eventID]
	if !ok || !e.IsActive {
		return 0, false
	}
	return e.ActivationEpoch, true
}

// ── Mock MemberDirectory ──

type mockMemberDirectory struct {
	mu      sync.Mutex
	members map[string]*models.Member
	calls   int
}

func newMockMemberDirectory(members ...models.Member) *mockMemberDirectory {
	m := &mockMemberDirectory{members: make(map[string]*models.Member)}
	for i := range members {
		m.members[members[i].BusinessKey] = &members[i]
	}
	return m
}

func (m *mockMemberDirectory) Lookup(_ context.Context, businessKey string) (*models.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if member, ok := m.members[businessKey]; ok {
		return member, nil
	}
	return nil, models.ErrMemberNotFound
}

// ── Mock ScanLedger ──

type scanKey struct {
	memberID int64
	eventID  int64
}

type mockScanLedger struct {
	mu     sync.Mutex
	events *mockEventDirectory
	rows   map[scanKey]*models.AttendanceScan
	nextID int64

	insertCalls   int
	existingCalls int
	// insertFailures makes the next n inserts fail with a transient error.
	insertFailures int
	// hideExisting makes the next n ExistingScan calls miss, as if a concurrent
	// insert landed right after the check.
	hideExisting int
	// phantomDuplicate rejects inserts as duplicates without storing a row.
	phantomDuplicate bool
	// insertDelay widens the window between the duplicate check and the insert.
	insertDelay time.Duration
}

func newMockScanLedger(events *mockEventDirectory) *mockScanLedger {
	return &mockScanLedger{events: events, rows: make(map[scanKey]*models.AttendanceScan)}
}

func (m *mockScanLedger) ExistingScan(_ context.Context, memberID, eventID int64) (*models.AttendanceScan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.existingCalls++
	if m.hideExisting > 0 {
		m.hideExisting--
		return nil, nil
	}
	if row, ok := m.rows[scanKey{memberID, eventID}]; ok {
		out := *row
		return &out, nil
	}
	return nil, nil
}

func (m *mockScanLedger) InsertScan(_ context.Context, memberID, eventID int64, deviceID string) (*models.AttendanceScan, error) {
	if m.insertDelay > 0 {
		time.Sleep(m.insertDelay)
	}
	epoch, active := m.events.isActive(eventID)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertCalls++
	if m.insertFailures > 0 {
		m.insertFailures--
		return nil, models.ErrStoreUnavailable
	}
	if !active {
		return nil, models.ErrNoActiveEvent
	}
	if m.phantomDuplicate {
		return nil, models.ErrDuplicateScan
	}
	key := scanKey{memberID, eventID}
	if _, ok := m.rows[key]; ok {
		return nil, models.ErrDuplicateScan
	}
	m.nextID++
	row := &models.AttendanceScan{
		ID:              m.nextID,
		MemberID:        memberID,
		EventID:         eventID,
		ActivationEpoch: epoch,
		ScannedAt:       time.Now(),
		ScannedByDevice: deviceID,
	}
	m.rows[key] = row
	out := *row
	return &out, nil
}

func (m *mockScanLedger) preload(row models.AttendanceScan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	row.ID = m.nextID
	m.rows[scanKey{row.MemberID, row.EventID}] = &row
}

func (m *mockScanLedger) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// ── Mock Publisher ──

type mockPublisher struct {
	mu      sync.Mutex
	changes []comm.Change
	scans   []comm.ScanRecord
	err     error
}

func (m *mockPublisher) PublishChange(c comm.Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.changes = append(m.changes, c)
	return nil
}

func (m *mockPublisher) PublishScan(r comm.ScanRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.scans = append(m.scans, r)
	return nil
}
