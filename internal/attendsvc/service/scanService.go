package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avvvet/attendance-services/internal/attendsvc/models"
	"github.com/avvvet/attendance-services/internal/comm"
	"github.com/avvvet/attendance-services/internal/observability"
	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

// EventReader reads one event by id. store.EventStore implements it.
type EventReader interface {
	GetEventByID(ctx context.Context, eventID int64) (*models.Event, error)
}

// MemberDirectory resolves a scanned business key. Owned by the member subsystem.
type MemberDirectory interface {
	Lookup(ctx context.Context, businessKey string) (*models.Member, error)
}

// ScanLedger is the append-only attendance store.
type ScanLedger interface {
	ExistingScan(ctx context.Context, memberID, eventID int64) (*models.AttendanceScan, error)
	InsertScan(ctx context.Context, memberID, eventID int64, deviceID string) (*models.AttendanceScan, error)
}

type Outcome string

const (
	OutcomeAccepted      Outcome = comm.OutcomeAccepted
	OutcomeDuplicate     Outcome = comm.OutcomeDuplicate
	OutcomeNotRegistered Outcome = comm.OutcomeNotRegistered
	OutcomeNoActiveEvent Outcome = comm.OutcomeNoActiveEvent
	OutcomeFailed        Outcome = comm.OutcomeFailed
)

// ScanResult is what the operator sees. ScannedAt is the new scan time for
// accepted scans and the original scan time for duplicates.
type ScanResult struct {
	Outcome    Outcome
	MemberName string
	ScannedAt  time.Time
	Scan       *models.AttendanceScan
}

type ScanOption func(*ScanService)

// WithRetries sets how many times a transient store failure is retried.
func WithRetries(n uint64) ScanOption {
	return func(s *ScanService) {
		s.retries = n
	}
}

// WithStoreTimeout bounds one Process call, retries included.
func WithStoreTimeout(d time.Duration) ScanOption {
	return func(s *ScanService) {
		s.timeout = d
	}
}

// WithBackOff replaces the retry schedule; tests use a zero backoff.
func WithBackOff(fn func() backoff.BackOff) ScanOption {
	return func(s *ScanService) {
		s.newBackOff = fn
	}
}

type ScanService struct {
	events     EventReader
	members    MemberDirectory
	ledger     ScanLedger
	publisher  Publisher
	retries    uint64
	timeout    time.Duration
	newBackOff func() backoff.BackOff
}

func NewScanService(events EventReader, members MemberDirectory, ledger ScanLedger, publisher Publisher, opts ...ScanOption) *ScanService {
	s := &ScanService{
		events:    events,
		members:   members,
		ledger:    ledger,
		publisher: publisher,
		retries:   3,
		timeout:   5 * time.Second,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Process validates, deduplicates and commits one scan. Business outcomes come back
// as a result with a nil error. A non-nil error always comes with OutcomeFailed and
// is either a transient store failure that outlived its retries or an invariant
// violation.
func (s *ScanService) Process(ctx context.Context, rawCode string, eventID int64, deviceID string) (ScanResult, error) {
	res, err := s.process(ctx, rawCode, eventID, deviceID)
	observability.RecordScanOutcome(string(res.Outcome))

	fields := log.Fields{"event_id": eventID, "device_id": deviceID, "outcome": res.Outcome}
	if err != nil {
		log.WithFields(fields).Errorf("scan failed: %v", err)
	} else {
		log.WithFields(fields).Debug("scan processed")
	}
	return res, err
}

func (s *ScanService) process(ctx context.Context, rawCode string, eventID int64, deviceID string) (ScanResult, error) {
	if eventID <= 0 {
		return ScanResult{Outcome: OutcomeNoActiveEvent}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	// 1. the event must still be taking scans; the insert rechecks under the lock
	var event *models.Event
	err := s.retry(ctx, func() error {
		var err error
		event, err = s.events.GetEventByID(ctx, eventID)
		return err
	})
	if err != nil {
		if errors.Is(err, models.ErrEventNotFound) {
			return ScanResult{Outcome: OutcomeNoActiveEvent}, nil
		}
		return failed(fmt.Errorf("read event: %w", err))
	}
	if !event.IsActive {
		return ScanResult{Outcome: OutcomeNoActiveEvent}, nil
	}

	// 2. resolve the member
	var member *models.Member
	err = s.retry(ctx, func() error {
		var err error
		member, err = s.members.Lookup(ctx, rawCode)
		return err
	})
	if err != nil {
		if errors.Is(err, models.ErrMemberNotFound) {
			return ScanResult{Outcome: OutcomeNotRegistered}, nil
		}
		return failed(fmt.Errorf("lookup member: %w", err))
	}

	// 3. cheap duplicate check; the insert below is the real guard
	var existing *models.AttendanceScan
	err = s.retry(ctx, func() error {
		var err error
		existing, err = s.ledger.ExistingScan(ctx, member.ID, eventID)
		return err
	})
	if err != nil {
		return failed(fmt.Errorf("existing scan: %w", err))
	}
	if existing != nil {
		return duplicate(member, existing), nil
	}

	// 4. insert; a unique violation means another device won the race
	var scan *models.AttendanceScan
	err = s.retry(ctx, func() error {
		var err error
		scan, err = s.ledger.InsertScan(ctx, member.ID, eventID, deviceID)
		return err
	})
	switch {
	case err == nil:
	case errors.Is(err, models.ErrNoActiveEvent):
		return ScanResult{Outcome: OutcomeNoActiveEvent, MemberName: member.DisplayName}, nil
	case errors.Is(err, models.ErrDuplicateScan):
		return s.raceLoser(ctx, member, eventID)
	default:
		return failed(fmt.Errorf("insert scan: %w", err))
	}

	// 5. accepted
	if err := s.publisher.PublishScan(comm.ScanRecord{
		ScanID:    scan.ID,
		EventID:   scan.EventID,
		MemberID:  scan.MemberID,
		DeviceID:  scan.ScannedByDevice,
		ScannedAt: scan.ScannedAt,
	}); err != nil {
		log.Warnf("accepted scan %d not published for reporting: %v", scan.ID, err)
	}

	return ScanResult{
		Outcome:    OutcomeAccepted,
		MemberName: member.DisplayName,
		ScannedAt:  scan.ScannedAt,
		Scan:       scan,
	}, nil
}

// raceLoser reads back the row that beat this insert. A constraint rejection with
// no row behind it would mean the ledger is broken.
func (s *ScanService) raceLoser(ctx context.Context, member *models.Member, eventID int64) (ScanResult, error) {
	var existing *models.AttendanceScan
	err := s.retry(ctx, func() error {
		var err error
		existing, err = s.ledger.ExistingScan(ctx, member.ID, eventID)
		return err
	})
	if err != nil {
		return failed(fmt.Errorf("read duplicate scan: %w", err))
	}
	if existing == nil {
		observability.RecordInvariantViolation("unique_scan")
		return failed(fmt.Errorf("member %d event %d rejected as duplicate without a row: %w",
			member.ID, eventID, models.ErrInvariantViolation))
	}
	return duplicate(member, existing), nil
}

// retry re-runs op only for transient store failures.
func (s *ScanService) retry(ctx context.Context, op func() error) error {
	attempt := 0
	wrapped := func() error {
		if attempt > 0 {
			observability.RecordScanRetry()
		}
		attempt++
		err := op()
		if err != nil && !errors.Is(err, models.ErrStoreUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), s.retries), ctx)
	return backoff.Retry(wrapped, b)
}

func duplicate(member *models.Member, existing *models.AttendanceScan) ScanResult {
	return ScanResult{
		Outcome:    OutcomeDuplicate,
		MemberName: member.DisplayName,
		ScannedAt:  existing.ScannedAt,
		Scan:       existing,
	}
}

func failed(err error) (ScanResult, error) {
	return ScanResult{Outcome: OutcomeFailed}, err
}
