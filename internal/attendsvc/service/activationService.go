package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avvvet/attendance-services/internal/attendsvc/models"
	"github.com/avvvet/attendance-services/internal/comm"
	"github.com/avvvet/attendance-services/internal/observability"
	log "github.com/sirupsen/logrus"
)

// EventDirectory is the transactional backend holding events and the single
// active event rule. store.EventStore implements it against Postgres.
type EventDirectory interface {
	Activate(ctx context.Context, eventID int64) (*models.Event, int64, error)
	Deactivate(ctx context.Context, eventID int64) (*models.Event, int64, error)
	GetActive(ctx context.Context) (*models.ActiveState, error)
	CountActive(ctx context.Context) (int, error)
}

// Publisher hands committed changes and accepted scans to the feed transport.
type Publisher interface {
	PublishChange(c comm.Change) error
	PublishScan(r comm.ScanRecord) error
}

// ActivationResult carries the event this call changed and the authoritative
// state read right after commit. Under concurrent activations Active may name a
// different event than Event: the caller lost and must render Active.
type ActivationResult struct {
	Event  *models.Event
	Seq    int64
	Active *models.ActiveState
}

type ActivationService struct {
	events    EventDirectory
	publisher Publisher
	now       func() time.Time
}

func NewActivationService(events EventDirectory, publisher Publisher) *ActivationService {
	return &ActivationService{
		events:    events,
		publisher: publisher,
		now:       time.Now,
	}
}

func (s *ActivationService) Activate(ctx context.Context, eventID int64) (*ActivationResult, error) {
	e, seq, err := s.events.Activate(ctx, eventID)
	if err != nil {
		observability.RecordActivation("activate", resultLabel(err))
		s.checkInvariant(err)
		return nil, err
	}
	observability.RecordActivation("activate", "ok")

	log.WithFields(log.Fields{"event_id": e.ID, "seq": seq}).Info("event activated")
	s.publish(comm.Change{Kind: comm.EventActivated, EventID: e.ID, EventName: e.Name, Seq: seq, At: s.now().UTC()})

	return s.result(ctx, e, seq), nil
}

func (s *ActivationService) Deactivate(ctx context.Context, eventID int64) (*ActivationResult, error) {
	e, seq, err := s.events.Deactivate(ctx, eventID)
	if err != nil {
		observability.RecordActivation("deactivate", resultLabel(err))
		s.checkInvariant(err)
		return nil, err
	}
	observability.RecordActivation("deactivate", "ok")

	log.WithFields(log.Fields{"event_id": e.ID, "seq": seq}).Info("event deactivated")
	s.publish(comm.Change{Kind: comm.EventDeactivated, EventID: e.ID, EventName: e.Name, Seq: seq, At: s.now().UTC()})

	return s.result(ctx, e, seq), nil
}

func (s *ActivationService) GetActive(ctx context.Context) (*models.ActiveState, error) {
	state, err := s.events.GetActive(ctx)
	if err != nil {
		s.checkInvariant(err)
		return nil, err
	}
	return state, nil
}

// Audit checks the single active event rule directly against the store.
func (s *ActivationService) Audit(ctx context.Context) error {
	count, err := s.events.CountActive(ctx)
	if err != nil {
		return err
	}
	if count > 1 {
		err := fmt.Errorf("audit found %d active events: %w", count, models.ErrMultipleActiveEvents)
		s.checkInvariant(err)
		return err
	}
	return nil
}

// RunAuditor runs Audit every interval until ctx is done.
func (s *ActivationService) RunAuditor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Audit(ctx); err != nil && !errors.Is(err, models.ErrMultipleActiveEvents) {
				log.Warnf("active event audit failed: %v", err)
			}
		}
	}
}

func (s *ActivationService) result(ctx context.Context, e *models.Event, seq int64) *ActivationResult {
	res := &ActivationResult{Event: e, Seq: seq}
	active, err := s.GetActive(ctx)
	if err != nil {
		// the mutation committed; the caller can still re-read on its own
		log.Warnf("re-read of active event after seq %d failed: %v", seq, err)
		return res
	}
	res.Active = active
	return res
}

func (s *ActivationService) publish(c comm.Change) {
	if err := s.publisher.PublishChange(c); err != nil {
		// subscribers notice the missing seq and resync
		log.WithFields(log.Fields{"kind": c.Kind, "event_id": c.EventID, "seq": c.Seq}).
			Errorf("change not published: %v", err)
	}
}

func (s *ActivationService) checkInvariant(err error) {
	if errors.Is(err, models.ErrMultipleActiveEvents) {
		observability.RecordInvariantViolation("single_active_event")
		log.Errorf("INVARIANT VIOLATION: %v", err)
	}
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, models.ErrEventNotFound):
		return "not_found"
	case errors.Is(err, models.ErrConflict):
		return "conflict"
	case errors.Is(err, models.ErrStoreUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
