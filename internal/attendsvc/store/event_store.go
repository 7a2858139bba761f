package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avvvet/attendance-services/internal/attendsvc/models"
)

type EventStore struct {
	db *pgxpool.Pool
}

func NewEventStore(db *pgxpool.Pool) *EventStore {
	return &EventStore{db: db}
}

const eventColumns = `id, name, is_active, activated_at, activation_epoch, created_at`

func scanEvent(row pgx.Row) (*models.Event, error) {
	e := &models.Event{}
	err := row.Scan(
		&e.ID,
		&e.Name,
		&e.IsActive,
		&e.ActivatedAt,
		&e.ActivationEpoch,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (s *EventStore) GetEventByID(ctx context.Context, eventID int64) (*models.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE id = $1`

	e, err := scanEvent(s.db.QueryRow(ctx, query, eventID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrEventNotFound
		}
		return nil, transient("get event by id", err)
	}
	return e, nil
}

// Activate makes eventID the only active event. The activation_state row lock
// serializes every activation mutation, so concurrent callers commit one after
// the other and the last commit wins. Returns the event and the commit seq.
func (s *EventStore) Activate(ctx context.Context, eventID int64) (*models.Event, int64, error) {
	if eventID <= 0 {
		return nil, 0, models.ErrEventNotFound
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, 0, transient("begin tx", err)
	}
	defer tx.Rollback(ctx)

	if err := lockActivationState(ctx, tx); err != nil {
		return nil, 0, err
	}

	// clear first so the partial unique index never sees two active rows
	if _, err := tx.Exec(ctx, `
		UPDATE events
		SET is_active = false
		WHERE is_active AND id <> $1
	`, eventID); err != nil {
		return nil, 0, transient("clear active events", err)
	}

	e, err := scanEvent(tx.QueryRow(ctx, `
		UPDATE events
		SET is_active = true,
		    activated_at = now(),
		    activation_epoch = activation_epoch + 1
		WHERE id = $1
		RETURNING `+eventColumns, eventID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, models.ErrEventNotFound
		}
		if uniqueViolation(err, "events_single_active") {
			return nil, 0, fmt.Errorf("activate event %d: %w", eventID, models.ErrMultipleActiveEvents)
		}
		return nil, 0, transient("activate event", err)
	}

	seq, err := bumpSeq(ctx, tx)
	if err != nil {
		return nil, 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, 0, transient("commit activate", err)
	}
	return e, seq, nil
}

// Deactivate clears eventID only if it is still the active event.
// An event superseded by another activation yields models.ErrConflict.
func (s *EventStore) Deactivate(ctx context.Context, eventID int64) (*models.Event, int64, error) {
	if eventID <= 0 {
		return nil, 0, models.ErrEventNotFound
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, 0, transient("begin tx", err)
	}
	defer tx.Rollback(ctx)

	if err := lockActivationState(ctx, tx); err != nil {
		return nil, 0, err
	}

	e, err := scanEvent(tx.QueryRow(ctx, `
		UPDATE events
		SET is_active = false
		WHERE id = $1 AND is_active
		RETURNING `+eventColumns, eventID))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, transient("deactivate event", err)
		}
		// zero rows: either unknown or not the active one
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM events WHERE id = $1)`, eventID).Scan(&exists); err != nil {
			return nil, 0, transient("check event", err)
		}
		if !exists {
			return nil, 0, models.ErrEventNotFound
		}
		return nil, 0, models.ErrConflict
	}

	seq, err := bumpSeq(ctx, tx)
	if err != nil {
		return nil, 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, 0, transient("commit deactivate", err)
	}
	return e, seq, nil
}

// GetActive reads the active event and the commit seq in one statement so the
// pair is consistent.
func (s *EventStore) GetActive(ctx context.Context) (*models.ActiveState, error) {
	rows, err := s.db.Query(ctx, `
		SELECT s.seq, e.id, e.name, e.is_active, e.activated_at, e.activation_epoch, e.created_at
		FROM activation_state s
		LEFT JOIN events e ON e.is_active
		WHERE s.id = 1
	`)
	if err != nil {
		return nil, transient("get active", err)
	}
	defer rows.Close()

	state := &models.ActiveState{}
	count := 0
	for rows.Next() {
		var (
			id          *int64
			name        *string
			isActive    *bool
			activatedAt *time.Time
			epoch       *int64
			createdAt   *time.Time
		)
		if err := rows.Scan(&state.Seq, &id, &name, &isActive, &activatedAt, &epoch, &createdAt); err != nil {
			return nil, fmt.Errorf("scan active row: %w", err)
		}
		count++
		if id == nil {
			continue
		}
		state.Event = &models.Event{
			ID:              *id,
			Name:            *name,
			IsActive:        *isActive,
			ActivatedAt:     activatedAt,
			ActivationEpoch: *epoch,
			CreatedAt:       *createdAt,
		}
	}
	if err := rows.Err(); err != nil {
		return nil, transient("get active rows", err)
	}

	if count == 0 {
		return nil, fmt.Errorf("get active: activation_state row missing: %w", models.ErrInvariantViolation)
	}
	if count > 1 {
		return nil, models.ErrMultipleActiveEvents
	}
	return state, nil
}

// CountActive is used by the auditor; anything above one is a bug.
func (s *EventStore) CountActive(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM events WHERE is_active`).Scan(&count); err != nil {
		return 0, transient("count active", err)
	}
	return count, nil
}

func lockActivationState(ctx context.Context, tx pgx.Tx) error {
	var seq int64
	err := tx.QueryRow(ctx, `SELECT seq FROM activation_state WHERE id = 1 FOR UPDATE`).Scan(&seq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("lock activation state: %w", models.ErrInvariantViolation)
		}
		return transient("lock activation state", err)
	}
	return nil
}

func bumpSeq(ctx context.Context, tx pgx.Tx) (int64, error) {
	var seq int64
	if err := tx.QueryRow(ctx, `UPDATE activation_state SET seq = seq + 1 WHERE id = 1 RETURNING seq`).Scan(&seq); err != nil {
		return 0, transient("bump seq", err)
	}
	return seq, nil
}
