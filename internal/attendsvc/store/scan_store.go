package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avvvet/attendance-services/internal/attendsvc/models"
)

// ScanStore is the append-only attendance ledger. Rows are never updated.
type ScanStore struct {
	db *pgxpool.Pool
}

func NewScanStore(db *pgxpool.Pool) *ScanStore {
	return &ScanStore{db: db}
}

const scanColumns = `id, member_id, event_id, activation_epoch, scanned_at, COALESCE(scanned_by_device, '')`

func scanAttendance(row pgx.Row) (*models.AttendanceScan, error) {
	a := &models.AttendanceScan{}
	err := row.Scan(
		&a.ID,
		&a.MemberID,
		&a.EventID,
		&a.ActivationEpoch,
		&a.ScannedAt,
		&a.ScannedByDevice,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ExistingScan returns nil, nil when the member has no scan for the event.
func (s *ScanStore) ExistingScan(ctx context.Context, memberID, eventID int64) (*models.AttendanceScan, error) {
	query := `SELECT ` + scanColumns + ` FROM attendance_scans WHERE event_id = $1 AND member_id = $2`

	a, err := scanAttendance(s.db.QueryRow(ctx, query, eventID, memberID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, transient("existing scan", err)
	}
	return a, nil
}

// InsertScan appends a scan for the event only while it is active. The CTE takes a
// share lock on the event row, so scans do not block each other but a concurrent
// activation change waits for them. The unique_event_member constraint is the race
// guard: a concurrent insert for the same pair fails with models.ErrDuplicateScan.
func (s *ScanStore) InsertScan(ctx context.Context, memberID, eventID int64, deviceID string) (*models.AttendanceScan, error) {
	if memberID <= 0 {
		return nil, fmt.Errorf("invalid member ID: %d", memberID)
	}
	if eventID <= 0 {
		return nil, models.ErrNoActiveEvent
	}

	query := `
WITH active_event AS (
  SELECT id, activation_epoch
  FROM events
  WHERE id = $2
    AND is_active
  FOR SHARE
)
INSERT INTO attendance_scans (member_id, event_id, activation_epoch, scanned_by_device)
SELECT $1, ae.id, ae.activation_epoch, NULLIF($3, '')
FROM active_event ae
RETURNING ` + scanColumns

	a, err := scanAttendance(s.db.QueryRow(ctx, query, memberID, eventID, deviceID))
	if err != nil {
		// zero rows means the event isn't active (or doesn't exist)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNoActiveEvent
		}
		if uniqueViolation(err, "unique_event_member") {
			return nil, models.ErrDuplicateScan
		}
		if foreignKeyViolation(err) {
			return nil, fmt.Errorf("invalid reference for member %d event %d: %w", memberID, eventID, err)
		}
		return nil, transient("insert scan", err)
	}
	return a, nil
}

// CountByEvent is a plain MVCC read; it never blocks writers.
func (s *ScanStore) CountByEvent(ctx context.Context, eventID int64) (int64, error) {
	var count int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM attendance_scans WHERE event_id = $1`, eventID).Scan(&count); err != nil {
		return 0, transient("count scans", err)
	}
	return count, nil
}
