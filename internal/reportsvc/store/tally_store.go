package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/avvvet/attendance-services/internal/comm"
	"github.com/avvvet/attendance-services/internal/db"
)

const (
	tallyCollection     = "event_tallies"
	projectedCollection = "projected_scans"
)

// Tally is the per-event aggregate served to dashboards. It trails the
// attendance ledger by however long the scan stream takes to arrive.
type Tally struct {
	EventID    int64      `bson:"event_id" json:"event_id"`
	Scans      int64      `bson:"scans" json:"scans"`
	LastScanAt *time.Time `bson:"last_scan_at,omitempty" json:"last_scan_at,omitempty"`
}

type projectedScan struct {
	ScanID    int64     `bson:"scan_id"`
	EventID   int64     `bson:"event_id"`
	MemberID  int64     `bson:"member_id"`
	DeviceID  string    `bson:"device_id,omitempty"`
	ScannedAt time.Time `bson:"scanned_at"`
	ExpiresAt time.Time `bson:"expires_at"`
}

type TallyStore struct {
	db        *mongo.Database
	retention time.Duration
}

// NewTallyStore keeps projected scan ids for retention so a record applied
// twice is counted once. The tally is a best-effort view; the ledger count at
// GET /v1/events/{id}/count on attendsvc is authoritative.
func NewTallyStore(database *mongo.Database, retention time.Duration) *TallyStore {
	return &TallyStore{db: database, retention: retention}
}

func (s *TallyStore) EnsureIndexes(ctx context.Context) error {
	if err := db.CreateUniqueIndex(ctx, s.db, projectedCollection, "scan_id"); err != nil {
		return err
	}
	if err := db.CreateUniqueIndex(ctx, s.db, tallyCollection, "event_id"); err != nil {
		return err
	}
	return db.CreateTTLIndexForCollection(ctx, s.db, projectedCollection)
}

// Apply folds one accepted scan into its event's tally. It reports false when
// the scan was already projected.
func (s *TallyStore) Apply(ctx context.Context, rec comm.ScanRecord) (bool, error) {
	_, err := s.db.Collection(projectedCollection).InsertOne(ctx, projectedScan{
		ScanID:    rec.ScanID,
		EventID:   rec.EventID,
		MemberID:  rec.MemberID,
		DeviceID:  rec.DeviceID,
		ScannedAt: rec.ScannedAt,
		ExpiresAt: time.Now().Add(s.retention),
	})
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("record projected scan %d: %w", rec.ScanID, err)
	}

	filter := bson.M{"event_id": rec.EventID}
	update := bson.M{
		"$inc": bson.M{"scans": 1},
		"$max": bson.M{"last_scan_at": rec.ScannedAt},
	}
	_, err = s.db.Collection(tallyCollection).UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		// drop the marker so the broker's retry can count it
		_, _ = s.db.Collection(projectedCollection).DeleteOne(ctx, bson.M{"scan_id": rec.ScanID})
		return false, fmt.Errorf("update tally for event %d: %w", rec.EventID, err)
	}
	return true, nil
}

// Get returns the tally for eventID; an event with no scans yet has a zero tally.
func (s *TallyStore) Get(ctx context.Context, eventID int64) (*Tally, error) {
	t := &Tally{}
	err := s.db.Collection(tallyCollection).FindOne(ctx, bson.M{"event_id": eventID}).Decode(t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return &Tally{EventID: eventID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tally for event %d: %w", eventID, err)
	}
	return t, nil
}
