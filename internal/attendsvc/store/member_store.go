package store

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avvvet/attendance-services/internal/attendsvc/models"
)

// MemberStore resolves QR business keys against the member directory tables.
// It is read only; members are managed elsewhere.
type MemberStore struct {
	db *pgxpool.Pool
}

func NewMemberStore(db *pgxpool.Pool) *MemberStore {
	return &MemberStore{db: db}
}

func (s *MemberStore) Lookup(ctx context.Context, businessKey string) (*models.Member, error) {
	key := strings.TrimSpace(businessKey)
	if key == "" {
		return nil, models.ErrMemberNotFound
	}

	m := &models.Member{}
	err := s.db.QueryRow(ctx, `
		SELECT id, business_key, display_name
		FROM members
		WHERE business_key = $1
	`, key).Scan(&m.ID, &m.BusinessKey, &m.DisplayName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrMemberNotFound
		}
		return nil, transient("lookup member", err)
	}
	return m, nil
}
