package usage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/faqforge/billing/pkg/entitlement"
	"github.com/faqforge/billing/pkg/pg"
)

// PgStore implements Store against the entitlements table. The consume
// path is one guarded UPDATE: PostgreSQL's row lock serializes concurrent
// attempts, so the limit check and the increment are indivisible.
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) ConsumeIfAllowed(ctx context.Context, userID uuid.UUID, n int) (Snapshot, bool, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE entitlements
		 SET usage_current = usage_current + $2, updated_at = now()
		 WHERE user_id = $1
		   AND status IN ('active', 'cancelled_pending')
		   AND usage_current + $2 <= usage_limit
		 RETURNING status, usage_current, usage_limit`, userID, n)

	var snap Snapshot
	var status string
	err := row.Scan(&status, &snap.Quota.Used, &snap.Quota.Limit)
	if err == nil {
		snap.Status = entitlement.Status(status)
		return snap, true, nil
	}
	if !pg.IsNotFoundError(err) {
		return Snapshot{}, false, fmt.Errorf("consume usage: %w", err)
	}

	// The guard did not match: read the row once to classify why. The
	// snapshot may be newer than the failed attempt; the caller only
	// needs a reason, not a consistent point-in-time view.
	snap, err = s.Inspect(ctx, userID)
	if err != nil {
		return Snapshot{}, false, err
	}
	return snap, false, nil
}

func (s *PgStore) Inspect(ctx context.Context, userID uuid.UUID) (Snapshot, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT status, usage_current, usage_limit FROM entitlements WHERE user_id = $1`, userID)

	var snap Snapshot
	var status string
	if err := row.Scan(&status, &snap.Quota.Used, &snap.Quota.Limit); err != nil {
		if pg.IsNotFoundError(err) {
			return Snapshot{}, entitlement.ErrNotFound
		}
		return Snapshot{}, fmt.Errorf("inspect usage: %w", err)
	}
	snap.Status = entitlement.Status(status)
	return snap, nil
}
