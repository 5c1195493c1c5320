package idempotency

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/faqforge/billing/pkg/pg"
)

// PgLedger stores event ids in the webhook_events table. The primary key
// on event_id makes concurrent inserts of the same id race safely: one
// insert wins, the rest fail with a uniqueness violation that resolves to
// Duplicate.
type PgLedger struct {
	pool *pgxpool.Pool
}

func NewPgLedger(pool *pgxpool.Pool) *PgLedger {
	return &PgLedger{pool: pool}
}

func (l *PgLedger) RecordIfNew(ctx context.Context, eventID string) (Outcome, error) {
	if eventID == "" {
		return Duplicate, ErrEmptyEventID
	}

	_, err := l.pool.Exec(ctx,
		`INSERT INTO webhook_events (event_id, processed_at) VALUES ($1, now())`, eventID)
	if err != nil {
		if pg.IsDuplicateKeyError(err) {
			return Duplicate, nil
		}
		return Duplicate, fmt.Errorf("record webhook event: %w", err)
	}
	return New, nil
}

func (l *PgLedger) Forget(ctx context.Context, eventID string) error {
	if eventID == "" {
		return ErrEmptyEventID
	}
	_, err := l.pool.Exec(ctx, `DELETE FROM webhook_events WHERE event_id = $1`, eventID)
	if err != nil {
		return fmt.Errorf("forget webhook event: %w", err)
	}
	return nil
}
