package cancellation

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore is the PostgreSQL Store implementation. Rows are insert-only.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore returns a Store backed by the given pool.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) Create(ctx context.Context, rec *Record) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cancellations (id, user_id, reason, immediate, requested_at, effective_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.UserID, rec.Reason, rec.Immediate, rec.RequestedAt, rec.EffectiveAt)
	if err != nil {
		return fmt.Errorf("insert cancellation record: %w", err)
	}
	return nil
}

func (s *PgStore) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, reason, immediate, requested_at, effective_at
		 FROM cancellations WHERE user_id = $1
		 ORDER BY requested_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query cancellation records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Reason, &rec.Immediate,
			&rec.RequestedAt, &rec.EffectiveAt); err != nil {
			return nil, fmt.Errorf("scan cancellation record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
