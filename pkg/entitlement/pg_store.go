package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/faqforge/billing/pkg/pg"
	"github.com/faqforge/billing/pkg/plan"
)

// PgStore is the PostgreSQL Store implementation. The compare-and-set in
// Apply is a single guarded UPDATE, so two racing writers can never both
// succeed from the same prior status.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore returns a Store backed by the given pool.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const entitlementColumns = `user_id, plan_tier, status, usage_current, usage_limit,
	auto_renewal, payment_type, activated_at, expires_at, next_billing_at,
	gateway_subscription_id, created_at, updated_at`

func (s *PgStore) Get(ctx context.Context, userID uuid.UUID) (*Entitlement, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements WHERE user_id = $1`, userID)

	var ent Entitlement
	var tier, status, paymentType string
	var gatewaySubID *string
	err := row.Scan(&ent.UserID, &tier, &status, &ent.UsageCurrent, &ent.UsageLimit,
		&ent.AutoRenewal, &paymentType, &ent.ActivatedAt, &ent.ExpiresAt, &ent.NextBillingAt,
		&gatewaySubID, &ent.CreatedAt, &ent.UpdatedAt)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query entitlement: %w", err)
	}

	ent.PlanTier = plan.Tier(tier)
	ent.Status = Status(status)
	ent.PaymentType = PaymentType(paymentType)
	if gatewaySubID != nil {
		ent.GatewaySubscriptionID = *gatewaySubID
	}
	return &ent, nil
}

func (s *PgStore) Create(ctx context.Context, ent *Entitlement) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO entitlements (`+entitlementColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		ent.UserID, string(ent.PlanTier), string(ent.Status), ent.UsageCurrent, ent.UsageLimit,
		ent.AutoRenewal, string(ent.PaymentType), ent.ActivatedAt, ent.ExpiresAt, ent.NextBillingAt,
		nullableString(ent.GatewaySubscriptionID), ent.CreatedAt, ent.UpdatedAt)
	if err != nil {
		if pg.IsDuplicateKeyError(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert entitlement: %w", err)
	}
	return nil
}

func (s *PgStore) Apply(ctx context.Context, prev, next *Entitlement, resetUsage bool, reason string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin apply tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	// usage_current is only written on an explicit cycle reset; otherwise
	// the stored value survives so concurrent quota increments are kept.
	tag, err := tx.Exec(ctx,
		`UPDATE entitlements SET
			plan_tier = $1, status = $2,
			usage_current = CASE WHEN $3 THEN 0 ELSE usage_current END,
			usage_limit = $4, auto_renewal = $5, payment_type = $6,
			activated_at = $7, expires_at = $8, next_billing_at = $9,
			gateway_subscription_id = $10, updated_at = $11
		 WHERE user_id = $12 AND status = $13`,
		string(next.PlanTier), string(next.Status), resetUsage,
		next.UsageLimit, next.AutoRenewal, string(next.PaymentType),
		next.ActivatedAt, next.ExpiresAt, next.NextBillingAt,
		nullableString(next.GatewaySubscriptionID), next.UpdatedAt,
		prev.UserID, string(prev.Status))
	if err != nil {
		return fmt.Errorf("apply entitlement transition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a lost race from a missing record.
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM entitlements WHERE user_id = $1)`, prev.UserID).Scan(&exists); err != nil {
			return fmt.Errorf("check entitlement existence: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrStaleEntitlement
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO entitlement_history
			(id, user_id, tier_before, tier_after, status_before, status_after, reason, effective_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.New(), prev.UserID, string(prev.PlanTier), string(next.PlanTier),
		string(prev.Status), string(next.Status), reason, next.UpdatedAt)
	if err != nil {
		return fmt.Errorf("append entitlement history: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit apply tx: %w", err)
	}
	return nil
}

func (s *PgStore) History(ctx context.Context, userID uuid.UUID, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, tier_before, tier_after, status_before, status_after, reason, effective_at
		 FROM entitlement_history WHERE user_id = $1
		 ORDER BY effective_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query entitlement history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var tierBefore, tierAfter, statusBefore, statusAfter string
		if err := rows.Scan(&e.ID, &e.UserID, &tierBefore, &tierAfter,
			&statusBefore, &statusAfter, &e.Reason, &e.EffectiveAt); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		e.TierBefore = plan.Tier(tierBefore)
		e.TierAfter = plan.Tier(tierAfter)
		e.StatusBefore = Status(statusBefore)
		e.StatusAfter = Status(statusAfter)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Join(errors.New("iterate history rows"), err)
	}
	return entries, nil
}

func (s *PgStore) ListLapsed(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM entitlements
		 WHERE status = $1 AND expires_at IS NOT NULL AND expires_at <= $2
		 LIMIT $3`, string(StatusCancelledPending), now, limit)
	if err != nil {
		return nil, fmt.Errorf("query lapsed entitlements: %w", err)
	}
	defer rows.Close()

	var userIDs []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan lapsed user id: %w", err)
		}
		userIDs = append(userIDs, id)
	}
	return userIDs, rows.Err()
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
