package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/faqforge/billing/pkg/entitlement"
	"github.com/faqforge/billing/pkg/pg"
	"github.com/faqforge/billing/pkg/plan"
)

// PgStore is the PostgreSQL Store implementation. Settlement updates are
// guarded on status = 'created' so a replayed confirmation cannot flip an
// already settled row.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore returns a Store backed by the given pool.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const transactionColumns = `id, user_id, gateway_order_id, gateway_payment_id,
	gateway_subscription_id, status, amount, currency, plan_tier_requested,
	payment_type, created_at, completed_at, failed_at`

func (s *PgStore) Create(ctx context.Context, tx *Transaction) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO payment_transactions (`+transactionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		tx.ID, tx.UserID, tx.GatewayOrderID, nullableString(tx.GatewayPaymentID),
		nullableString(tx.GatewaySubscriptionID), string(tx.Status), tx.Amount, tx.Currency,
		string(tx.PlanTierRequested), string(tx.PaymentType), tx.CreatedAt, tx.CompletedAt, tx.FailedAt)
	if err != nil {
		if pg.IsDuplicateKeyError(err) {
			return ErrTransactionExists
		}
		return fmt.Errorf("insert payment transaction: %w", err)
	}
	return nil
}

func (s *PgStore) GetByOrderID(ctx context.Context, orderID string) (*Transaction, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM payment_transactions WHERE gateway_order_id = $1`, orderID)

	var tx Transaction
	var paymentID, subscriptionID *string
	var status, tier, paymentType string
	err := row.Scan(&tx.ID, &tx.UserID, &tx.GatewayOrderID, &paymentID,
		&subscriptionID, &status, &tx.Amount, &tx.Currency, &tier,
		&paymentType, &tx.CreatedAt, &tx.CompletedAt, &tx.FailedAt)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("query payment transaction: %w", err)
	}

	if paymentID != nil {
		tx.GatewayPaymentID = *paymentID
	}
	if subscriptionID != nil {
		tx.GatewaySubscriptionID = *subscriptionID
	}
	tx.Status = TxStatus(status)
	tx.PlanTierRequested = plan.Tier(tier)
	tx.PaymentType = entitlement.PaymentType(paymentType)
	return &tx, nil
}

func (s *PgStore) MarkCompleted(ctx context.Context, orderID, paymentID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE payment_transactions
		 SET status = $1, gateway_payment_id = $2, completed_at = $3
		 WHERE gateway_order_id = $4 AND status = $5`,
		string(TxCompleted), paymentID, at, orderID, string(TxCreated))
	if err != nil {
		return fmt.Errorf("complete payment transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifySettleMiss(ctx, orderID)
	}
	return nil
}

func (s *PgStore) MarkFailed(ctx context.Context, orderID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE payment_transactions SET status = $1, failed_at = $2
		 WHERE gateway_order_id = $3 AND status = $4`,
		string(TxFailed), at, orderID, string(TxCreated))
	if err != nil {
		return fmt.Errorf("fail payment transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifySettleMiss(ctx, orderID)
	}
	return nil
}

func (s *PgStore) classifySettleMiss(ctx context.Context, orderID string) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM payment_transactions WHERE gateway_order_id = $1)`, orderID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check payment transaction existence: %w", err)
	}
	if !exists {
		return ErrTransactionNotFound
	}
	return ErrTransactionNotPending
}

func (s *PgStore) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+transactionColumns+` FROM payment_transactions
		 WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query payment transactions: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var tx Transaction
		var paymentID, subscriptionID *string
		var status, tier, paymentType string
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.GatewayOrderID, &paymentID,
			&subscriptionID, &status, &tx.Amount, &tx.Currency, &tier,
			&paymentType, &tx.CreatedAt, &tx.CompletedAt, &tx.FailedAt); err != nil {
			return nil, fmt.Errorf("scan payment transaction: %w", err)
		}
		if paymentID != nil {
			tx.GatewayPaymentID = *paymentID
		}
		if subscriptionID != nil {
			tx.GatewaySubscriptionID = *subscriptionID
		}
		tx.Status = TxStatus(status)
		tx.PlanTierRequested = plan.Tier(tier)
		tx.PaymentType = entitlement.PaymentType(paymentType)
		out = append(out, tx)
	}
	return out, rows.Err()
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
