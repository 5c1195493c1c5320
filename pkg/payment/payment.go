// Package payment owns the payment transaction ledger and the reconciler
// that correlates locally created payment intents with the gateway's
// confirmations. Transactions are append-mostly: a row is created when a
// checkout starts and only ever moves to completed or failed, never
// deleted.
package payment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/faqforge/billing/pkg/entitlement"
	"github.com/faqforge/billing/pkg/plan"
)

var (
	ErrTransactionNotFound    = errors.New("payment transaction not found")
	ErrTransactionExists      = errors.New("payment transaction already exists for this order")
	ErrTransactionNotPending  = errors.New("payment transaction is not pending")
	ErrTransactionOwnership   = errors.New("payment transaction belongs to a different user")
	ErrFreeTierNotPurchasable = errors.New("free tier cannot be purchased")
	ErrUnknownGatewayPlan     = errors.New("gateway plan id does not match any catalog tier")
	ErrMissingUserReference   = errors.New("gateway event carries no usable user reference")
)

// TxStatus is the transaction lifecycle state.
type TxStatus string

const (
	TxCreated   TxStatus = "created"
	TxCompleted TxStatus = "completed"
	TxFailed    TxStatus = "failed"
)

// Transaction is one payment attempt. GatewayOrderID is unique across the
// ledger; GatewayPaymentID is set only after the gateway confirms.
type Transaction struct {
	ID                    uuid.UUID
	UserID                uuid.UUID
	GatewayOrderID        string
	GatewayPaymentID      string
	GatewaySubscriptionID string
	Status                TxStatus
	Amount                int64
	Currency              string
	PlanTierRequested     plan.Tier
	PaymentType           entitlement.PaymentType

	CreatedAt   time.Time
	CompletedAt *time.Time
	FailedAt    *time.Time
}

// Store persists payment transactions. MarkCompleted and MarkFailed only
// move a pending row; a row already settled returns
// ErrTransactionNotPending so replayed confirmations cannot flip a
// settled outcome.
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	GetByOrderID(ctx context.Context, orderID string) (*Transaction, error)
	MarkCompleted(ctx context.Context, orderID, paymentID string, at time.Time) error
	MarkFailed(ctx context.Context, orderID string, at time.Time) error
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]Transaction, error)
}
