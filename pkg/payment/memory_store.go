package payment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu      sync.Mutex
	byOrder map[string]*Transaction
}

// NewMemoryStore creates an empty in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byOrder: make(map[string]*Transaction)}
}

func (s *MemoryStore) Create(ctx context.Context, tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byOrder[tx.GatewayOrderID]; ok {
		return ErrTransactionExists
	}
	c := *tx
	s.byOrder[tx.GatewayOrderID] = &c
	return nil
}

func (s *MemoryStore) GetByOrderID(ctx context.Context, orderID string) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.byOrder[orderID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	c := *tx
	return &c, nil
}

func (s *MemoryStore) MarkCompleted(ctx context.Context, orderID, paymentID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.byOrder[orderID]
	if !ok {
		return ErrTransactionNotFound
	}
	if tx.Status != TxCreated {
		return ErrTransactionNotPending
	}
	tx.Status = TxCompleted
	tx.GatewayPaymentID = paymentID
	tx.CompletedAt = &at
	return nil
}

func (s *MemoryStore) MarkFailed(ctx context.Context, orderID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.byOrder[orderID]
	if !ok {
		return ErrTransactionNotFound
	}
	if tx.Status != TxCreated {
		return ErrTransactionNotPending
	}
	tx.Status = TxFailed
	tx.FailedAt = &at
	return nil
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Transaction
	for _, tx := range s.byOrder {
		if tx.UserID == userID {
			out = append(out, *tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
