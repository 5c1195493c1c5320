package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryLedger is a thread-safe in-memory Ledger for tests and local
// development.
type MemoryLedger struct {
	mu     sync.Mutex
	events map[string]time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{events: make(map[string]time.Time)}
}

func (l *MemoryLedger) RecordIfNew(ctx context.Context, eventID string) (Outcome, error) {
	if eventID == "" {
		return Duplicate, ErrEmptyEventID
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, seen := l.events[eventID]; seen {
		return Duplicate, nil
	}
	l.events[eventID] = time.Now().UTC()
	return New, nil
}

func (l *MemoryLedger) Forget(ctx context.Context, eventID string) error {
	if eventID == "" {
		return ErrEmptyEventID
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.events, eventID)
	return nil
}

// Len reports how many distinct event ids have been recorded.
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}
