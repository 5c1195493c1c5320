package idempotency

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLedger decorates another Ledger with a SET NX fast path. A cache
// hit short-circuits the duplicate answer without touching the database;
// the wrapped ledger's unique constraint remains the mechanism of truth,
// so redis being down or evicting keys only costs the fast path.
type RedisLedger struct {
	client *redis.Client
	next   Ledger
	ttl    time.Duration
	prefix string
	log    *slog.Logger
}

// NewRedisLedger wraps next with a redis fast path. The TTL should exceed
// the gateway's webhook retry window; the wrapped ledger covers anything
// beyond it.
func NewRedisLedger(client *redis.Client, next Ledger, ttl time.Duration, log *slog.Logger) *RedisLedger {
	if client == nil {
		panic("idempotency: redis client is required")
	}
	if next == nil {
		panic("idempotency: wrapped ledger is required")
	}
	if log == nil {
		log = slog.Default()
	}
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &RedisLedger{
		client: client,
		next:   next,
		ttl:    ttl,
		prefix: "billing:webhook_event:",
		log:    log,
	}
}

func (l *RedisLedger) RecordIfNew(ctx context.Context, eventID string) (Outcome, error) {
	if eventID == "" {
		return Duplicate, ErrEmptyEventID
	}

	set, err := l.client.SetNX(ctx, l.prefix+eventID, 1, l.ttl).Result()
	if err != nil {
		// Cache trouble must not reject the event; fall through to the
		// authoritative ledger.
		l.log.WarnContext(ctx, "idempotency cache unavailable, falling back to store",
			"event_id", eventID, "error", err)
		return l.next.RecordIfNew(ctx, eventID)
	}
	if !set {
		return Duplicate, nil
	}

	outcome, err := l.next.RecordIfNew(ctx, eventID)
	if err != nil {
		// The durable record failed, so release the cache key: a retry
		// of this delivery must not be swallowed by the fast path.
		l.client.Del(context.WithoutCancel(ctx), l.prefix+eventID)
		return outcome, err
	}
	return outcome, nil
}

func (l *RedisLedger) Forget(ctx context.Context, eventID string) error {
	if eventID == "" {
		return ErrEmptyEventID
	}
	if err := l.client.Del(ctx, l.prefix+eventID).Err(); err != nil {
		l.log.WarnContext(ctx, "failed to release idempotency cache key",
			"event_id", eventID, "error", err)
	}
	return l.next.Forget(ctx, eventID)
}
