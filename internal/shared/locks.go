package shared

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// IntentLockKey builds the redis key guarding payment-intent creation for an invoice.
func IntentLockKey(invoiceID uuid.UUID) string {
	return fmt.Sprintf("billing:invoice:%s:intent", invoiceID)
}

// IntentGuard is a redis SetNX guard ensuring a single in-flight payment intent
// per invoice. The database partial unique index is the hard guarantee; the
// guard fails fast before any provider round-trip.
type IntentGuard struct {
	client *redis.Client
	ttl    time.Duration
}

// NewIntentGuard constructs the guard. ttl bounds how long an abandoned intent
// blocks new attempts if the sweep has not run yet.
func NewIntentGuard(client *redis.Client, ttl time.Duration) *IntentGuard {
	return &IntentGuard{client: client, ttl: ttl}
}

// Acquire claims the per-invoice slot. Returns false when another intent holds it.
func (g *IntentGuard) Acquire(ctx context.Context, invoiceID uuid.UUID) (bool, error) {
	if g == nil || g.client == nil {
		return true, nil
	}
	return g.client.SetNX(ctx, IntentLockKey(invoiceID), time.Now().UTC().Format(time.RFC3339), g.ttl).Result()
}

// Release frees the slot once the intent reaches a terminal state.
func (g *IntentGuard) Release(ctx context.Context, invoiceID uuid.UUID) error {
	if g == nil || g.client == nil {
		return nil
	}
	return g.client.Del(ctx, IntentLockKey(invoiceID)).Err()
}
