// Package redis provides a Redis implementation of the billing.EventLedger
// interface. A delivery first takes a short-lived lock key with SET NX, so
// concurrent deliveries of the same event race on a single atomic command.
// Only a successful handler writes the long-lived done key.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tarotlab/billingsync/pkg/billing"
)

// Ledger implements billing.EventLedger using Redis
type Ledger struct {
	client redis.UniversalClient
	config Config
}

var _ billing.EventLedger = (*Ledger)(nil)

// Config holds Redis ledger configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "billingsync:event:")
	KeyPrefix string

	// TTL is how long a processed event id is remembered (default: 72h).
	// Stripe stops retrying a delivery after three days.
	TTL time.Duration

	// LockTTL bounds how long an unfinished delivery blocks redeliveries
	// (default: 2m). A crashed worker's lock simply expires.
	LockTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "billingsync:event:",
		TTL:       72 * time.Hour,
		LockTTL:   2 * time.Minute,
	}
}

// New creates a new Redis ledger
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Ledger, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "billingsync:event:"
	}
	if config.TTL <= 0 {
		config.TTL = 72 * time.Hour
	}
	if config.LockTTL <= 0 {
		config.LockTTL = 2 * time.Minute
	}

	return &Ledger{client: client, config: config}, nil
}

func (l *Ledger) lockKey(eventID string) string {
	return l.config.KeyPrefix + "lock:" + eventID
}

func (l *Ledger) doneKey(eventID string) string {
	return l.config.KeyPrefix + "done:" + eventID
}

// Claim implements billing.EventLedger
func (l *Ledger) Claim(ctx context.Context, eventID string) (billing.LedgerClaim, error) {
	if eventID == "" {
		return billing.ClaimInFlight, fmt.Errorf("event id is required")
	}
	done, err := l.Seen(ctx, eventID)
	if err != nil {
		return billing.ClaimInFlight, err
	}
	if done {
		return billing.ClaimProcessed, nil
	}

	ok, err := l.client.SetNX(ctx, l.lockKey(eventID), time.Now().UTC().Unix(), l.config.LockTTL).Result()
	if err != nil {
		return billing.ClaimInFlight, fmt.Errorf("failed to claim event: %w", err)
	}
	if ok {
		return billing.ClaimAcquired, nil
	}

	// The holder may have completed between the two commands.
	done, err = l.Seen(ctx, eventID)
	if err != nil {
		return billing.ClaimInFlight, err
	}
	if done {
		return billing.ClaimProcessed, nil
	}
	return billing.ClaimInFlight, nil
}

// Complete implements billing.EventLedger
func (l *Ledger) Complete(ctx context.Context, eventID string) error {
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, l.doneKey(eventID), time.Now().UTC().Unix(), l.config.TTL)
		pipe.Del(ctx, l.lockKey(eventID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to complete event: %w", err)
	}
	return nil
}

// Release implements billing.EventLedger
func (l *Ledger) Release(ctx context.Context, eventID string) error {
	if err := l.client.Del(ctx, l.lockKey(eventID)).Err(); err != nil {
		return fmt.Errorf("failed to release event: %w", err)
	}
	return nil
}

// Seen reports whether eventID has been processed.
func (l *Ledger) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := l.client.Exists(ctx, l.doneKey(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check event: %w", err)
	}
	return n == 1, nil
}

// Ping checks the Redis connection
func (l *Ledger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
