package memory

import (
	"context"
	"sync"
	"time"

	"github.com/tarotlab/billingsync/pkg/billing"
)

// DefaultLedgerTTL bounds how long a processed event id is remembered. The
// processor stops retrying a delivery after three days.
const DefaultLedgerTTL = 72 * time.Hour

// DefaultLockTTL bounds how long an unfinished delivery blocks redeliveries.
const DefaultLockTTL = 2 * time.Minute

// Ledger implements billing.EventLedger with two expiring maps.
type Ledger struct {
	mu        sync.Mutex
	ttl       time.Duration
	lockTTL   time.Duration
	clock     billing.Clock
	locks     map[string]time.Time // event id -> lock expiry
	processed map[string]time.Time // event id -> marker expiry
}

var _ billing.EventLedger = (*Ledger)(nil)

// NewLedger creates an in-memory ledger. ttl <= 0 uses DefaultLedgerTTL and a
// nil clock uses the system clock.
func NewLedger(ttl time.Duration, clock billing.Clock) *Ledger {
	if ttl <= 0 {
		ttl = DefaultLedgerTTL
	}
	if clock == nil {
		clock = billing.SystemClock{}
	}
	return &Ledger{
		ttl:       ttl,
		lockTTL:   DefaultLockTTL,
		clock:     clock,
		locks:     make(map[string]time.Time),
		processed: make(map[string]time.Time),
	}
}

// WithLockTTL sets how long an in-flight lock is held before it expires.
func (l *Ledger) WithLockTTL(d time.Duration) *Ledger {
	if d > 0 {
		l.lockTTL = d
	}
	return l
}

// Claim implements billing.EventLedger
func (l *Ledger) Claim(_ context.Context, eventID string) (billing.LedgerClaim, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.evict(now)
	if _, ok := l.processed[eventID]; ok {
		return billing.ClaimProcessed, nil
	}
	if _, ok := l.locks[eventID]; ok {
		return billing.ClaimInFlight, nil
	}
	l.locks[eventID] = now.Add(l.lockTTL)
	return billing.ClaimAcquired, nil
}

// Complete implements billing.EventLedger
func (l *Ledger) Complete(_ context.Context, eventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locks, eventID)
	l.processed[eventID] = l.clock.Now().Add(l.ttl)
	return nil
}

// Release implements billing.EventLedger
func (l *Ledger) Release(_ context.Context, eventID string) error {
	l.mu.Lock()
	delete(l.locks, eventID)
	l.mu.Unlock()
	return nil
}

// evict drops expired entries lazily so no background goroutine is needed.
func (l *Ledger) evict(now time.Time) {
	for _, m := range []map[string]time.Time{l.locks, l.processed} {
		for id, exp := range m {
			if !now.Before(exp) {
				delete(m, id)
			}
		}
	}
}
