// Package postgres provides a PostgreSQL implementation of the billing.Store
// and billing.EventLedger interfaces. Writes are single-statement upserts on
// the processor's ids, so concurrent deliveries for the same record are
// serialized by the unique keys in Schema.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tarotlab/billingsync/pkg/billing"
)

// Storage implements billing.Store and billing.EventLedger using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

var (
	_ billing.Store       = (*Storage)(nil)
	_ billing.EventLedger = (*Storage)(nil)
)

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// LedgerTTL is how long a processed event id is remembered.
	LedgerTTL time.Duration

	// LedgerLockTTL bounds how long an unfinished delivery blocks
	// redeliveries of the same event.
	LedgerLockTTL time.Duration

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often expired ledger entries are deleted

	// MigrateOnStart applies Schema in New.
	MigrateOnStart bool

	Logger billing.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		LedgerTTL:       72 * time.Hour,
		LedgerLockTTL:   2 * time.Minute,
		CleanupEnabled:  true,
		CleanupInterval: time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.LedgerTTL <= 0 {
		config.LedgerTTL = 72 * time.Hour
	}
	if config.LedgerLockTTL <= 0 {
		config.LedgerLockTTL = 2 * time.Minute
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Hour
	}
	if config.Logger == nil {
		config.Logger = &billing.NoopLogger{}
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}

	if config.MigrateOnStart {
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
	}

	if config.CleanupEnabled {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const subscriptionColumns = `stripe_subscription_id, user_id, stripe_customer_id, price_id, status,
	current_period_start, current_period_end, cancel_at, canceled_at, trial_end,
	cancellation_reason, metadata, created_at, updated_at`

// UpsertSubscription implements billing.Store
func (s *Storage) UpsertSubscription(ctx context.Context, sub *billing.Subscription) error {
	if sub == nil || sub.ExternalID == "" {
		return fmt.Errorf("invalid subscription")
	}

	metadata, err := encodeMetadata(sub.Metadata)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	createdAt := sub.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO billing_subscriptions (`+subscriptionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (stripe_subscription_id) DO UPDATE SET
				user_id = EXCLUDED.user_id,
				stripe_customer_id = EXCLUDED.stripe_customer_id,
				price_id = EXCLUDED.price_id,
				status = EXCLUDED.status,
				current_period_start = EXCLUDED.current_period_start,
				current_period_end = EXCLUDED.current_period_end,
				cancel_at = EXCLUDED.cancel_at,
				canceled_at = EXCLUDED.canceled_at,
				trial_end = EXCLUDED.trial_end,
				cancellation_reason = EXCLUDED.cancellation_reason,
				metadata = EXCLUDED.metadata,
				updated_at = EXCLUDED.updated_at`,
		sub.ExternalID, sub.UserID, sub.CustomerID, sub.PriceID, string(sub.Status),
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAt, sub.CanceledAt, sub.TrialEnd,
		sub.CancellationReason, metadata, createdAt, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

// GetSubscription implements billing.Store
func (s *Storage) GetSubscription(ctx context.Context, externalID string) (*billing.Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM billing_subscriptions WHERE stripe_subscription_id = $1`,
		externalID)
	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// CurrentSubscription implements billing.Store
func (s *Storage) CurrentSubscription(ctx context.Context, userID string) (*billing.Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM billing_subscriptions
			WHERE user_id = $1
			ORDER BY status IN ($2, $3), updated_at DESC, stripe_subscription_id DESC
			LIMIT 1`,
		userID, string(billing.StatusCanceled), string(billing.StatusIncompleteExpired))
	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get current subscription: %w", err)
	}
	return sub, nil
}

func scanSubscription(row pgx.Row) (*billing.Subscription, error) {
	var sub billing.Subscription
	var status string
	var metadata []byte
	err := row.Scan(
		&sub.ExternalID,
		&sub.UserID,
		&sub.CustomerID,
		&sub.PriceID,
		&status,
		&sub.CurrentPeriodStart,
		&sub.CurrentPeriodEnd,
		&sub.CancelAt,
		&sub.CanceledAt,
		&sub.TrialEnd,
		&sub.CancellationReason,
		&metadata,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.Status = billing.SubscriptionStatus(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &sub.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode subscription metadata: %w", err)
		}
	}
	return &sub, nil
}

// UpsertInvoice implements billing.Store
func (s *Storage) UpsertInvoice(ctx context.Context, inv *billing.Invoice) error {
	if inv == nil || inv.ExternalID == "" {
		return fmt.Errorf("invalid invoice")
	}

	var subscriptionID *string
	if inv.SubscriptionID != "" {
		subscriptionID = &inv.SubscriptionID
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO billing_invoices (stripe_invoice_id, user_id, stripe_subscription_id, amount_minor,
				currency, status, attempt_count, period_start, period_end, issued_at, paid_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (stripe_invoice_id) DO UPDATE SET
				user_id = EXCLUDED.user_id,
				stripe_subscription_id = EXCLUDED.stripe_subscription_id,
				amount_minor = EXCLUDED.amount_minor,
				currency = EXCLUDED.currency,
				status = EXCLUDED.status,
				attempt_count = EXCLUDED.attempt_count,
				period_start = EXCLUDED.period_start,
				period_end = EXCLUDED.period_end,
				issued_at = EXCLUDED.issued_at,
				paid_at = EXCLUDED.paid_at,
				updated_at = EXCLUDED.updated_at`,
		inv.ExternalID, inv.UserID, subscriptionID, inv.AmountMinor,
		inv.Currency, inv.Status, inv.AttemptCount, inv.PeriodStart, inv.PeriodEnd, inv.IssuedAt, inv.PaidAt,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert invoice: %w", err)
	}
	return nil
}

// GetInvoice returns a stored invoice. It is not part of billing.Store; the
// webhook path only writes invoices.
func (s *Storage) GetInvoice(ctx context.Context, externalID string) (*billing.Invoice, error) {
	var inv billing.Invoice
	var subscriptionID *string
	err := s.pool.QueryRow(ctx,
		`SELECT stripe_invoice_id, user_id, stripe_subscription_id, amount_minor, currency, status,
				attempt_count, period_start, period_end, issued_at, paid_at, updated_at
			FROM billing_invoices WHERE stripe_invoice_id = $1`,
		externalID).Scan(
		&inv.ExternalID,
		&inv.UserID,
		&subscriptionID,
		&inv.AmountMinor,
		&inv.Currency,
		&inv.Status,
		&inv.AttemptCount,
		&inv.PeriodStart,
		&inv.PeriodEnd,
		&inv.IssuedAt,
		&inv.PaidAt,
		&inv.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("invoice %s not found", externalID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}
	if subscriptionID != nil {
		inv.SubscriptionID = *subscriptionID
	}
	return &inv, nil
}

// LinkCustomer implements billing.Store
func (s *Storage) LinkCustomer(ctx context.Context, userID, customerID string) error {
	if userID == "" || customerID == "" {
		return fmt.Errorf("invalid customer link")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	// A customer belongs to one user; take it away from anyone else first so
	// the unique index is not violated.
	if _, err := tx.Exec(ctx,
		`UPDATE billing_customers SET stripe_customer_id = NULL, updated_at = NOW()
			WHERE stripe_customer_id = $1 AND user_id <> $2`,
		customerID, userID); err != nil {
		return fmt.Errorf("failed to release customer: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO billing_customers (user_id, stripe_customer_id, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (user_id) DO UPDATE SET
				stripe_customer_id = EXCLUDED.stripe_customer_id,
				updated_at = EXCLUDED.updated_at`,
		userID, customerID); err != nil {
		return fmt.Errorf("failed to link customer: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UnlinkCustomers implements billing.Store
func (s *Storage) UnlinkCustomers(ctx context.Context, customerID string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE billing_customers SET stripe_customer_id = NULL, updated_at = NOW()
			WHERE stripe_customer_id = $1`,
		customerID)
	if err != nil {
		return 0, fmt.Errorf("failed to unlink customer: %w", err)
	}
	return tag.RowsAffected(), nil
}

// UserIDByCustomer implements billing.Store
func (s *Storage) UserIDByCustomer(ctx context.Context, customerID string) (string, error) {
	var userID string
	err := s.pool.QueryRow(ctx,
		`SELECT user_id FROM billing_customers WHERE stripe_customer_id = $1`,
		customerID).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", billing.ErrCustomerNotLinked
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up customer: %w", err)
	}
	return userID, nil
}

// CustomerIDByUser implements billing.Store
func (s *Storage) CustomerIDByUser(ctx context.Context, userID string) (string, error) {
	var customerID *string
	err := s.pool.QueryRow(ctx,
		`SELECT stripe_customer_id FROM billing_customers WHERE user_id = $1`,
		userID).Scan(&customerID)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && customerID == nil) {
		return "", billing.ErrCustomerNotLinked
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up user: %w", err)
	}
	return *customerID, nil
}

// AppendAnalyticsEvent implements billing.Store
func (s *Storage) AppendAnalyticsEvent(ctx context.Context, event *billing.AnalyticsEvent) error {
	if event == nil || event.ID == "" {
		return fmt.Errorf("invalid analytics event")
	}

	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode analytics metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO billing_analytics_events (id, name, user_id, metadata, occurred_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO NOTHING`,
		event.ID, string(event.Name), event.UserID, metadata, event.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to append analytics event: %w", err)
	}
	return nil
}

// AnalyticsEvents returns a user's analytics events, oldest first.
func (s *Storage) AnalyticsEvents(ctx context.Context, userID string) ([]*billing.AnalyticsEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, user_id, metadata, occurred_at FROM billing_analytics_events
			WHERE user_id = $1 ORDER BY occurred_at, id`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query analytics events: %w", err)
	}
	defer rows.Close()

	var out []*billing.AnalyticsEvent
	for rows.Next() {
		var ev billing.AnalyticsEvent
		var name string
		var metadata []byte
		if err := rows.Scan(&ev.ID, &name, &ev.UserID, &metadata, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan analytics event: %w", err)
		}
		ev.Name = billing.AnalyticsEventName(name)
		if err := json.Unmarshal(metadata, &ev.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode analytics metadata: %w", err)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// Claim implements billing.EventLedger. A row with a NULL processed_at is an
// in-flight lock; expires_at is the lock expiry until Complete moves it to the
// processed marker expiry. Any expired row is taken over.
func (s *Storage) Claim(ctx context.Context, eventID string) (billing.LedgerClaim, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO billing_processed_events (event_id, expires_at)
			VALUES ($1, $2)
			ON CONFLICT (event_id) DO UPDATE
				SET expires_at = EXCLUDED.expires_at, processed_at = NULL
				WHERE billing_processed_events.expires_at < $3`,
		eventID, now.Add(s.config.LedgerLockTTL), now)
	if err != nil {
		return billing.ClaimInFlight, fmt.Errorf("failed to claim event: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return billing.ClaimAcquired, nil
	}

	var processed bool
	err = s.pool.QueryRow(ctx,
		`SELECT processed_at IS NOT NULL FROM billing_processed_events WHERE event_id = $1`,
		eventID).Scan(&processed)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// Released between the two statements.
		return billing.ClaimInFlight, nil
	case err != nil:
		return billing.ClaimInFlight, fmt.Errorf("failed to read event claim: %w", err)
	case processed:
		return billing.ClaimProcessed, nil
	default:
		return billing.ClaimInFlight, nil
	}
}

// Complete implements billing.EventLedger
func (s *Storage) Complete(ctx context.Context, eventID string) error {
	now := time.Now().UTC()
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO billing_processed_events (event_id, expires_at, processed_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (event_id) DO UPDATE
				SET expires_at = EXCLUDED.expires_at, processed_at = EXCLUDED.processed_at`,
		eventID, now.Add(s.config.LedgerTTL), now); err != nil {
		return fmt.Errorf("failed to complete event: %w", err)
	}
	return nil
}

// Release implements billing.EventLedger. Processed markers are kept.
func (s *Storage) Release(ctx context.Context, eventID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM billing_processed_events WHERE event_id = $1 AND processed_at IS NULL`,
		eventID); err != nil {
		return fmt.Errorf("failed to release event: %w", err)
	}
	return nil
}

// startCleanup runs periodic cleanup of expired ledger entries
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Cleanup(ctx); err != nil {
				s.config.Logger.Warn("ledger cleanup failed", billing.Field{Key: "error", Value: err})
			}
		}
	}
}

// Cleanup deletes expired ledger entries. It runs periodically when
// CleanupEnabled is set and can also be called manually.
func (s *Storage) Cleanup(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM billing_processed_events WHERE expires_at < $1`, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to cleanup processed events: %w", err)
	}
	return nil
}

func encodeMetadata(md map[string]string) ([]byte, error) {
	if md == nil {
		md = map[string]string{}
	}
	b, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return b, nil
}
