package postgres

import (
	"context"
	"fmt"
)

// Schema creates the billing tables. Every statement is idempotent, so it can
// run on each start. The unique keys on the processor ids are what make the
// webhook upserts atomic per record.
const Schema = `
CREATE TABLE IF NOT EXISTS billing_customers (
	user_id            TEXT PRIMARY KEY,
	stripe_customer_id TEXT,
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS billing_customers_stripe_customer_id_key
	ON billing_customers (stripe_customer_id)
	WHERE stripe_customer_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS billing_subscriptions (
	stripe_subscription_id TEXT PRIMARY KEY,
	user_id                TEXT NOT NULL,
	stripe_customer_id     TEXT NOT NULL DEFAULT '',
	price_id               TEXT NOT NULL DEFAULT '',
	status                 TEXT NOT NULL,
	current_period_start   TIMESTAMPTZ,
	current_period_end     TIMESTAMPTZ,
	cancel_at              TIMESTAMPTZ,
	canceled_at            TIMESTAMPTZ,
	trial_end              TIMESTAMPTZ,
	cancellation_reason    TEXT NOT NULL DEFAULT '',
	metadata               JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at             TIMESTAMPTZ NOT NULL,
	updated_at             TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS billing_subscriptions_user_id_idx
	ON billing_subscriptions (user_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS billing_invoices (
	stripe_invoice_id      TEXT PRIMARY KEY,
	user_id                TEXT NOT NULL,
	stripe_subscription_id TEXT REFERENCES billing_subscriptions (stripe_subscription_id) ON DELETE SET NULL,
	amount_minor           BIGINT NOT NULL,
	currency               TEXT NOT NULL DEFAULT '',
	status                 TEXT NOT NULL DEFAULT '',
	attempt_count          BIGINT NOT NULL DEFAULT 0,
	period_start           TIMESTAMPTZ,
	period_end             TIMESTAMPTZ,
	issued_at              TIMESTAMPTZ,
	paid_at                TIMESTAMPTZ,
	updated_at             TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS billing_invoices_user_id_idx ON billing_invoices (user_id);

CREATE TABLE IF NOT EXISTS billing_analytics_events (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	metadata    JSONB NOT NULL DEFAULT '{}'::jsonb,
	occurred_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS billing_analytics_events_user_id_idx
	ON billing_analytics_events (user_id, occurred_at);

CREATE TABLE IF NOT EXISTS billing_processed_events (
	event_id     TEXT PRIMARY KEY,
	expires_at   TIMESTAMPTZ NOT NULL,
	processed_at TIMESTAMPTZ
);

ALTER TABLE billing_processed_events ADD COLUMN IF NOT EXISTS processed_at TIMESTAMPTZ;
`

// Migrate applies Schema.
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
