package billing

import (
	"fmt"
	"net/http"
	"strings"
)

// Config defines the standard configuration providers accept.
type Config struct {
	// Store is the system of record for customers, subscriptions, invoices
	// and analytics events. Required.
	Store Store

	// Prices maps processor price ids to tiers. Build it with NewPriceMap.
	Prices PriceMap

	// WebhookSecret is the processor's webhook signing secret. When empty the
	// webhook endpoint answers 503.
	WebhookSecret string

	// Analytics receives lifecycle events. Defaults to StoreSink{Store}.
	Analytics AnalyticsSink

	// Ledger deduplicates webhook deliveries by event id. Optional.
	Ledger EventLedger

	// Tracker receives handler failures. Defaults to a LogTracker.
	Tracker ExceptionTracker

	// Metrics is an optional metrics collector.
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics

	// Logger is an optional structured logger.
	Logger Logger

	// Clock defaults to SystemClock.
	Clock Clock

	// HTTPClient is an optional HTTP client for processor API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client
}

// Validate checks the required fields.
func (c *Config) Validate() error {
	if c.Store == nil {
		return fmt.Errorf("%w: store is required", ErrProviderNotConfigured)
	}
	for priceID, tier := range c.Prices {
		if strings.TrimSpace(priceID) == "" {
			return fmt.Errorf("%w: empty price id in price map", ErrProviderNotConfigured)
		}
		if !tier.Paid() {
			return fmt.Errorf("%w: price %q maps to non-paid tier %q", ErrProviderNotConfigured, priceID, tier)
		}
	}
	return nil
}

// WithDefaults returns a copy of c with optional collaborators filled in.
func (c Config) WithDefaults() Config {
	if c.Logger == nil {
		c.Logger = &NoopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Analytics == nil && c.Store != nil {
		c.Analytics = StoreSink{Store: c.Store}
	}
	if c.Tracker == nil {
		c.Tracker = LogTracker{Logger: c.Logger}
	}
	return c
}
