package stripe

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/tarotlab/billingsync/pkg/billing"
)

const (
	providerName              = "stripe"
	defaultHTTPTimeout        = 10 * time.Second
	defaultSignatureTolerance = 300 * time.Second
	maxWebhookBodyBytes       = 256 * 1024
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Store, Prices, WebhookSecret, etc.)

	// StripeAPIKey is used for outbound calls (subscription retrieval,
	// checkout and portal sessions). Required unless Processor is set.
	StripeAPIKey string

	// SignatureTolerance bounds the age of a signed delivery. Defaults to 300s.
	SignatureTolerance time.Duration

	// Processor overrides the Stripe API client used by the handlers.
	// Mainly for tests.
	Processor billing.Processor
}

// Provider implements the billing.Provider interface for Stripe
type Provider struct {
	store     billing.Store
	prices    billing.PriceMap
	processor billing.Processor
	analytics billing.AnalyticsSink
	ledger    billing.EventLedger
	tracker   billing.ExceptionTracker
	metrics   billing.Metrics
	logger    billing.Logger
	clock     billing.Clock

	webhookSecret string
	tolerance     time.Duration

	// stripeClient is nil when the provider was built without an API key.
	stripeClient *stripe.Client
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	base := config.WithDefaults()

	// Setup HTTP client
	httpClient := base.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: defaultHTTPTimeout,
		}
	}

	var stripeClient *stripe.Client
	if apiKey := strings.TrimSpace(config.StripeAPIKey); apiKey != "" {
		backends := stripe.NewBackendsWithConfig(&stripe.BackendConfig{
			HTTPClient: httpClient,
		})
		stripeClient = stripe.NewClient(apiKey, stripe.WithBackends(backends))
	}

	processor := config.Processor
	if processor == nil {
		if stripeClient == nil {
			return nil, fmt.Errorf("%w: stripe API key or processor is required", billing.ErrProviderNotConfigured)
		}
		processor = &apiProcessor{client: stripeClient, metrics: base.Metrics}
	}

	tolerance := config.SignatureTolerance
	if tolerance <= 0 {
		tolerance = defaultSignatureTolerance
	}

	return &Provider{
		store:         base.Store,
		prices:        base.Prices,
		processor:     processor,
		analytics:     base.Analytics,
		ledger:        base.Ledger,
		tracker:       base.Tracker,
		metrics:       base.Metrics,
		logger:        base.Logger,
		clock:         base.Clock,
		webhookSecret: strings.TrimSpace(base.WebhookSecret),
		tolerance:     tolerance,
		stripeClient:  stripeClient,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return http.HandlerFunc(p.handleWebhook)
}

// ResolveTier maps a Stripe price id to a tier using the configured prices.
func (p *Provider) ResolveTier(priceID string) billing.Tier {
	return billing.ResolveTier(priceID, p.prices)
}

// SyncSubscription re-reads a subscription from Stripe and stores it. The
// stored user id is kept when Stripe's metadata lacks one.
func (p *Provider) SyncSubscription(ctx context.Context, externalID string) (*billing.Subscription, error) {
	sub, err := p.processor.RetrieveSubscription(ctx, externalID)
	if err != nil {
		return nil, err
	}

	prior, err := p.loadSubscription(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if sub.UserID == "" && prior != nil {
		sub.UserID = prior.UserID
	}
	if sub.UserID == "" {
		return nil, fmt.Errorf("sync %s: %w", externalID, billing.ErrUnresolvableUserID)
	}

	if err := p.store.UpsertSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("sync %s: %w", externalID, err)
	}
	p.recordTierChange(prior, sub)
	return sub, nil
}

func (p *Provider) recordTierChange(prior, next *billing.Subscription) {
	from := billing.SnapshotOf(prior, p.prices).Tier
	to := billing.SnapshotOf(next, p.prices).Tier
	if from != to {
		p.metrics.RecordTierChange(providerName, string(from), string(to))
	}
}
