package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"

	httpMiddleware "github.com/tarotlab/billingsync/middleware/http"
	"github.com/tarotlab/billingsync/pkg/api"
	"github.com/tarotlab/billingsync/pkg/billing"
	"github.com/tarotlab/billingsync/pkg/billing/analytics/kafka"
	prommetrics "github.com/tarotlab/billingsync/pkg/billing/metrics/prometheus"
	"github.com/tarotlab/billingsync/pkg/billing/stripe"
	sentrytracker "github.com/tarotlab/billingsync/pkg/billing/tracker/sentry"
	"github.com/tarotlab/billingsync/storage/memory"
	"github.com/tarotlab/billingsync/storage/postgres"
	redisledger "github.com/tarotlab/billingsync/storage/redis"
)

type pinger interface {
	Ping(ctx context.Context) error
}

// service holds the wired components of billingd.
type service struct {
	cfg    *serviceConfig
	logger billing.Logger

	store        billing.Store
	entitlements *billing.Entitlements
	provider     *stripe.Provider
	api          *api.Handler
	registry     *prometheus.Registry

	// deps are checked by the readiness endpoint.
	deps    map[string]pinger
	closers []func()
}

func newService(ctx context.Context, cfg *serviceConfig, logger billing.Logger) (_ *service, err error) {
	svc := &service{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		deps:     make(map[string]pinger),
	}
	defer func() {
		if err != nil {
			svc.Close()
		}
	}()

	svc.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := prommetrics.NewMetrics(svc.registry, cfg.MetricsNamespace)

	prices, err := billing.NewPriceMap(cfg.Prices)
	if err != nil {
		return nil, fmt.Errorf("price map: %w", err)
	}
	if len(prices) == 0 {
		logger.Warn("no stripe prices configured; every subscription resolves to free")
	}

	var (
		store  billing.Store
		ledger billing.EventLedger
	)
	if cfg.DatabaseURL != "" {
		pgConfig := postgres.DefaultConfig()
		pgConfig.ConnectionString = cfg.DatabaseURL
		pgConfig.MigrateOnStart = cfg.MigrateOnStart
		pgConfig.Logger = logger
		pg, err := postgres.New(ctx, pgConfig)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		svc.closers = append(svc.closers, pg.Close)
		svc.deps["postgres"] = pg
		store, ledger = pg, pg
	} else {
		logger.Warn("DATABASE_URL not set; using in-memory store")
		store = memory.New()
		ledger = memory.NewLedger(memory.DefaultLedgerTTL, nil)
	}

	if cfg.RedisAddr != "" {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		svc.closers = append(svc.closers, func() { _ = client.Close() })
		rl, err := redisledger.New(client, redisledger.DefaultConfig())
		if err != nil {
			return nil, fmt.Errorf("redis ledger: %w", err)
		}
		svc.deps["redis"] = rl
		ledger = rl
	}

	svc.store = billing.NewCircuitBreakerStore(store, billing.NewDefaultCircuitBreaker(billing.CircuitBreakerConfig{
		OnStateChange: func(state billing.CircuitBreakerState) {
			logger.Warn("store circuit breaker changed state", billing.Field{Key: "state", Value: string(state)})
		},
	}))

	sinks := billing.MultiSink{billing.StoreSink{Store: svc.store}}
	if len(cfg.KafkaBrokers) > 0 {
		sink, err := kafka.New(kafka.Config{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
		if err != nil {
			return nil, fmt.Errorf("kafka sink: %w", err)
		}
		svc.closers = append(svc.closers, func() { _ = sink.Close() })
		sinks = append(sinks, sink)
	}

	var tracker billing.ExceptionTracker = billing.LogTracker{Logger: logger}
	if cfg.SentryDSN != "" {
		st, err := sentrytracker.New(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.SentryEnvironment,
		})
		if err != nil {
			return nil, fmt.Errorf("sentry: %w", err)
		}
		svc.closers = append(svc.closers, func() { st.Flush(2 * time.Second) })
		tracker = st
	}

	svc.provider, err = stripe.NewProvider(stripe.Config{
		Config: billing.Config{
			Store:         svc.store,
			Prices:        prices,
			WebhookSecret: cfg.StripeWebhookSecret,
			Analytics:     sinks,
			Ledger:        ledger,
			Tracker:       tracker,
			Metrics:       metrics,
			Logger:        logger,
		},
		StripeAPIKey: cfg.StripeSecretKey,
	})
	if err != nil {
		return nil, fmt.Errorf("stripe provider: %w", err)
	}

	svc.entitlements = billing.NewEntitlements(svc.store, prices, nil)
	apiConfig := api.Config{
		Entitlements: svc.entitlements,
		GetUserID:    api.FromHeader(cfg.UserIDHeader),
		Sessions:     svc.provider,
		Logger:       logger,
	}
	if svc.api, err = api.NewHandler(apiConfig); err != nil {
		return nil, err
	}
	return svc, nil
}

// Router builds the HTTP surface.
func (s *service) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", s.ready)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	// The webhook handler enforces its own method and body rules.
	r.Handle("/webhooks/stripe", s.provider.WebhookHandler())

	r.Get("/subscription", s.api.GetStatus)
	r.Post("/checkout", s.api.CreateCheckout)
	r.Post("/portal", s.api.CreatePortal)

	// Access checks for other services: 204 when the caller holds the tier.
	r.Route("/access", func(r chi.Router) {
		for _, tier := range []billing.Tier{billing.TierBasic, billing.TierPro, billing.TierVIP} {
			gate := httpMiddleware.Middleware(httpMiddleware.Config{
				Entitlements: s.entitlements,
				GetUserID:    httpMiddleware.FromHeader(s.cfg.UserIDHeader),
				MinTier:      tier,
				OnError: func(w http.ResponseWriter, _ *http.Request, err error) {
					s.logger.Error("entitlement lookup failed", billing.Field{Key: "error", Value: err})
					http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
				},
			})
			r.With(gate).Get("/"+string(tier), func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusNoContent)
			})
		}
	})
	return r
}

func (s *service) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for name, dep := range s.deps {
		if err := dep.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed",
				billing.Field{Key: "dependency", Value: name},
				billing.Field{Key: "error", Value: err})
			http.Error(w, name+" unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// Close releases connections in reverse order of creation.
func (s *service) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
