// Command billingd receives Stripe webhooks and serves subscription state.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tarotlab/billingsync/pkg/billing"
	zerologadapter "github.com/tarotlab/billingsync/pkg/billing/logger/zerolog"
)

func main() {
	zl := zerolog.New(os.Stdout).With().Timestamp().Str("service", "billingd").Logger()

	cfg, err := loadConfigFromEnv()
	if err != nil {
		zl.Fatal().Err(err).Msg("invalid configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zl = zl.Level(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zerologadapter.NewLogger(&zl)); err != nil {
		zl.Fatal().Err(err).Msg("billingd stopped")
	}
	zl.Info().Msg("billingd stopped gracefully")
}

func run(ctx context.Context, cfg *serviceConfig, logger billing.Logger) error {
	svc, err := newService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           svc.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", billing.Field{Key: "addr", Value: cfg.HTTPAddr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down http server")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
