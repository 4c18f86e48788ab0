package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/tarotlab/billingsync/pkg/billing"
	"github.com/tarotlab/billingsync/pkg/billing/stripe"
)

// SessionProvider creates hosted checkout and portal sessions.
// *stripe.Provider implements it.
type SessionProvider interface {
	CheckoutURL(ctx context.Context, req stripe.CheckoutRequest) (string, error)
	PortalURL(ctx context.Context, userID, returnURL string) (string, error)
}

// Config holds configuration for the subscription API handler
type Config struct {
	// Entitlements resolves the user's effective tier (required)
	Entitlements *billing.Entitlements

	// GetUserID extracts user ID from HTTP request (required)
	// Same pattern as the paywall middleware
	GetUserID func(*http.Request) string

	// Sessions enables the checkout and portal endpoints. Optional.
	Sessions SessionProvider

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is optional; internal errors are logged through it.
	Logger billing.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Entitlements == nil {
		return fmt.Errorf("entitlements is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	return nil
}

// NewHandler creates a new subscription API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &billing.NoopLogger{}
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
