// Package http provides net/http paywall middleware that gates handlers on
// the user's subscription tier
package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/tarotlab/billingsync/pkg/billing"
)

// Response headers set by the middleware
const (
	HeaderTier         = "X-Subscription-Tier"
	HeaderRequiredTier = "X-Required-Tier"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Entitlements resolves the user's effective tier (required)
	Entitlements *billing.Entitlements

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// MinTier is the lowest tier allowed through. Default: basic
	MinTier billing.Tier

	// DeniedStatusCode is returned when the tier is too low. Default: 403
	DeniedStatusCode int

	// OnDenied is called when the user's tier is below MinTier
	// If nil, responds DeniedStatusCode with a JSON body
	OnDenied func(w http.ResponseWriter, r *http.Request, ent *billing.Entitlement)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when the entitlement cannot be resolved
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

type entitlementKey struct{}

// EntitlementFromContext returns the entitlement resolved by the middleware.
func EntitlementFromContext(ctx context.Context) (*billing.Entitlement, bool) {
	ent, ok := ctx.Value(entitlementKey{}).(*billing.Entitlement)
	return ent, ok
}

// Middleware creates an HTTP middleware that admits users at or above MinTier
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Entitlements == nil {
		panic("billingsync/http: Config.Entitlements is required")
	}
	if config.GetUserID == nil {
		panic("billingsync/http: Config.GetUserID is required")
	}
	if config.MinTier == "" {
		config.MinTier = billing.TierBasic
	}
	if config.DeniedStatusCode == 0 {
		config.DeniedStatusCode = http.StatusForbidden
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			ent, err := config.Entitlements.Resolve(r.Context(), userID)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}

			w.Header().Set(HeaderTier, string(ent.Tier))
			if !ent.HasAccess(config.MinTier) {
				if config.OnDenied != nil {
					config.OnDenied(w, r, ent)
					return
				}
				w.Header().Set(HeaderRequiredTier, string(config.MinTier))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(config.DeniedStatusCode)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error":         "subscription tier too low",
					"tier":          string(ent.Tier),
					"required_tier": string(config.MinTier),
				})
				return
			}

			ctx := context.WithValue(r.Context(), entitlementKey{}, ent)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireTier is shorthand for Middleware with default responses
func RequireTier(ents *billing.Entitlements, getUserID UserIDExtractor, min billing.Tier) func(http.Handler) http.Handler {
	return Middleware(Config{Entitlements: ents, GetUserID: getUserID, MinTier: min})
}

// HandlerFunc creates the middleware in HandlerFunc form
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "billing:userID"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}
