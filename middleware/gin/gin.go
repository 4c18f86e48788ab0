// Package gin provides Gin middleware that gates routes on subscription tier
package gin

import (
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/tarotlab/billingsync/pkg/billing"
)

// EntitlementKey is the gin context key the resolved entitlement is stored under
const EntitlementKey = "billing.entitlement"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// Config holds middleware configuration
type Config struct {
	// Entitlements resolves the user's effective tier (required)
	Entitlements *billing.Entitlements

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// MinTier is the lowest tier allowed through
	// Default: basic
	MinTier billing.Tier

	// DeniedStatusCode is the HTTP status code returned when the tier is too low
	// Default: 403 (Forbidden)
	DeniedStatusCode int

	// OnDenied is called when the user's tier is below MinTier
	// If nil, uses default response: DeniedStatusCode JSON with tier info
	OnDenied func(c *gongin.Context, ent *billing.Entitlement)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when the entitlement cannot be resolved
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// RequireTier creates a Gin middleware that admits users at or above MinTier
func RequireTier(config Config) gongin.HandlerFunc {
	if config.Entitlements == nil {
		panic("billingsync/gin: Config.Entitlements is required")
	}
	if config.GetUserID == nil {
		panic("billingsync/gin: Config.GetUserID is required")
	}
	if config.MinTier == "" {
		config.MinTier = billing.TierBasic
	}
	if config.DeniedStatusCode == 0 {
		config.DeniedStatusCode = http.StatusForbidden
	}
	if config.OnUnauthorized == nil {
		config.OnUnauthorized = defaultUnauthorized
	}
	if config.OnError == nil {
		config.OnError = defaultError
	}
	if config.OnDenied == nil {
		config.OnDenied = defaultDenied(config.MinTier, config.DeniedStatusCode)
	}

	return func(c *gongin.Context) {
		userID := config.GetUserID(c)
		if userID == "" {
			config.OnUnauthorized(c)
			c.Abort()
			return
		}

		ent, err := config.Entitlements.Resolve(c.Request.Context(), userID)
		if err != nil {
			config.OnError(c, err)
			c.Abort()
			return
		}

		c.Header("X-Subscription-Tier", string(ent.Tier))
		if !ent.HasAccess(config.MinTier) {
			config.OnDenied(c, ent)
			c.Abort()
			return
		}

		c.Set(EntitlementKey, ent)
		c.Next()
	}
}

// Entitlement returns the entitlement stored by RequireTier
func Entitlement(c *gongin.Context) (*billing.Entitlement, bool) {
	v, ok := c.Get(EntitlementKey)
	if !ok {
		return nil, false
	}
	ent, ok := v.(*billing.Entitlement)
	return ent, ok
}

func defaultUnauthorized(c *gongin.Context) {
	c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
}

func defaultError(c *gongin.Context, _ error) {
	c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
}

func defaultDenied(min billing.Tier, status int) func(*gongin.Context, *billing.Entitlement) {
	return func(c *gongin.Context, ent *billing.Entitlement) {
		c.Header("X-Required-Tier", string(min))
		c.JSON(status, gongin.H{
			"error":         "subscription tier too low",
			"tier":          string(ent.Tier),
			"required_tier": string(min),
		})
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromContext returns an UserIDExtractor that gets user ID from a gin context key
// set by an earlier authentication middleware
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetString(key)
	}
}
