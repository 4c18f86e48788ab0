// Package echo provides Echo middleware that gates routes on subscription tier
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tarotlab/billingsync/pkg/billing"
)

// EntitlementKey is the echo context key the resolved entitlement is stored under
const EntitlementKey = "billing.entitlement"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

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
	OnDenied func(c echo.Context, ent *billing.Entitlement) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when the entitlement cannot be resolved
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// RequireTier creates an Echo middleware that admits users at or above MinTier
func RequireTier(config Config) echo.MiddlewareFunc {
	if config.Entitlements == nil {
		panic("billingsync/echo: Config.Entitlements is required")
	}
	if config.GetUserID == nil {
		panic("billingsync/echo: Config.GetUserID is required")
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

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := config.GetUserID(c)
			if userID == "" {
				return config.OnUnauthorized(c)
			}

			ent, err := config.Entitlements.Resolve(c.Request().Context(), userID)
			if err != nil {
				return config.OnError(c, err)
			}

			c.Response().Header().Set("X-Subscription-Tier", string(ent.Tier))
			if !ent.HasAccess(config.MinTier) {
				return config.OnDenied(c, ent)
			}

			c.Set(EntitlementKey, ent)
			return next(c)
		}
	}
}

// Entitlement returns the entitlement stored by RequireTier
func Entitlement(c echo.Context) (*billing.Entitlement, bool) {
	ent, ok := c.Get(EntitlementKey).(*billing.Entitlement)
	return ent, ok
}

func defaultUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

func defaultError(c echo.Context, _ error) error {
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
}

func defaultDenied(min billing.Tier, status int) func(echo.Context, *billing.Entitlement) error {
	return func(c echo.Context, ent *billing.Entitlement) error {
		c.Response().Header().Set("X-Required-Tier", string(min))
		return c.JSON(status, map[string]string{
			"error":         "subscription tier too low",
			"tier":          string(ent.Tier),
			"required_tier": string(min),
		})
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromContext returns an UserIDExtractor that gets user ID from an echo context key
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if userID, ok := c.Get(key).(string); ok {
			return userID
		}
		return ""
	}
}
