// Package fiber provides Fiber middleware that gates routes on subscription tier
package fiber

import (
	"github.com/gofiber/fiber/v2"

	"github.com/tarotlab/billingsync/pkg/billing"
)

// EntitlementKey is the Locals key the resolved entitlement is stored under
const EntitlementKey = "billing.entitlement"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

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
	OnDenied func(c *fiber.Ctx, ent *billing.Entitlement) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when the entitlement cannot be resolved
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// RequireTier creates a Fiber middleware that admits users at or above MinTier
func RequireTier(config Config) fiber.Handler {
	if config.Entitlements == nil {
		panic("billingsync/fiber: Config.Entitlements is required")
	}
	if config.GetUserID == nil {
		panic("billingsync/fiber: Config.GetUserID is required")
	}
	if config.MinTier == "" {
		config.MinTier = billing.TierBasic
	}
	if config.DeniedStatusCode == 0 {
		config.DeniedStatusCode = fiber.StatusForbidden
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

	return func(c *fiber.Ctx) error {
		userID := config.GetUserID(c)
		if userID == "" {
			return config.OnUnauthorized(c)
		}

		ent, err := config.Entitlements.Resolve(c.UserContext(), userID)
		if err != nil {
			return config.OnError(c, err)
		}

		c.Set("X-Subscription-Tier", string(ent.Tier))
		if !ent.HasAccess(config.MinTier) {
			return config.OnDenied(c, ent)
		}

		c.Locals(EntitlementKey, ent)
		return c.Next()
	}
}

// Entitlement returns the entitlement stored by RequireTier
func Entitlement(c *fiber.Ctx) (*billing.Entitlement, bool) {
	ent, ok := c.Locals(EntitlementKey).(*billing.Entitlement)
	return ent, ok
}

func defaultUnauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
}

func defaultError(c *fiber.Ctx, _ error) error {
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
}

func defaultDenied(min billing.Tier, status int) func(*fiber.Ctx, *billing.Entitlement) error {
	return func(c *fiber.Ctx, ent *billing.Entitlement) error {
		c.Set("X-Required-Tier", string(min))
		return c.Status(status).JSON(fiber.Map{
			"error":         "subscription tier too low",
			"tier":          string(ent.Tier),
			"required_tier": string(min),
		})
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromLocals returns an UserIDExtractor that gets user ID from c.Locals
func FromLocals(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if userID, ok := c.Locals(key).(string); ok {
			return userID
		}
		return ""
	}
}
