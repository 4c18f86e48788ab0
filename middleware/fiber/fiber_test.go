package fiber

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/tarotlab/billingsync/pkg/billing"
	"github.com/tarotlab/billingsync/storage/memory"
)

// errorStore is a mock store that always fails to load subscriptions
type errorStore struct {
	*memory.Storage
}

func (s *errorStore) CurrentSubscription(_ context.Context, _ string) (*billing.Subscription, error) {
	return nil, errors.New("connection refused")
}

var testPrices = map[billing.Tier][]string{
	billing.TierBasic: {"price_basic"},
	billing.TierPro:   {"price_pro"},
	billing.TierVIP:   {"price_vip"},
}

// Test helper to create a resolver over store
func setupEntitlements(t *testing.T, store billing.Store) *billing.Entitlements {
	t.Helper()

	prices, err := billing.NewPriceMap(testPrices)
	if err != nil {
		t.Fatalf("Failed to build price map: %v", err)
	}
	return billing.NewEntitlements(store, prices,
		billing.FixedClock(time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)))
}

// Test helper to seed a subscription
func setupSubscription(t *testing.T, store *memory.Storage, userID, priceID string, status billing.SubscriptionStatus) {
	t.Helper()

	err := store.UpsertSubscription(context.Background(), &billing.Subscription{
		ExternalID: "sub_" + userID,
		UserID:     userID,
		PriceID:    priceID,
		Status:     status,
	})
	if err != nil {
		t.Fatalf("Failed to seed subscription: %v", err)
	}
}

func newApp(config Config) *fiber.App {
	app := fiber.New()
	app.Use(RequireTier(config))
	app.Get("/api/test", func(c *fiber.Ctx) error {
		ent, ok := Entitlement(c)
		if !ok {
			return c.SendStatus(fiber.StatusTeapot)
		}
		return c.SendString(string(ent.Tier))
	})
	return app
}

func TestRequireTier_Success(t *testing.T) {
	store := memory.New()
	setupSubscription(t, store, "user1", "price_vip", billing.StatusActive)

	app := newApp(Config{
		Entitlements: setupEntitlements(t, store),
		GetUserID:    FromHeader("X-User-ID"),
		MinTier:      billing.TierPro,
	})

	req := httptest.NewRequest("GET", "/api/test", http.NoBody)
	req.Header.Set("X-User-ID", "user1")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "vip" {
		t.Errorf("Expected 'vip', got %s", body)
	}
	if got := resp.Header.Get("X-Subscription-Tier"); got != "vip" {
		t.Errorf("Expected tier header vip, got %q", got)
	}
}

func TestRequireTier_Denied(t *testing.T) {
	store := memory.New()
	setupSubscription(t, store, "user1", "price_basic", billing.StatusActive)
	setupSubscription(t, store, "user2", "price_vip", billing.StatusIncompleteExpired)

	app := newApp(Config{
		Entitlements: setupEntitlements(t, store),
		GetUserID:    FromHeader("X-User-ID"),
		MinTier:      billing.TierPro,
	})

	for _, user := range []string{"user1", "user2", "nobody"} {
		req := httptest.NewRequest("GET", "/api/test", http.NoBody)
		req.Header.Set("X-User-ID", user)
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("Request failed: %v", err)
		}
		resp.Body.Close()

		if resp.StatusCode != fiber.StatusForbidden {
			t.Errorf("%s: expected status 403, got %d", user, resp.StatusCode)
		}
		if got := resp.Header.Get("X-Required-Tier"); got != "pro" {
			t.Errorf("%s: expected required tier header pro, got %q", user, got)
		}
	}
}

func TestRequireTier_CustomStatusCode(t *testing.T) {
	app := newApp(Config{
		Entitlements:     setupEntitlements(t, memory.New()),
		GetUserID:        FromHeader("X-User-ID"),
		DeniedStatusCode: fiber.StatusPaymentRequired,
	})

	req := httptest.NewRequest("GET", "/api/test", http.NoBody)
	req.Header.Set("X-User-ID", "user1")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != fiber.StatusPaymentRequired {
		t.Errorf("Expected status 402, got %d", resp.StatusCode)
	}
}

func TestRequireTier_MissingAuth(t *testing.T) {
	app := newApp(Config{
		Entitlements: setupEntitlements(t, memory.New()),
		GetUserID:    FromHeader("X-User-ID"),
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/api/test", http.NoBody))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", resp.StatusCode)
	}
}

func TestRequireTier_FromLocals(t *testing.T) {
	store := memory.New()
	setupSubscription(t, store, "user_from_ctx", "price_basic", billing.StatusTrialing)

	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("UserID", "user_from_ctx")
		return c.Next()
	})
	app.Use(RequireTier(Config{
		Entitlements: setupEntitlements(t, store),
		GetUserID:    FromLocals("UserID"),
	}))
	app.Get("/api/test", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/api/test", http.NoBody))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != fiber.StatusNoContent {
		t.Errorf("Expected status 204, got %d", resp.StatusCode)
	}
}

func TestRequireTier_StorageError(t *testing.T) {
	var captured error
	app := newApp(Config{
		Entitlements: setupEntitlements(t, &errorStore{Storage: memory.New()}),
		GetUserID:    FromHeader("X-User-ID"),
		OnError: func(c *fiber.Ctx, err error) error {
			captured = err
			return c.SendStatus(fiber.StatusServiceUnavailable)
		},
	})

	req := httptest.NewRequest("GET", "/api/test", http.NoBody)
	req.Header.Set("X-User-ID", "user1")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != fiber.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", resp.StatusCode)
	}
	if captured == nil {
		t.Error("Expected OnError to be called")
	}
}

func TestRequireTier_PanicsWithoutUserID(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected panic")
		}
	}()
	RequireTier(Config{Entitlements: setupEntitlements(t, memory.New())})
}
