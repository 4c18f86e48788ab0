package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tarotlab/billingsync/pkg/billing"
	"github.com/tarotlab/billingsync/storage/memory"
)

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

// setupEntitlements returns a resolver over a store where "pro-user" holds an
// active pro subscription and "lapsed-user" a canceled vip one.
func setupEntitlements(t *testing.T) *billing.Entitlements {
	t.Helper()
	store := memory.New()
	prices, err := billing.NewPriceMap(map[billing.Tier][]string{
		billing.TierBasic: {"price_basic"},
		billing.TierPro:   {"price_pro"},
		billing.TierVIP:   {"price_vip"},
	})
	if err != nil {
		t.Fatalf("NewPriceMap failed: %v", err)
	}
	ctx := context.Background()
	_ = store.UpsertSubscription(ctx, &billing.Subscription{
		ExternalID: "sub_pro", UserID: "pro-user", PriceID: "price_pro", Status: billing.StatusActive,
	})
	_ = store.UpsertSubscription(ctx, &billing.Subscription{
		ExternalID: "sub_vip", UserID: "lapsed-user", PriceID: "price_vip", Status: billing.StatusCanceled,
	})
	return billing.NewEntitlements(store, prices, billing.FixedClock(testNow))
}

func okHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ent, ok := EntitlementFromContext(r.Context())
		if !ok {
			t.Error("entitlement missing from context")
		} else {
			w.Header().Set("X-Seen-Tier", string(ent.Tier))
		}
		w.WriteHeader(http.StatusOK)
	})
}

func serve(h http.Handler, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/readings/celtic-cross", nil)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_Allowed(t *testing.T) {
	h := RequireTier(setupEntitlements(t), FromHeader("X-User-ID"), billing.TierPro)(okHandler(t))

	rec := serve(h, "pro-user")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get(HeaderTier); got != "pro" {
		t.Errorf("Expected tier header pro, got %q", got)
	}
	if got := rec.Header().Get("X-Seen-Tier"); got != "pro" {
		t.Errorf("handler saw tier %q", got)
	}
}

func TestMiddleware_Denied(t *testing.T) {
	h := RequireTier(setupEntitlements(t), FromHeader("X-User-ID"), billing.TierVIP)(okHandler(t))

	for _, user := range []string{"pro-user", "lapsed-user", "new-user"} {
		rec := serve(h, user)
		if rec.Code != http.StatusForbidden {
			t.Errorf("%s: expected 403, got %d", user, rec.Code)
			continue
		}
		var body map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("invalid body: %v", err)
		}
		if body["required_tier"] != "vip" {
			t.Errorf("%s: required_tier = %q", user, body["required_tier"])
		}
		if rec.Header().Get(HeaderRequiredTier) != "vip" {
			t.Errorf("%s: missing required tier header", user)
		}
	}
}

func TestMiddleware_Unauthorized(t *testing.T) {
	h := RequireTier(setupEntitlements(t), FromHeader("X-User-ID"), billing.TierBasic)(okHandler(t))

	rec := serve(h, "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", rec.Code)
	}
}

func TestMiddleware_CustomHandlers(t *testing.T) {
	var denied *billing.Entitlement
	h := Middleware(Config{
		Entitlements:     setupEntitlements(t),
		GetUserID:        FromHeader("X-User-ID"),
		MinTier:          billing.TierVIP,
		DeniedStatusCode: http.StatusPaymentRequired,
		OnDenied: func(w http.ResponseWriter, _ *http.Request, ent *billing.Entitlement) {
			denied = ent
			w.WriteHeader(http.StatusPaymentRequired)
		},
	})(okHandler(t))

	rec := serve(h, "pro-user")
	if rec.Code != http.StatusPaymentRequired {
		t.Errorf("Expected 402, got %d", rec.Code)
	}
	if denied == nil || denied.Tier != billing.TierPro {
		t.Errorf("OnDenied got %+v", denied)
	}
}

type failingStore struct{ billing.Store }

func (failingStore) CurrentSubscription(context.Context, string) (*billing.Subscription, error) {
	return nil, errors.New("connection refused")
}

func TestMiddleware_StoreError(t *testing.T) {
	ents := billing.NewEntitlements(failingStore{}, billing.PriceMap{}, nil)

	var gotErr error
	h := Middleware(Config{
		Entitlements: ents,
		GetUserID:    FromHeader("X-User-ID"),
		OnError: func(w http.ResponseWriter, _ *http.Request, err error) {
			gotErr = err
			w.WriteHeader(http.StatusServiceUnavailable)
		},
	})(okHandler(t))

	rec := serve(h, "pro-user")
	if rec.Code != http.StatusServiceUnavailable || gotErr == nil {
		t.Errorf("Expected OnError to handle the failure, got %d / %v", rec.Code, gotErr)
	}

	h = RequireTier(ents, FromHeader("X-User-ID"), billing.TierBasic)(okHandler(t))
	if rec := serve(h, "pro-user"); rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", rec.Code)
	}
}

func TestMiddleware_FreeTierAdmitsEveryone(t *testing.T) {
	h := RequireTier(setupEntitlements(t), FromHeader("X-User-ID"), billing.TierFree)(okHandler(t))

	if rec := serve(h, "new-user"); rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
}

func TestMiddleware_PanicsOnMissingConfig(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	Middleware(Config{})
}

func TestHandlerFunc(t *testing.T) {
	mw := HandlerFunc(Config{Entitlements: setupEntitlements(t), GetUserID: FromHeader("X-User-ID")})
	h := mw(okHandler(t).ServeHTTP)

	if rec := serve(h, "pro-user"); rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
}

func TestFromContext(t *testing.T) {
	get := FromContext(UserIDKey)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if get(req) != "" {
		t.Error("expected empty user id")
	}
	req = req.WithContext(context.WithValue(req.Context(), UserIDKey, "u1"))
	if get(req) != "u1" {
		t.Error("expected u1")
	}
}
