package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripego "github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/tarotlab/billingsync/pkg/billing"
)

const testWebhookSecret = "whsec_billingd_test"

func newTestService(t *testing.T) *service {
	t.Helper()
	cfg, err := loadConfig(envMap(map[string]string{
		"STRIPE_SECRET_KEY":     "sk_test_billingd",
		"STRIPE_WEBHOOK_SECRET": testWebhookSecret,
		"STRIPE_PRICE_BASIC":    "price_basic",
		"STRIPE_PRICE_PRO":      "price_pro_m,price_pro_y",
		"STRIPE_PRICE_VIP":      "price_vip",
	}))
	require.NoError(t, err)

	svc, err := newService(context.Background(), cfg, &billing.NoopLogger{})
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

func signedWebhook(t *testing.T, eventType string, object map[string]interface{}) *http.Request {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"id":          "evt_" + object["id"].(string),
		"object":      "event",
		"type":        eventType,
		"created":     time.Now().Unix(),
		"api_version": stripego.APIVersion,
		"data":        map[string]interface{}{"object": object},
	})
	require.NoError(t, err)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload: payload,
		Secret:  testWebhookSecret,
	})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func getAs(h http.Handler, path, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("X-User-ID", userID)
	return serve(h, req)
}

func TestService_WebhookToStatus(t *testing.T) {
	router := newTestService(t).Router()
	now := time.Now()

	rec := serve(router, signedWebhook(t, "customer.subscription.created", map[string]interface{}{
		"id":       "sub_moon",
		"object":   "subscription",
		"customer": "cus_moon",
		"status":   "active",
		"created":  now.Unix(),
		"metadata": map[string]string{"userId": "user_moon"},
		"items": map[string]interface{}{
			"object": "list",
			"data": []interface{}{map[string]interface{}{
				"id":                   "si_moon",
				"price":                map[string]interface{}{"id": "price_pro_y", "object": "price"},
				"current_period_start": now.Unix(),
				"current_period_end":   now.Add(365 * 24 * time.Hour).Unix(),
			}},
		},
	}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())

	rec = getAs(router, "/subscription", "user_moon")
	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "pro", status["tier"])
	assert.Equal(t, "active", status["status"])

	assert.Equal(t, http.StatusNoContent, getAs(router, "/access/basic", "user_moon").Code)
	assert.Equal(t, http.StatusNoContent, getAs(router, "/access/pro", "user_moon").Code)
	assert.Equal(t, http.StatusForbidden, getAs(router, "/access/vip", "user_moon").Code)
	assert.Equal(t, http.StatusForbidden, getAs(router, "/access/basic", "someone_else").Code)
}

func TestService_WebhookRejectsUnsigned(t *testing.T) {
	router := newTestService(t).Router()

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(`{"id":"evt_1"}`))
	assert.Equal(t, http.StatusBadRequest, serve(router, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/webhooks/stripe", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, serve(router, req).Code)
}

func TestService_HealthAndMetrics(t *testing.T) {
	router := newTestService(t).Router()

	assert.Equal(t, http.StatusOK, serve(router, httptest.NewRequest(http.MethodGet, "/healthz", nil)).Code)
	assert.Equal(t, http.StatusOK, serve(router, httptest.NewRequest(http.MethodGet, "/readyz", nil)).Code)

	// Produce one webhook sample so the billing collectors are exported.
	serve(router, signedWebhook(t, "customer.created", map[string]interface{}{
		"id": "cus_sun", "object": "customer", "metadata": map[string]string{"userId": "user_sun"},
	}))

	rec := serve(router, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tarot_billing_webhook_events_total")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestService_RequiresStripeKey(t *testing.T) {
	cfg, err := loadConfig(envMap(nil))
	require.NoError(t, err)

	_, err = newService(context.Background(), cfg, &billing.NoopLogger{})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)
}
