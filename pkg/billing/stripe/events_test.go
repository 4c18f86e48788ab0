package stripe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"

	"github.com/tarotlab/billingsync/pkg/billing"
)

func TestDecodeEvent_Subscription(t *testing.T) {
	obj := subscriptionObj("sub_1", "cus_1", "u1", testPricePro,
		withStatus("trialing"), withCancellationReason("payment_failed"))
	obj["trial_end"] = testNow.Add(7 * 24 * time.Hour).Unix()

	ev, err := DecodeEvent(stripeEvent(t, "evt_1", EventSubscriptionUpdated, obj))
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, testNow, ev.Created)

	pl, ok := ev.Payload.(SubscriptionUpdated)
	require.True(t, ok)
	sub := pl.Subscription
	assert.Equal(t, "sub_1", sub.ExternalID)
	assert.Equal(t, "cus_1", sub.CustomerID)
	assert.Equal(t, "u1", sub.UserID)
	assert.Equal(t, testPricePro, sub.PriceID)
	assert.Equal(t, billing.StatusTrialing, sub.Status)
	assert.Equal(t, "payment_failed", sub.CancellationReason)
	require.NotNil(t, sub.TrialEnd)
	assert.Equal(t, testNow.Add(7*24*time.Hour), *sub.TrialEnd)
	assert.Equal(t, testNow.Add(-24*time.Hour), sub.CreatedAt)
}

func TestDecodeEvent_SubscriptionWithoutCreated(t *testing.T) {
	obj := subscriptionObj("sub_1", "cus_1", "u1", testPricePro)
	delete(obj, "created")

	ev, err := DecodeEvent(stripeEvent(t, "evt_1", EventSubscriptionCreated, obj))
	require.NoError(t, err)
	pl, ok := ev.Payload.(SubscriptionCreated)
	require.True(t, ok)
	assert.True(t, pl.Subscription.CreatedAt.IsZero())
}

func TestDecodeEvent_LegacySubscriptionShape(t *testing.T) {
	obj := map[string]interface{}{
		"id":                   "sub_1",
		"customer":             map[string]interface{}{"id": "cus_1", "object": "customer"},
		"status":               "active",
		"current_period_start": testNow.Unix(),
		"current_period_end":   testNow.Add(30 * 24 * time.Hour).Unix(),
		"metadata":             map[string]string{"user_id": "u1"},
		"items": map[string]interface{}{
			"data": []interface{}{map[string]interface{}{"price": "price_pro"}},
		},
		"cancellation_details": map[string]interface{}{"reason": "", "feedback": "too_expensive"},
	}

	ev, err := DecodeEvent(stripeEvent(t, "evt_1", EventSubscriptionCreated, obj))
	require.NoError(t, err)

	sub := ev.Payload.(SubscriptionCreated).Subscription
	assert.Equal(t, "cus_1", sub.CustomerID)
	assert.Equal(t, "u1", sub.UserID)
	assert.Equal(t, "price_pro", sub.PriceID)
	assert.Equal(t, testNow.Add(30*24*time.Hour), *sub.CurrentPeriodEnd)
	assert.Equal(t, "too_expensive", sub.CancellationReason)
}

func TestDecodeEvent_InvoiceSubscriptionLocations(t *testing.T) {
	modern := invoiceObj("in_1", "cus_1", "sub_1", "paid")
	ev, err := DecodeEvent(stripeEvent(t, "evt_1", EventInvoicePaid, modern))
	require.NoError(t, err)
	inv := ev.Payload.(InvoicePaid).Invoice
	assert.Equal(t, "sub_1", inv.SubscriptionID)
	assert.Equal(t, int64(1999), inv.AmountPaid)
	assert.Equal(t, testNow, *inv.PeriodStart)

	legacy := map[string]interface{}{
		"id":           "in_2",
		"customer":     "cus_1",
		"subscription": "sub_2",
		"status":       "open",
		"amount_due":   500,
	}
	ev, err = DecodeEvent(stripeEvent(t, "evt_2", EventInvoicePaymentFailed, legacy))
	require.NoError(t, err)
	inv = ev.Payload.(InvoicePaymentFailed).Invoice
	assert.Equal(t, "sub_2", inv.SubscriptionID)
	assert.Nil(t, inv.PaidAt)
}

func TestDecodeEvent_Checkout(t *testing.T) {
	ev, err := DecodeEvent(stripeEvent(t, "evt_1", EventCheckoutSessionCompleted,
		checkoutObj("cs_1", "subscription", "cus_1", "sub_1", "u1")))
	require.NoError(t, err)

	session := ev.Payload.(CheckoutCompleted).Session
	assert.Equal(t, "subscription", session.Mode)
	assert.Equal(t, "u1", session.UserID())
	assert.Equal(t, "pro", session.Metadata[billing.MetadataTier])
}

func TestCheckoutSession_UserID(t *testing.T) {
	tests := []struct {
		name    string
		session CheckoutSession
		want    string
	}{
		{"metadata", CheckoutSession{Metadata: map[string]string{"userId": "u1"}, ClientReferenceID: "u2"}, "u1"},
		{"legacy key", CheckoutSession{Metadata: map[string]string{"user_id": "u3"}}, "u3"},
		{"client reference", CheckoutSession{ClientReferenceID: "u2"}, "u2"},
		{"none", CheckoutSession{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.session.UserID())
		})
	}
}

func TestDecodeEvent_Unrecognized(t *testing.T) {
	ev, err := DecodeEvent(stripeEvent(t, "evt_1", "charge.refunded", map[string]interface{}{"id": "ch_1"}))
	require.NoError(t, err)
	assert.Equal(t, UnrecognizedEvent{Type: "charge.refunded"}, ev.Payload)
}

func TestDecodeEvent_Malformed(t *testing.T) {
	tests := []struct {
		name string
		ev   stripe.Event
	}{
		{"no data", stripe.Event{ID: "evt_1", Type: EventSubscriptionCreated}},
		{"no id", stripe.Event{ID: "evt_1", Type: EventCustomerCreated,
			Data: &stripe.EventData{Raw: []byte(`{"email":"a@b.c"}`)}}},
		{"wrong types", stripe.Event{ID: "evt_1", Type: EventInvoicePaid,
			Data: &stripe.EventData{Raw: []byte(`{"id":"in_1","amount_paid":"x"}`)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEvent(tt.ev)
			assert.ErrorIs(t, err, billing.ErrInvalidWebhookPayload)
		})
	}
}
