package stripe

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/tarotlab/billingsync/pkg/billing"
	"github.com/tarotlab/billingsync/storage/memory"
)

const (
	testSecret     = "whsec_test_secret"
	testPriceBasic = "price_basic"
	testPricePro   = "price_pro"
	testPriceVIP   = "price_vip"
)

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

// testClock is shared by the provider and the memory store.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeProcessor struct {
	mu    sync.Mutex
	subs  map[string]*billing.Subscription
	err   error
	calls int
}

func (f *fakeProcessor) RetrieveSubscription(_ context.Context, id string) (*billing.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	sub, ok := f.subs[id]
	if !ok {
		return nil, billing.ErrProviderAPIError
	}
	return sub.Clone(), nil
}

type recordingTracker struct {
	mu       sync.Mutex
	errs     []error
	contexts []billing.ExceptionContext
}

func (r *recordingTracker) CaptureException(_ context.Context, err error, ec billing.ExceptionContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
	r.contexts = append(r.contexts, ec)
}

func (r *recordingTracker) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

// countingStore wraps the memory store, counts calls per method and can be
// told to fail a method.
type countingStore struct {
	*memory.Storage

	mu     sync.Mutex
	calls  map[string]int
	failOn map[string]error
}

func newCountingStore(clock billing.Clock) *countingStore {
	return &countingStore{
		Storage: memory.New().WithClock(clock),
		calls:   make(map[string]int),
		failOn:  make(map[string]error),
	}
}

func (s *countingStore) record(method string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[method]++
	return s.failOn[method]
}

func (s *countingStore) fail(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failOn, method)
		return
	}
	s.failOn[method] = err
}

func (s *countingStore) count(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func (s *countingStore) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

func (s *countingStore) UpsertSubscription(ctx context.Context, sub *billing.Subscription) error {
	if err := s.record("UpsertSubscription"); err != nil {
		return err
	}
	return s.Storage.UpsertSubscription(ctx, sub)
}

func (s *countingStore) GetSubscription(ctx context.Context, id string) (*billing.Subscription, error) {
	if err := s.record("GetSubscription"); err != nil {
		return nil, err
	}
	return s.Storage.GetSubscription(ctx, id)
}

func (s *countingStore) UpsertInvoice(ctx context.Context, inv *billing.Invoice) error {
	if err := s.record("UpsertInvoice"); err != nil {
		return err
	}
	return s.Storage.UpsertInvoice(ctx, inv)
}

func (s *countingStore) LinkCustomer(ctx context.Context, userID, customerID string) error {
	if err := s.record("LinkCustomer"); err != nil {
		return err
	}
	return s.Storage.LinkCustomer(ctx, userID, customerID)
}

func (s *countingStore) UnlinkCustomers(ctx context.Context, customerID string) (int64, error) {
	if err := s.record("UnlinkCustomers"); err != nil {
		return 0, err
	}
	return s.Storage.UnlinkCustomers(ctx, customerID)
}

func (s *countingStore) UserIDByCustomer(ctx context.Context, customerID string) (string, error) {
	if err := s.record("UserIDByCustomer"); err != nil {
		return "", err
	}
	return s.Storage.UserIDByCustomer(ctx, customerID)
}

type testEnv struct {
	provider  *Provider
	store     *countingStore
	processor *fakeProcessor
	tracker   *recordingTracker
	clock     *testClock
}

func newTestEnv(t *testing.T, opts ...func(*Config)) *testEnv {
	t.Helper()

	clock := &testClock{now: testNow}
	store := newCountingStore(clock)
	processor := &fakeProcessor{subs: make(map[string]*billing.Subscription)}
	tracker := &recordingTracker{}

	prices, err := billing.NewPriceMap(map[billing.Tier][]string{
		billing.TierBasic: {testPriceBasic},
		billing.TierPro:   {testPricePro},
		billing.TierVIP:   {testPriceVIP},
	})
	require.NoError(t, err)

	cfg := Config{
		Config: billing.Config{
			Store:         store,
			Prices:        prices,
			WebhookSecret: testSecret,
			Tracker:       tracker,
			Clock:         clock,
		},
		Processor: processor,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	provider, err := NewProvider(cfg)
	require.NoError(t, err)

	return &testEnv{
		provider:  provider,
		store:     store,
		processor: processor,
		tracker:   tracker,
		clock:     clock,
	}
}

// analytics returns the names of the analytics events stored so far.
func (e *testEnv) analytics() []billing.AnalyticsEventName {
	var names []billing.AnalyticsEventName
	for _, ev := range e.store.AnalyticsEvents() {
		names = append(names, ev.Name)
	}
	return names
}

func (e *testEnv) dispatch(t *testing.T, id, eventType string, object interface{}) (billing.Ack, error) {
	t.Helper()
	ev, err := DecodeEvent(stripeEvent(t, id, eventType, object))
	require.NoError(t, err)
	return e.provider.Dispatch(context.Background(), ev)
}

func stripeEvent(t *testing.T, id, eventType string, object interface{}) stripe.Event {
	t.Helper()
	raw, err := json.Marshal(object)
	require.NoError(t, err)
	return stripe.Event{
		ID:      id,
		Type:    stripe.EventType(eventType),
		Created: testNow.Unix(),
		Data:    &stripe.EventData{Raw: raw},
	}
}

func eventPayload(t *testing.T, id, eventType string, object interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]interface{}{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"created":     time.Now().Unix(),
		"api_version": stripe.APIVersion,
		"livemode":    false,
		"data":        map[string]interface{}{"object": object},
	})
	require.NoError(t, err)
	return b
}

func signedRequest(payload []byte, secret string) *http.Request {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload: payload,
		Secret:  secret,
	})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	return req
}

func (e *testEnv) post(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.provider.WebhookHandler().ServeHTTP(rec, req)
	return rec
}

type subOpt func(map[string]interface{})

func withStatus(status string) subOpt {
	return func(m map[string]interface{}) { m["status"] = status }
}

func withCancelAt(t time.Time) subOpt {
	return func(m map[string]interface{}) { m["cancel_at"] = t.Unix() }
}

func withCancellationReason(reason string) subOpt {
	return func(m map[string]interface{}) {
		m["cancellation_details"] = map[string]interface{}{"reason": reason}
	}
}

func withoutUser() subOpt {
	return func(m map[string]interface{}) { m["metadata"] = map[string]string{} }
}

func subscriptionObj(id, customer, userID, price string, opts ...subOpt) map[string]interface{} {
	m := map[string]interface{}{
		"id":       id,
		"object":   "subscription",
		"customer": customer,
		"status":   "active",
		"created":  testNow.Add(-24 * time.Hour).Unix(),
		"metadata": map[string]string{"userId": userID},
		"items": map[string]interface{}{
			"object": "list",
			"data": []interface{}{
				map[string]interface{}{
					"id":                   "si_" + id,
					"price":                map[string]interface{}{"id": price, "object": "price"},
					"current_period_start": testNow.Add(-24 * time.Hour).Unix(),
					"current_period_end":   testNow.Add(29 * 24 * time.Hour).Unix(),
				},
			},
		},
		"cancel_at":   nil,
		"canceled_at": nil,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func invoiceObj(id, customer, subscription string, status string) map[string]interface{} {
	return map[string]interface{}{
		"id":            id,
		"object":        "invoice",
		"customer":      customer,
		"amount_paid":   1999,
		"amount_due":    2999,
		"currency":      "usd",
		"status":        status,
		"attempt_count": 2,
		"created":       testNow.Add(-time.Hour).Unix(),
		"period_start":  testNow.Add(-48 * time.Hour).Unix(),
		"period_end":    testNow.Add(-24 * time.Hour).Unix(),
		"status_transitions": map[string]interface{}{
			"paid_at": testNow.Add(-30 * time.Minute).Unix(),
		},
		"parent": map[string]interface{}{
			"type": "subscription_details",
			"subscription_details": map[string]interface{}{
				"subscription": subscription,
			},
		},
		"lines": map[string]interface{}{
			"object": "list",
			"data": []interface{}{
				map[string]interface{}{
					"period": map[string]interface{}{
						"start": testNow.Unix(),
						"end":   testNow.Add(30 * 24 * time.Hour).Unix(),
					},
				},
			},
		},
	}
}

func checkoutObj(id, mode, customer, subscription, userID string) map[string]interface{} {
	md := map[string]string{"tier": "pro"}
	if userID != "" {
		md["userId"] = userID
	}
	return map[string]interface{}{
		"id":           id,
		"object":       "checkout.session",
		"mode":         mode,
		"customer":     customer,
		"subscription": subscription,
		"metadata":     md,
	}
}
