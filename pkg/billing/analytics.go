package billing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// AnalyticsEventName identifies a lifecycle analytics record.
type AnalyticsEventName string

const (
	EventTrialStarted         AnalyticsEventName = "trial_started"
	EventTrialConverted       AnalyticsEventName = "trial_converted"
	EventTrialCanceled        AnalyticsEventName = "trial_canceled"
	EventTierChanged          AnalyticsEventName = "subscription_tier_changed"
	EventSubscriptionCanceled AnalyticsEventName = "subscription_canceled"
	EventPaymentFailed        AnalyticsEventName = "payment_failed"
)

// AnalyticsEvent is an append-only record produced by a detected lifecycle
// transition. It is never mutated after creation.
type AnalyticsEvent struct {
	ID     string
	Name   AnalyticsEventName
	UserID string

	// Metadata holds structured details, e.g. changeType, previousTier, nextTier.
	Metadata map[string]interface{}

	OccurredAt time.Time
}

// NewAnalyticsEvent creates an event with a fresh id.
func NewAnalyticsEvent(name AnalyticsEventName, userID string, metadata map[string]interface{},
	at time.Time) *AnalyticsEvent {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	return &AnalyticsEvent{
		ID:         uuid.NewString(),
		Name:       name,
		UserID:     userID,
		Metadata:   metadata,
		OccurredAt: at.UTC(),
	}
}

// AnalyticsSink receives analytics events. Emission is not transactional with
// subscription writes; a lost event is acceptable, a lost state write is not.
type AnalyticsSink interface {
	Emit(ctx context.Context, event *AnalyticsEvent) error
}

// StoreSink appends analytics events to the datastore.
type StoreSink struct {
	Store Store
}

func (s StoreSink) Emit(ctx context.Context, event *AnalyticsEvent) error {
	return s.Store.AppendAnalyticsEvent(ctx, event)
}

// MultiSink fans an event out to every sink and joins their errors.
type MultiSink []AnalyticsSink

func (m MultiSink) Emit(ctx context.Context, event *AnalyticsEvent) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
