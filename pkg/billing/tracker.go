package billing

import (
	"context"
	"errors"
)

// ExceptionContext identifies what was being processed when an error occurred.
type ExceptionContext struct {
	Operation string
	EventID   string
	EventType string

	UserID         string
	CustomerID     string
	SubscriptionID string
}

// ExceptionTracker receives failures that must not reach the webhook sender.
type ExceptionTracker interface {
	CaptureException(ctx context.Context, err error, ec ExceptionContext)
}

// ExceptionContextFor builds the tracker context for err, pulling identifiers
// out of a wrapped *HandlerError when there is one.
func ExceptionContextFor(operation string, err error) ExceptionContext {
	ec := ExceptionContext{Operation: operation}
	var he *HandlerError
	if errors.As(err, &he) {
		if he.Op != "" {
			ec.Operation = he.Op
		}
		ec.EventID = he.EventID
		ec.EventType = he.EventType
		ec.UserID = he.UserID
		ec.CustomerID = he.CustomerID
		ec.SubscriptionID = he.SubscriptionID
	}
	return ec
}

// Fields returns the non-empty identifiers as log fields.
func (ec ExceptionContext) Fields() []Field {
	fields := make([]Field, 0, 6)
	add := func(k, v string) {
		if v != "" {
			fields = append(fields, Field{Key: k, Value: v})
		}
	}
	add("operation", ec.Operation)
	add("event_id", ec.EventID)
	add("event_type", ec.EventType)
	add("user_id", ec.UserID)
	add("customer_id", ec.CustomerID)
	add("subscription_id", ec.SubscriptionID)
	return fields
}

// LogTracker reports exceptions through a Logger. It is the fallback when no
// external tracker is configured.
type LogTracker struct {
	Logger Logger
}

func (t LogTracker) CaptureException(_ context.Context, err error, ec ExceptionContext) {
	if t.Logger == nil {
		return
	}
	fields := append(ec.Fields(), Field{Key: "error", Value: err})
	t.Logger.Error("billing exception", fields...)
}
