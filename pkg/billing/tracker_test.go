package billing

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLogger struct {
	NoopLogger
	errors []string
	fields [][]Field
}

func (l *recordingLogger) Error(msg string, fields ...Field) {
	l.errors = append(l.errors, msg)
	l.fields = append(l.fields, fields)
}

func TestExceptionContextFor(t *testing.T) {
	he := &HandlerError{
		Op:             "subscription.updated",
		EventID:        "evt_1",
		EventType:      "customer.subscription.updated",
		UserID:         "user-1",
		SubscriptionID: "sub_1",
		Err:            errors.New("db down"),
	}
	wrapped := fmt.Errorf("dispatch: %w", he)

	ec := ExceptionContextFor("webhook", wrapped)
	assert.Equal(t, "subscription.updated", ec.Operation)
	assert.Equal(t, "evt_1", ec.EventID)
	assert.Equal(t, "user-1", ec.UserID)
	assert.Equal(t, "sub_1", ec.SubscriptionID)
	assert.Empty(t, ec.CustomerID)

	plain := ExceptionContextFor("webhook.verify", errors.New("bad"))
	assert.Equal(t, "webhook.verify", plain.Operation)
	assert.Empty(t, plain.EventID)
}

func TestHandlerError(t *testing.T) {
	he := &HandlerError{Op: "invoice.paid", EventID: "evt_9", Err: ErrSubscriptionNotFound}
	assert.Equal(t, "invoice.paid [event evt_9]: subscription not found", he.Error())
	assert.ErrorIs(t, he, ErrSubscriptionNotFound)
}

func TestLogTracker(t *testing.T) {
	logger := &recordingLogger{}
	tracker := LogTracker{Logger: logger}

	tracker.CaptureException(context.Background(), errors.New("boom"), ExceptionContext{
		Operation: "invoice.paid",
		UserID:    "user-1",
	})

	require.Len(t, logger.errors, 1)
	keys := make([]string, 0, len(logger.fields[0]))
	for _, f := range logger.fields[0] {
		keys = append(keys, f.Key)
	}
	assert.Equal(t, []string{"operation", "user_id", "error"}, keys)

	// A tracker without a logger is a no-op.
	LogTracker{}.CaptureException(context.Background(), errors.New("boom"), ExceptionContext{})
}
