// Package sentry reports billing handler failures to Sentry.
package sentry

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/tarotlab/billingsync/pkg/billing"
)

const defaultFlushTimeout = 2 * time.Second

// Tracker implements billing.ExceptionTracker with a Sentry hub.
type Tracker struct {
	hub *sentry.Hub
}

var _ billing.ExceptionTracker = (*Tracker)(nil)

// New creates a tracker with its own Sentry client. An empty DSN yields a
// client that drops every event.
func New(opts sentry.ClientOptions) (*Tracker, error) {
	client, err := sentry.NewClient(opts)
	if err != nil {
		return nil, err
	}
	return NewWithHub(sentry.NewHub(client, sentry.NewScope())), nil
}

// NewWithHub creates a tracker reporting through hub.
func NewWithHub(hub *sentry.Hub) *Tracker {
	return &Tracker{hub: hub}
}

// CaptureException implements billing.ExceptionTracker. Identifiers become
// tags so events can be searched by subscription or customer.
func (t *Tracker) CaptureException(_ context.Context, err error, ec billing.ExceptionContext) {
	if err == nil {
		return
	}
	t.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", "billing")
		for _, f := range ec.Fields() {
			if v, ok := f.Value.(string); ok {
				scope.SetTag(f.Key, v)
			}
		}
		if ec.UserID != "" {
			scope.SetUser(sentry.User{ID: ec.UserID})
		}
		if ec.EventType != "" {
			scope.SetFingerprint([]string{"{{ default }}", ec.EventType})
		}
		t.hub.CaptureException(err)
	})
}

// Flush waits for buffered events to be sent.
func (t *Tracker) Flush(timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = defaultFlushTimeout
	}
	return t.hub.Flush(timeout)
}
