package stripe

import (
	"context"

	"github.com/tarotlab/billingsync/pkg/billing"
)

// Dispatch routes a decoded event to its handler. Unrecognized types are
// acknowledged without action.
func (p *Provider) Dispatch(ctx context.Context, ev *Event) (billing.Ack, error) {
	switch pl := ev.Payload.(type) {
	case CustomerCreated:
		return p.handleCustomerCreated(ctx, ev, pl)
	case CustomerDeleted:
		return p.handleCustomerDeleted(ctx, ev, pl)
	case SubscriptionCreated:
		return p.handleSubscriptionCreated(ctx, ev, pl)
	case SubscriptionUpdated:
		return p.handleSubscriptionUpdated(ctx, ev, pl)
	case SubscriptionDeleted:
		return p.handleSubscriptionDeleted(ctx, ev, pl)
	case InvoicePaid:
		return p.handleInvoice(ctx, ev, pl.Invoice, true)
	case InvoicePaymentFailed:
		return p.handleInvoice(ctx, ev, pl.Invoice, false)
	case CheckoutCompleted:
		return p.handleCheckoutCompleted(ctx, ev, pl)
	case CheckoutExpired:
		return billing.Ignored("checkout session expired"), nil
	default:
		return billing.Ignored("unrecognized event type " + ev.Type), nil
	}
}

// handlerError wraps err with the event's identity.
func handlerError(op string, ev *Event, err error) *billing.HandlerError {
	return &billing.HandlerError{Op: op, EventID: ev.ID, EventType: ev.Type, Err: err}
}

// emit sends analytics for a detected transition. A lost analytics event is
// logged, never turned into a handler failure.
func (p *Provider) emit(ctx context.Context, event *billing.AnalyticsEvent) {
	if p.analytics == nil {
		return
	}
	if err := p.analytics.Emit(ctx, event); err != nil {
		p.metrics.RecordAnalyticsEvent(string(event.Name), "error")
		p.logger.Warn("analytics emit failed",
			billing.Field{Key: "event", Value: string(event.Name)},
			billing.Field{Key: "user_id", Value: event.UserID},
			billing.Field{Key: "error", Value: err})
		return
	}
	p.metrics.RecordAnalyticsEvent(string(event.Name), "success")
}

// loadSubscription returns nil without error when the record does not exist.
func (p *Provider) loadSubscription(ctx context.Context, externalID string) (*billing.Subscription, error) {
	sub, err := p.store.GetSubscription(ctx, externalID)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return sub, nil
}
