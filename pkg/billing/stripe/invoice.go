package stripe

import (
	"context"

	"github.com/tarotlab/billingsync/pkg/billing"
)

// handleInvoice records invoice.paid and invoice.payment_failed events in the
// billing history. The customer must already be linked to a user.
func (p *Provider) handleInvoice(ctx context.Context, ev *Event, inv InvoiceData, paid bool) (billing.Ack, error) {
	op := "invoice.payment_failed"
	if paid {
		op = "invoice.paid"
	}
	fail := func(userID string, err error) (billing.Ack, error) {
		he := handlerError(op, ev, err)
		he.UserID, he.CustomerID, he.SubscriptionID = userID, inv.CustomerID, inv.SubscriptionID
		return billing.Ack{}, he
	}

	userID, err := p.store.UserIDByCustomer(ctx, inv.CustomerID)
	if err != nil {
		if isNotFound(err) {
			p.logger.Info("invoice for unlinked customer",
				billing.Field{Key: "event_id", Value: ev.ID},
				billing.Field{Key: "invoice_id", Value: inv.ID},
				billing.Field{Key: "customer_id", Value: inv.CustomerID})
			return billing.Skipped(billing.ErrUnresolvableCustomer), nil
		}
		return fail("", err)
	}

	// The subscription link is best-effort: an invoice may arrive before its
	// subscription was recorded.
	subscriptionID := ""
	if inv.SubscriptionID != "" {
		sub, err := p.loadSubscription(ctx, inv.SubscriptionID)
		switch {
		case err != nil:
			p.logger.Warn("invoice subscription lookup failed",
				billing.Field{Key: "invoice_id", Value: inv.ID},
				billing.Field{Key: "error", Value: err})
		case sub != nil:
			subscriptionID = sub.ExternalID
		}
	}

	rec := &billing.Invoice{
		ExternalID:     inv.ID,
		UserID:         userID,
		SubscriptionID: subscriptionID,
		Currency:       inv.Currency,
		AttemptCount:   inv.AttemptCount,
		PeriodStart:    inv.PeriodStart,
		PeriodEnd:      inv.PeriodEnd,
		IssuedAt:       inv.Created,
		PaidAt:         inv.PaidAt,
	}
	if paid {
		rec.AmountMinor = inv.AmountPaid
		rec.Status = invoiceStatusPaid
		if rec.PaidAt == nil {
			now := p.clock.Now()
			rec.PaidAt = &now
		}
	} else {
		rec.AmountMinor = inv.AmountDue
		rec.Status = inv.Status
	}

	if err := p.store.UpsertInvoice(ctx, rec); err != nil {
		return fail(userID, err)
	}

	if !paid {
		md := map[string]interface{}{
			"invoiceId":    inv.ID,
			"attemptCount": inv.AttemptCount,
			"amountDue":    inv.AmountDue,
			"currency":     inv.Currency,
		}
		if inv.SubscriptionID != "" {
			md["subscriptionId"] = inv.SubscriptionID
		}
		p.emit(ctx, billing.NewAnalyticsEvent(billing.EventPaymentFailed, userID, md, p.clock.Now()))
	}
	return billing.Applied(), nil
}
