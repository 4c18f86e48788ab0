package stripe

import (
	"context"
	"errors"

	"github.com/tarotlab/billingsync/pkg/billing"
)

func (p *Provider) handleCustomerCreated(ctx context.Context, ev *Event, pl CustomerCreated) (billing.Ack, error) {
	userID := billing.UserIDFromMetadata(pl.Metadata)
	if userID == "" {
		p.logger.Info("customer created without user id",
			billing.Field{Key: "event_id", Value: ev.ID},
			billing.Field{Key: "customer_id", Value: pl.CustomerID})
		return billing.Skipped(billing.ErrUnresolvableUserID), nil
	}

	if err := p.store.LinkCustomer(ctx, userID, pl.CustomerID); err != nil {
		he := handlerError("customer.created", ev, err)
		he.UserID, he.CustomerID = userID, pl.CustomerID
		return billing.Ack{}, he
	}
	return billing.Applied(), nil
}

func (p *Provider) handleCustomerDeleted(ctx context.Context, ev *Event, pl CustomerDeleted) (billing.Ack, error) {
	n, err := p.store.UnlinkCustomers(ctx, pl.CustomerID)
	if err != nil {
		he := handlerError("customer.deleted", ev, err)
		he.CustomerID = pl.CustomerID
		return billing.Ack{}, he
	}
	p.logger.Info("customer unlinked",
		billing.Field{Key: "customer_id", Value: pl.CustomerID},
		billing.Field{Key: "users", Value: n})
	return billing.Applied(), nil
}

func isNotFound(err error) bool {
	return errors.Is(err, billing.ErrSubscriptionNotFound) || errors.Is(err, billing.ErrCustomerNotLinked)
}
