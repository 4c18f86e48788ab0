package stripe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/tarotlab/billingsync/pkg/billing"
)

// Event types the dispatcher routes.
const (
	EventCustomerCreated          = "customer.created"
	EventCustomerDeleted          = "customer.deleted"
	EventSubscriptionCreated      = "customer.subscription.created"
	EventSubscriptionUpdated      = "customer.subscription.updated"
	EventSubscriptionDeleted      = "customer.subscription.deleted"
	EventInvoicePaid              = "invoice.paid"
	EventInvoicePaymentFailed     = "invoice.payment_failed"
	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventCheckoutSessionExpired   = "checkout.session.expired"
)

const (
	checkoutModeSubscription = "subscription"
	invoiceStatusPaid        = "paid"
)

// Event is a verified processor event with its payload decoded into one of a
// closed set of variants.
type Event struct {
	ID      string
	Type    string
	Created time.Time
	Payload Payload
}

// Payload is implemented by every event variant.
type Payload interface {
	payload()
}

type (
	CustomerCreated struct {
		CustomerID string
		Email      string
		Metadata   map[string]string
	}

	CustomerDeleted struct {
		CustomerID string
	}

	SubscriptionCreated struct{ Subscription *billing.Subscription }
	SubscriptionUpdated struct{ Subscription *billing.Subscription }
	SubscriptionDeleted struct{ Subscription *billing.Subscription }

	InvoicePaid          struct{ Invoice InvoiceData }
	InvoicePaymentFailed struct{ Invoice InvoiceData }

	CheckoutCompleted struct{ Session CheckoutSession }
	CheckoutExpired   struct{ Session CheckoutSession }

	// UnrecognizedEvent carries any type the dispatcher does not route.
	UnrecognizedEvent struct{ Type string }
)

func (CustomerCreated) payload()      {}
func (CustomerDeleted) payload()      {}
func (SubscriptionCreated) payload()  {}
func (SubscriptionUpdated) payload()  {}
func (SubscriptionDeleted) payload()  {}
func (InvoicePaid) payload()          {}
func (InvoicePaymentFailed) payload() {}
func (CheckoutCompleted) payload()    {}
func (CheckoutExpired) payload()      {}
func (UnrecognizedEvent) payload()    {}

// InvoiceData is the part of an invoice object reconciliation reads.
type InvoiceData struct {
	ID             string
	CustomerID     string
	SubscriptionID string
	AmountPaid     int64
	AmountDue      int64
	Currency       string
	Status         string
	AttemptCount   int64
	PeriodStart    *time.Time
	PeriodEnd      *time.Time
	Created        *time.Time
	PaidAt         *time.Time
}

// CheckoutSession is the part of a checkout session reconciliation reads.
type CheckoutSession struct {
	ID                string
	Mode              string
	CustomerID        string
	SubscriptionID    string
	ClientReferenceID string
	Metadata          map[string]string
}

// UserID returns the local user the session was created for.
func (s CheckoutSession) UserID() string {
	if id := billing.UserIDFromMetadata(s.Metadata); id != "" {
		return id
	}
	return s.ClientReferenceID
}

// DecodeEvent converts a verified stripe.Event into an Event. Unknown types
// decode to UnrecognizedEvent; a malformed object for a known type is an
// ErrInvalidWebhookPayload.
func DecodeEvent(ev stripe.Event) (*Event, error) {
	out := &Event{
		ID:   ev.ID,
		Type: string(ev.Type),
	}
	if ev.Created > 0 {
		out.Created = time.Unix(ev.Created, 0).UTC()
	}

	var raw json.RawMessage
	if ev.Data != nil {
		raw = ev.Data.Raw
	}

	var err error
	switch out.Type {
	case EventCustomerCreated, EventCustomerDeleted:
		var c customerObject
		if err = decodeObject(raw, &c); err == nil {
			if out.Type == EventCustomerCreated {
				out.Payload = CustomerCreated{CustomerID: c.ID, Email: c.Email, Metadata: c.Metadata}
			} else {
				out.Payload = CustomerDeleted{CustomerID: c.ID}
			}
		}
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		var s subscriptionObject
		if err = decodeObject(raw, &s); err == nil {
			sub := s.toSubscription()
			switch out.Type {
			case EventSubscriptionCreated:
				out.Payload = SubscriptionCreated{Subscription: sub}
			case EventSubscriptionUpdated:
				out.Payload = SubscriptionUpdated{Subscription: sub}
			default:
				out.Payload = SubscriptionDeleted{Subscription: sub}
			}
		}
	case EventInvoicePaid, EventInvoicePaymentFailed:
		var i invoiceObject
		if err = decodeObject(raw, &i); err == nil {
			if out.Type == EventInvoicePaid {
				out.Payload = InvoicePaid{Invoice: i.toInvoiceData()}
			} else {
				out.Payload = InvoicePaymentFailed{Invoice: i.toInvoiceData()}
			}
		}
	case EventCheckoutSessionCompleted, EventCheckoutSessionExpired:
		var c checkoutSessionObject
		if err = decodeObject(raw, &c); err == nil {
			if out.Type == EventCheckoutSessionCompleted {
				out.Payload = CheckoutCompleted{Session: c.toSession()}
			} else {
				out.Payload = CheckoutExpired{Session: c.toSession()}
			}
		}
	default:
		out.Payload = UnrecognizedEvent{Type: out.Type}
	}

	if err != nil {
		return out, fmt.Errorf("%w: %s %s: %v", billing.ErrInvalidWebhookPayload, out.Type, out.ID, err)
	}
	return out, nil
}

func decodeObject(raw json.RawMessage, v interface{ identifier() string }) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return fmt.Errorf("missing data.object")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return err
	}
	if v.identifier() == "" {
		return fmt.Errorf("object has no id")
	}
	return nil
}

// expandableID decodes a field the processor sends either as an id string or
// as an expanded object with an id.
type expandableID string

func (e *expandableID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*e = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

type customerObject struct {
	ID       string            `json:"id"`
	Email    string            `json:"email"`
	Metadata map[string]string `json:"metadata"`
}

func (c *customerObject) identifier() string { return c.ID }

type subscriptionItemObject struct {
	Price              expandableID `json:"price"`
	CurrentPeriodStart int64        `json:"current_period_start"`
	CurrentPeriodEnd   int64        `json:"current_period_end"`
}

type subscriptionObject struct {
	ID       string       `json:"id"`
	Customer expandableID `json:"customer"`
	Status   string       `json:"status"`
	Items    struct {
		Data []subscriptionItemObject `json:"data"`
	} `json:"items"`

	// Older API versions carry the period bounds on the subscription itself.
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`

	CancelAt            int64             `json:"cancel_at"`
	CanceledAt          int64             `json:"canceled_at"`
	TrialEnd            int64             `json:"trial_end"`
	Created             int64             `json:"created"`
	Metadata            map[string]string `json:"metadata"`
	CancellationDetails *struct {
		Reason   string `json:"reason"`
		Feedback string `json:"feedback"`
	} `json:"cancellation_details"`
}

func (s *subscriptionObject) identifier() string { return s.ID }

func (s *subscriptionObject) toSubscription() *billing.Subscription {
	sub := &billing.Subscription{
		ExternalID:         s.ID,
		CustomerID:         string(s.Customer),
		UserID:             billing.UserIDFromMetadata(s.Metadata),
		Status:             billing.SubscriptionStatus(s.Status),
		CurrentPeriodStart: billing.UnixTime(s.CurrentPeriodStart),
		CurrentPeriodEnd:   billing.UnixTime(s.CurrentPeriodEnd),
		CancelAt:           billing.UnixTime(s.CancelAt),
		CanceledAt:         billing.UnixTime(s.CanceledAt),
		TrialEnd:           billing.UnixTime(s.TrialEnd),
		Metadata:           s.Metadata,
	}
	if created := billing.UnixTime(s.Created); created != nil {
		sub.CreatedAt = *created
	}
	if len(s.Items.Data) > 0 {
		item := s.Items.Data[0]
		sub.PriceID = string(item.Price)
		if item.CurrentPeriodStart > 0 {
			sub.CurrentPeriodStart = billing.UnixTime(item.CurrentPeriodStart)
		}
		if item.CurrentPeriodEnd > 0 {
			sub.CurrentPeriodEnd = billing.UnixTime(item.CurrentPeriodEnd)
		}
	}
	if s.CancellationDetails != nil {
		sub.CancellationReason = s.CancellationDetails.Reason
		if sub.CancellationReason == "" {
			sub.CancellationReason = s.CancellationDetails.Feedback
		}
	}
	return sub
}

type periodObject struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

type invoiceObject struct {
	ID           string       `json:"id"`
	Customer     expandableID `json:"customer"`
	Subscription expandableID `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription expandableID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	AmountPaid        int64  `json:"amount_paid"`
	AmountDue         int64  `json:"amount_due"`
	Currency          string `json:"currency"`
	Status            string `json:"status"`
	AttemptCount      int64  `json:"attempt_count"`
	PeriodStart       int64  `json:"period_start"`
	PeriodEnd         int64  `json:"period_end"`
	Created           int64  `json:"created"`
	StatusTransitions struct {
		PaidAt int64 `json:"paid_at"`
	} `json:"status_transitions"`
	Lines struct {
		Data []struct {
			Period periodObject `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

func (i *invoiceObject) identifier() string { return i.ID }

func (i *invoiceObject) toInvoiceData() InvoiceData {
	inv := InvoiceData{
		ID:             i.ID,
		CustomerID:     string(i.Customer),
		SubscriptionID: string(i.Subscription),
		AmountPaid:     i.AmountPaid,
		AmountDue:      i.AmountDue,
		Currency:       i.Currency,
		Status:         i.Status,
		AttemptCount:   i.AttemptCount,
		PeriodStart:    billing.UnixTime(i.PeriodStart),
		PeriodEnd:      billing.UnixTime(i.PeriodEnd),
		Created:        billing.UnixTime(i.Created),
		PaidAt:         billing.UnixTime(i.StatusTransitions.PaidAt),
	}
	if inv.SubscriptionID == "" && i.Parent != nil && i.Parent.SubscriptionDetails != nil {
		inv.SubscriptionID = string(i.Parent.SubscriptionDetails.Subscription)
	}
	if len(i.Lines.Data) > 0 {
		p := i.Lines.Data[0].Period
		if p.Start > 0 {
			inv.PeriodStart = billing.UnixTime(p.Start)
		}
		if p.End > 0 {
			inv.PeriodEnd = billing.UnixTime(p.End)
		}
	}
	return inv
}

type checkoutSessionObject struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Customer          expandableID      `json:"customer"`
	Subscription      expandableID      `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

func (c *checkoutSessionObject) identifier() string { return c.ID }

func (c *checkoutSessionObject) toSession() CheckoutSession {
	return CheckoutSession{
		ID:                c.ID,
		Mode:              c.Mode,
		CustomerID:        string(c.Customer),
		SubscriptionID:    string(c.Subscription),
		ClientReferenceID: c.ClientReferenceID,
		Metadata:          c.Metadata,
	}
}
