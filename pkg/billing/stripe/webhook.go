package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/tarotlab/billingsync/pkg/billing"
	"github.com/tarotlab/billingsync/pkg/billing/internal"
)

const (
	signatureHeader      = "Stripe-Signature"
	handlerErrorResponse = "Handler error logged"
)

type webhookResponse struct {
	Received bool   `json:"received"`
	Error    string `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleWebhook processes incoming Stripe webhook events. Once the signature
// is verified the response is 200: a failing handler is reported to the
// exception tracker instead of to Stripe, which would otherwise retry it. The
// one exception is a delivery whose event is still being handled elsewhere; it
// gets a 409 so Stripe tries again once the first delivery has settled.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if p.webhookSecret == "" {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	select {
	case <-r.Context().Done():
		http.Error(w, "request timeout", http.StatusRequestTimeout)
		return
	default:
	}

	// Read and validate body (with size limit protection)
	body, err := internal.ReadBodyStrict(w, r, maxWebhookBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
			_ = internal.WriteJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "payload too large"})
		} else {
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
			_ = internal.WriteJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid payload: %v", err)})
		}
		return
	}

	ctx := r.Context()

	sig := strings.TrimSpace(r.Header.Get(signatureHeader))
	if sig == "" {
		// Nothing was attempted, so there is nothing to report.
		p.logger.Warn("stripe webhook without signature", billing.Field{Key: "remote_addr", Value: r.RemoteAddr})
		p.metrics.RecordWebhookError(providerName, "signature_missing")
		_ = internal.WriteJSON(w, http.StatusBadRequest, errorResponse{Error: billing.ErrSignatureMissing.Error()})
		return
	}

	stripeEvent, err := webhook.ConstructEventWithOptions(body, sig, p.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                p.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		verr := fmt.Errorf("%w: %v", billing.ErrSignatureInvalid, err)
		p.logger.Warn("stripe webhook signature rejected", billing.Field{Key: "error", Value: err})
		p.tracker.CaptureException(ctx, verr, billing.ExceptionContext{Operation: "webhook.verify"})
		p.metrics.RecordWebhookError(providerName, "signature_invalid")
		_ = internal.WriteJSON(w, http.StatusBadRequest, errorResponse{Error: billing.ErrSignatureInvalid.Error()})
		return
	}

	eventType := string(stripeEvent.Type)
	if eventType == "" {
		eventType = "unknown"
	}

	ack, herr := p.processEvent(ctx, stripeEvent)
	if errors.Is(herr, billing.ErrEventInFlight) {
		p.logger.Info("stripe webhook event in flight",
			billing.Field{Key: "event_id", Value: stripeEvent.ID},
			billing.Field{Key: "event_type", Value: eventType})
		p.metrics.RecordWebhookEvent(providerName, eventType, "in_flight")
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
		_ = internal.WriteJSON(w, http.StatusConflict, errorResponse{Error: billing.ErrEventInFlight.Error()})
		return
	}
	if herr != nil {
		p.logger.Error("stripe webhook handler failed", append(
			billing.ExceptionContextFor("webhook", herr).Fields(),
			billing.Field{Key: "error", Value: herr})...)
		p.tracker.CaptureException(ctx, herr, billing.ExceptionContextFor("webhook", herr))
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "handler_error")
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
		_ = internal.WriteJSON(w, http.StatusOK, webhookResponse{Received: true, Error: handlerErrorResponse})
		return
	}

	p.logger.Debug("stripe webhook handled",
		billing.Field{Key: "event_id", Value: stripeEvent.ID},
		billing.Field{Key: "event_type", Value: eventType},
		billing.Field{Key: "action", Value: string(ack.Action)},
		billing.Field{Key: "reason", Value: ack.Reason},
	)
	p.metrics.RecordWebhookEvent(providerName, eventType, string(ack.Action))
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
	_ = internal.WriteJSON(w, http.StatusOK, webhookResponse{Received: true})
}

// processEvent decodes a verified event, claims it in the ledger and
// dispatches it. The event is marked processed only after a successful
// dispatch; a failed dispatch drops the lock so a replay is applied.
func (p *Provider) processEvent(ctx context.Context, se stripe.Event) (billing.Ack, error) {
	ev, err := DecodeEvent(se)
	if err != nil {
		return billing.Ack{}, &billing.HandlerError{
			Op:        "webhook.decode",
			EventID:   se.ID,
			EventType: string(se.Type),
			Err:       err,
		}
	}

	claimed := false
	if p.ledger != nil && ev.ID != "" {
		state, err := p.ledger.Claim(ctx, ev.ID)
		switch {
		case err != nil:
			// Handlers are idempotent; process without the ledger.
			p.logger.Warn("event ledger unavailable",
				billing.Field{Key: "event_id", Value: ev.ID},
				billing.Field{Key: "error", Value: err})
		case state == billing.ClaimProcessed:
			return billing.Ignored("duplicate event"), nil
		case state == billing.ClaimInFlight:
			return billing.Ack{}, billing.ErrEventInFlight
		default:
			claimed = true
		}
	}

	ack, err := p.Dispatch(ctx, ev)
	if !claimed {
		return ack, err
	}

	// The request may be gone by now; the ledger write must still land.
	lctx := context.WithoutCancel(ctx)
	if err != nil {
		if rerr := p.ledger.Release(lctx, ev.ID); rerr != nil {
			p.logger.Warn("event ledger release failed",
				billing.Field{Key: "event_id", Value: ev.ID},
				billing.Field{Key: "error", Value: rerr})
		}
		return ack, err
	}
	if cerr := p.ledger.Complete(lctx, ev.ID); cerr != nil {
		p.logger.Warn("event ledger complete failed",
			billing.Field{Key: "event_id", Value: ev.ID},
			billing.Field{Key: "error", Value: cerr})
	}
	return ack, nil
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
