package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/tarotlab/billingsync/pkg/billing"
	"github.com/tarotlab/billingsync/pkg/billing/stripe"
)

const (
	maxUserIDLen       = 255
	maxRequestBodySize = 16 * 1024
	noSubscription     = "No Subscription"
)

// Handler provides HTTP endpoints for subscription inspection and hosted
// billing sessions
type Handler struct {
	config Config
}

// GetStatus returns the user's tier and subscription state as JSON
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	ent, err := h.config.Entitlements.Resolve(r.Context(), userID)
	if err != nil {
		h.config.Logger.Error("status lookup failed",
			billing.Field{Key: "user_id", Value: userID},
			billing.Field{Key: "error", Value: err})
		h.handleError(w, r, fmt.Errorf("failed to resolve subscription"), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse(ent))
}

func statusResponse(ent *billing.Entitlement) StatusResponse {
	resp := StatusResponse{
		UserID:        ent.UserID,
		Tier:          string(ent.Tier),
		StatusLabel:   noSubscription,
		StatusColor:   billing.StatusColor(""),
		InGracePeriod: ent.InGracePeriod,
		DaysRemaining: ent.DaysRemaining,
	}
	if sub := ent.Subscription; sub != nil {
		resp.Status = string(sub.Status)
		resp.StatusLabel = billing.StatusDisplay(sub.Status)
		resp.StatusColor = billing.StatusColor(sub.Status)
		resp.CurrentPeriodEnd = sub.CurrentPeriodEnd
		resp.CancelAt = sub.CancelAt
		resp.TrialEnd = sub.TrialEnd
	}
	if pd := ent.PendingDowngrade; pd != nil {
		resp.PendingDowngrade = &PendingDowngrade{Tier: string(pd.Tier), EffectiveAt: pd.EffectiveAt}
	}
	return resp
}

// CreateCheckout starts a hosted checkout for a paid tier
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	if h.config.Sessions == nil {
		h.handleError(w, r, fmt.Errorf("checkout not configured"), http.StatusNotImplemented)
		return
	}
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req CheckoutRequest
	if err := decodeBody(r, &req); err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}
	tier, err := billing.ParseTier(req.Tier)
	if err != nil || tier == billing.TierFree {
		h.handleError(w, r, fmt.Errorf("invalid tier %q", req.Tier), http.StatusBadRequest)
		return
	}
	if req.SuccessURL == "" || req.CancelURL == "" {
		h.handleError(w, r, fmt.Errorf("success_url and cancel_url are required"), http.StatusBadRequest)
		return
	}

	url, err := h.config.Sessions.CheckoutURL(r.Context(), stripe.CheckoutRequest{
		UserID:     userID,
		Email:      req.Email,
		Tier:       tier,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
		TrialDays:  req.TrialDays,
	})
	if err != nil {
		h.sessionError(w, r, "checkout", userID, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{URL: url})
}

// CreatePortal opens the billing portal for a user with a linked customer
func (h *Handler) CreatePortal(w http.ResponseWriter, r *http.Request) {
	if h.config.Sessions == nil {
		h.handleError(w, r, fmt.Errorf("portal not configured"), http.StatusNotImplemented)
		return
	}
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req PortalRequest
	if err := decodeBody(r, &req); err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}
	if req.ReturnURL == "" {
		h.handleError(w, r, fmt.Errorf("return_url is required"), http.StatusBadRequest)
		return
	}

	url, err := h.config.Sessions.PortalURL(r.Context(), userID, req.ReturnURL)
	if err != nil {
		h.sessionError(w, r, "portal", userID, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{URL: url})
}

func (h *Handler) sessionError(w http.ResponseWriter, r *http.Request, kind, userID string, err error) {
	switch {
	case errors.Is(err, billing.ErrCustomerNotLinked):
		h.handleError(w, r, fmt.Errorf("no billing account for user"), http.StatusNotFound)
	case errors.Is(err, billing.ErrTierNotConfigured):
		h.handleError(w, r, fmt.Errorf("tier is not for sale"), http.StatusBadRequest)
	default:
		h.config.Logger.Error(kind+" session failed",
			billing.Field{Key: "user_id", Value: userID},
			billing.Field{Key: "error", Value: err})
		h.handleError(w, r, fmt.Errorf("failed to create %s session", kind), http.StatusBadGateway)
	}
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return "", false
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return "", false
	}
	return userID, true
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	writeJSON(w, statusCode, map[string]string{"error": err.Error()})
}
