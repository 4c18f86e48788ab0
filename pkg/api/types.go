package api

import "time"

// StatusResponse describes a user's subscription for display
type StatusResponse struct {
	UserID string `json:"user_id"`
	Tier   string `json:"tier"`

	// Status is empty when the user never subscribed.
	Status      string `json:"status,omitempty"`
	StatusLabel string `json:"status_label"`
	StatusColor string `json:"status_color"`

	InGracePeriod    bool       `json:"in_grace_period"`
	DaysRemaining    int        `json:"days_remaining"`
	CurrentPeriodEnd *time.Time `json:"current_period_end,omitempty"`
	CancelAt         *time.Time `json:"cancel_at,omitempty"`
	TrialEnd         *time.Time `json:"trial_end,omitempty"`

	PendingDowngrade *PendingDowngrade `json:"pending_downgrade,omitempty"`
}

// PendingDowngrade is a scheduled move to a lower tier
type PendingDowngrade struct {
	Tier        string    `json:"tier"`
	EffectiveAt time.Time `json:"effective_at"`
}

// CheckoutRequest is the body of a checkout session request
type CheckoutRequest struct {
	Tier       string `json:"tier"`
	Email      string `json:"email,omitempty"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
	TrialDays  int64  `json:"trial_days,omitempty"`
}

// PortalRequest is the body of a billing portal session request
type PortalRequest struct {
	ReturnURL string `json:"return_url"`
}

// SessionResponse carries the hosted page to redirect the user to
type SessionResponse struct {
	URL string `json:"url"`
}
