package billing

import "time"

// SubscriptionStatus mirrors the processor's subscription status values.
type SubscriptionStatus string

const (
	StatusTrialing          SubscriptionStatus = "trialing"
	StatusActive            SubscriptionStatus = "active"
	StatusPastDue           SubscriptionStatus = "past_due"
	StatusCanceled          SubscriptionStatus = "canceled"
	StatusPaused            SubscriptionStatus = "paused"
	StatusIncomplete        SubscriptionStatus = "incomplete"
	StatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	StatusUnpaid            SubscriptionStatus = "unpaid"
)

type statusPresentation struct {
	label string
	color string
}

var statusPresentations = map[SubscriptionStatus]statusPresentation{
	StatusTrialing:          {label: "Free Trial", color: "blue"},
	StatusActive:            {label: "Active", color: "green"},
	StatusPastDue:           {label: "Past Due", color: "yellow"},
	StatusCanceled:          {label: "Canceled", color: "red"},
	StatusPaused:            {label: "Paused", color: "gray"},
	StatusIncomplete:        {label: "Incomplete", color: "yellow"},
	StatusIncompleteExpired: {label: "Expired", color: "red"},
	StatusUnpaid:            {label: "Unpaid", color: "red"},
}

const (
	unknownStatusLabel = "Unknown"
	unknownStatusColor = "gray"
	day                = 24 * time.Hour
)

// Valid reports whether s is one of the processor's status values.
func (s SubscriptionStatus) Valid() bool {
	_, ok := statusPresentations[s]
	return ok
}

// Terminal reports whether the subscription can no longer become active.
func (s SubscriptionStatus) Terminal() bool {
	return s == StatusCanceled || s == StatusIncompleteExpired
}

// GrantsAccess reports whether a subscription in this status unlocks its tier.
// past_due keeps access while the processor retries the payment.
func (s SubscriptionStatus) GrantsAccess() bool {
	switch s {
	case StatusActive, StatusTrialing, StatusPastDue:
		return true
	default:
		return false
	}
}

// StatusDisplay returns the human label for a status.
func StatusDisplay(s SubscriptionStatus) string {
	if p, ok := statusPresentations[s]; ok {
		return p.label
	}
	return unknownStatusLabel
}

// StatusColor returns the display color for a status.
func StatusColor(s SubscriptionStatus) string {
	if p, ok := statusPresentations[s]; ok {
		return p.color
	}
	return unknownStatusColor
}

// IsInGracePeriod reports whether sub is active with a cancellation scheduled
// strictly after now. A cancel_at already in the past is stale data, not grace.
func IsInGracePeriod(sub *Subscription, now time.Time) bool {
	if sub == nil || sub.Status != StatusActive || sub.CancelAt == nil {
		return false
	}
	return sub.CancelAt.After(now)
}

// DaysUntil returns the whole days from now until date, rounded up.
// Dates in the past yield 0.
func DaysUntil(date, now time.Time) int {
	d := date.Sub(now)
	if d <= 0 {
		return 0
	}
	days := int(d / day)
	if d%day != 0 {
		days++
	}
	return days
}
