package billing

// AckAction describes what a handler did with an event it acknowledged.
type AckAction string

const (
	// ActionApplied means local state was written.
	ActionApplied AckAction = "applied"
	// ActionSkipped means the event was valid but could not be attributed.
	ActionSkipped AckAction = "skipped"
	// ActionIgnored means the event needs no reconciliation.
	ActionIgnored AckAction = "ignored"
)

// Ack is the successful outcome of handling one event. A handler returns
// (Ack, nil) when the event is acknowledged and (Ack{}, *HandlerError) when it
// failed; the webhook endpoint responds 200 for both and reports only the
// latter to the exception tracker.
type Ack struct {
	Action AckAction
	Reason string

	// Cause is set for skipped events, e.g. ErrUnresolvableUserID.
	Cause error
}

// Applied acknowledges an event that changed local state.
func Applied() Ack {
	return Ack{Action: ActionApplied}
}

// Skipped acknowledges an event that could not be attributed to a user.
func Skipped(cause error) Ack {
	ack := Ack{Action: ActionSkipped, Cause: cause}
	if cause != nil {
		ack.Reason = cause.Error()
	}
	return ack
}

// Ignored acknowledges an event that requires no action.
func Ignored(reason string) Ack {
	return Ack{Action: ActionIgnored, Reason: reason}
}
