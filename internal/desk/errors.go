package desk

import (
	"errors"

	"github.com/zulandar/frontdesk/internal/api"
)

// The error taxonomy surfaced to the presentation layer. Network-level kinds
// come from the REST client; the rest are raised locally.
var (
	ErrNetwork         = api.ErrNetwork
	ErrAlreadyAssigned = api.ErrAlreadyAssigned
	ErrSessionClosed   = api.ErrSessionClosed
	ErrSessionNotFound = api.ErrSessionNotFound

	// ErrChannelDisconnected means the realtime channel is down. Nothing is
	// queued while it is; the inbox falls back to manual refresh.
	ErrChannelDisconnected = errors.New("realtime channel disconnected")
	// ErrInvalidTransition means the action is not allowed from the
	// session's current state.
	ErrInvalidTransition = errors.New("invalid session transition")
	// ErrActionInFlight means a conflicting action on the same session has
	// not finished yet.
	ErrActionInFlight = errors.New("action already in flight")
)

// ValidationError reports a malformed wrap-up or transfer payload.
type ValidationError = api.ValidationError

// Kind classifies an error for rendering.
type Kind int

const (
	KindNone Kind = iota
	KindNetwork
	KindAlreadyAssigned
	KindSessionClosed
	KindValidation
	KindChannelDisconnected
	KindNotFound
	KindInvalidTransition
	KindInFlight
	KindUnknown
)

var kindNames = map[Kind]string{
	KindNone:                "none",
	KindNetwork:             "network",
	KindAlreadyAssigned:     "already_assigned",
	KindSessionClosed:       "session_closed",
	KindValidation:          "validation",
	KindChannelDisconnected: "channel_disconnected",
	KindNotFound:            "not_found",
	KindInvalidTransition:   "invalid_transition",
	KindInFlight:            "in_flight",
	KindUnknown:             "unknown",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Retryable reports whether retrying the same action may succeed.
func (k Kind) Retryable() bool {
	return k == KindNetwork || k == KindInFlight
}

// Classify maps any error returned by the Controller to its Kind.
func Classify(err error) Kind {
	var ve *ValidationError
	switch {
	case err == nil:
		return KindNone
	case errors.As(err, &ve):
		return KindValidation
	case errors.Is(err, ErrAlreadyAssigned):
		return KindAlreadyAssigned
	case errors.Is(err, ErrSessionClosed):
		return KindSessionClosed
	case errors.Is(err, ErrSessionNotFound):
		return KindNotFound
	case errors.Is(err, ErrChannelDisconnected):
		return KindChannelDisconnected
	case errors.Is(err, ErrInvalidTransition):
		return KindInvalidTransition
	case errors.Is(err, ErrActionInFlight):
		return KindInFlight
	case errors.Is(err, ErrNetwork):
		return KindNetwork
	}
	return KindUnknown
}

// UserMessage is the one-line text shown for an error of this kind.
func UserMessage(err error) string {
	switch Classify(err) {
	case KindNone:
		return ""
	case KindNetwork:
		return "Network problem. Please try again."
	case KindAlreadyAssigned:
		return "Someone else already took this conversation."
	case KindSessionClosed:
		return "This conversation has ended."
	case KindValidation:
		var ve *ValidationError
		errors.As(err, &ve)
		return ve.Error()
	case KindChannelDisconnected:
		return "Live updates are offline. Refresh to see the latest."
	case KindNotFound:
		return "This conversation is no longer available."
	case KindInvalidTransition:
		return "That action is not available for this conversation right now."
	case KindInFlight:
		return "Still working on the previous action."
	}
	return err.Error()
}
