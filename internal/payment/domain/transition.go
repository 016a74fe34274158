package domain

import (
	"fmt"
	"strings"
	"time"
)

type EventKind string

const (
	EventInitiationStarted  EventKind = "initiation_started"
	EventInitiationAccepted EventKind = "initiation_accepted"
	EventInitiationRejected EventKind = "initiation_rejected"
	EventInitiationError    EventKind = "initiation_error"
	EventSettledSuccess     EventKind = "settled_success"
	EventSettledFailure     EventKind = "settled_failure"
	EventPending            EventKind = "pending"
	EventTimeout            EventKind = "timeout"
)

// Event is one observation about a payment, from any channel.
type Event struct {
	Kind              EventKind
	CheckoutRequestID string
	MerchantRequestID string
	ReceiptNumber     string
	ResultCode        string
	ResultDescription string
	// FailureReason overrides the reason derived from Kind.
	FailureReason string
}

const (
	NoopAlreadyTerminal = "already_terminal"
	NoopNotSettled      = "not_settled"
	NoopDuplicate       = "duplicate"
)

// Decision is the outcome of applying an Event to a record snapshot.
// When Applied is false, Reason explains the no-op and Next is unused.
type Decision struct {
	Applied bool
	Reason  string
	From    Status
	Next    Donation
}

// Decide is the single transition function shared by every channel. It is
// pure: the caller persists Next with a version check against current.
func Decide(current Donation, ev Event, at time.Time) (Decision, error) {
	noop := func(reason string) (Decision, error) {
		return Decision{Reason: reason, From: current.Status, Next: current}, nil
	}

	if ev.Kind == EventPending {
		return noop(NoopNotSettled)
	}
	if current.Status.Terminal() {
		return noop(NoopAlreadyTerminal)
	}

	next := current
	next.Version = current.Version + 1
	next.LastTransitionAt = at.UTC()

	switch ev.Kind {
	case EventInitiationStarted:
		if current.Status != StatusCreated {
			return invalid(current, ev)
		}
		next.Status = StatusInitiating

	case EventInitiationAccepted:
		checkoutID := strings.TrimSpace(ev.CheckoutRequestID)
		if checkoutID == "" {
			return Decision{}, fmt.Errorf("%w: accepted without checkout request id", ErrInvalidTransition)
		}
		if current.Status == StatusAwaitingConfirmation && current.CheckoutID() == checkoutID {
			return noop(NoopDuplicate)
		}
		if current.Status != StatusCreated && current.Status != StatusInitiating {
			return invalid(current, ev)
		}
		if existing := current.CheckoutID(); existing != "" && existing != checkoutID {
			return Decision{}, fmt.Errorf("%w: checkout request id already set", ErrInvalidTransition)
		}
		next.Status = StatusAwaitingConfirmation
		next.CheckoutRequestID = &checkoutID
		next.MerchantRequestID = optional(ev.MerchantRequestID)

	case EventInitiationRejected, EventInitiationError:
		if current.Status != StatusCreated && current.Status != StatusInitiating {
			return invalid(current, ev)
		}
		reason := FailureReasonRejected
		if ev.Kind == EventInitiationError {
			reason = FailureReasonTransportError
		}
		fail(&next, ev, reason)

	case EventSettledSuccess:
		if current.Status != StatusAwaitingConfirmation {
			return invalid(current, ev)
		}
		receipt := strings.TrimSpace(ev.ReceiptNumber)
		if receipt == "" {
			return Decision{}, fmt.Errorf("%w: completion without receipt", ErrInvalidTransition)
		}
		completedAt := at.UTC()
		next.Status = StatusCompleted
		next.ReceiptNumber = &receipt
		next.CompletedAt = &completedAt
		next.ResultCode = optional(ev.ResultCode)
		next.ResultDescription = optional(ev.ResultDescription)

	case EventSettledFailure:
		if current.Status != StatusAwaitingConfirmation {
			return invalid(current, ev)
		}
		fail(&next, ev, FailureReasonProviderFailed)

	case EventTimeout:
		fail(&next, ev, FailureReasonTimeout)

	default:
		return Decision{}, fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, ev.Kind)
	}

	return Decision{Applied: true, From: current.Status, Next: next}, nil
}

func fail(next *Donation, ev Event, reason string) {
	if ev.FailureReason != "" {
		reason = ev.FailureReason
	}
	next.Status = StatusFailed
	next.FailureReason = &reason
	if code := optional(ev.ResultCode); code != nil {
		next.ResultCode = code
	}
	if desc := optional(ev.ResultDescription); desc != nil {
		next.ResultDescription = desc
	}
}

func invalid(current Donation, ev Event) (Decision, error) {
	return Decision{}, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev.Kind, current.Status)
}

func optional(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}
