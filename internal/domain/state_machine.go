package domain

import (
	"fmt"
	"strings"
)

// EventType identifies what caused a transition.
type EventType string

const (
	EventWebhook          EventType = "webhook"
	EventDeliveryAttempt  EventType = "delivery_attempt"
	EventCustomerResponse EventType = "customer_response"
	EventCommunication    EventType = "communication"
	EventRemediation      EventType = "remediation"
	EventOverride         EventType = "override"
	EventReopen           EventType = "reopen"
	EventNote             EventType = "note"
)

// Event is the input to Transition. Only the fields relevant to Type are read.
type Event struct {
	Type EventType

	Canonical  CanonicalStatus
	RTOPhase   RTOPhase
	Preference Preference
	Action     Action
	Target     Status

	Remarks        string
	Key            string
	CorrelationID  string
	ExternalStatus string
}

// EntryKind returns the history label recorded for the event.
func (e Event) EntryKind() EntryKind {
	switch e.Type {
	case EventWebhook:
		return EntryWebhook
	case EventDeliveryAttempt:
		return EntryDeliveryAttempt
	case EventCustomerResponse:
		return EntryCustomerResponse
	case EventCommunication:
		return EntryCommunication
	case EventRemediation:
		switch e.Action {
		case ActionPickupReschedule:
			return EntryPickupReschedule
		case ActionRTO:
			return EntryRTO
		default:
			return EntryReattempt
		}
	case EventOverride:
		return EntryStatusUpdate
	case EventReopen:
		return EntrySystem
	default:
		return EntryNote
	}
}

var preferenceTargets = map[Preference]Status{
	PreferenceReattempt:      StatusReattemptScheduled,
	PreferenceReschedule:     StatusReattemptScheduled,
	PreferenceChangeAddress:  StatusAddressUpdated,
	PreferenceCustomerPickup: StatusCustomerPickup,
	PreferenceCancelOrder:    StatusRTOInitiated,
}

var rtoRank = map[Status]int{
	StatusRTOInitiated: 1,
	StatusRTOInTransit: 2,
	StatusRTODelivered: 3,
}

var rtoByRank = map[int]Status{
	1: StatusRTOInitiated,
	2: StatusRTOInTransit,
	3: StatusRTODelivered,
}

// Transition computes the next state for current given ev.
// A nil error with an unchanged state means the event is recorded without a state change.
func Transition(current Status, ev Event) (Status, error) {
	if !current.IsValid() {
		return "", fmt.Errorf("%w: unknown current status %q", ErrValidation, current)
	}

	switch ev.Type {
	case EventWebhook:
		return webhookTransition(current, ev), nil
	case EventDeliveryAttempt:
		if current.IsTerminal() {
			return "", fmt.Errorf("%w: cannot record an attempt on %s ndr; reopen it first", ErrPolicyViolation, current)
		}
		return failedAttemptTarget(current), nil
	case EventCustomerResponse:
		return customerResponseTransition(current, ev.Preference)
	case EventCommunication:
		if current == StatusNewNDR {
			return StatusCustomerContacted, nil
		}
		return current, nil
	case EventRemediation:
		return remediationTransition(current, ev.Action)
	case EventOverride:
		return overrideTransition(current, ev.Target)
	case EventReopen:
		if strings.TrimSpace(ev.Remarks) == "" {
			return "", fmt.Errorf("%w: reopen reason is required", ErrValidation)
		}
		if !current.IsTerminal() {
			return "", fmt.Errorf("%w: only terminal ndrs can be reopened (status %s)", ErrPolicyViolation, current)
		}
		return StatusCustomerResponsePending, nil
	case EventNote:
		return current, nil
	default:
		return "", fmt.Errorf("%w: unknown event type %q", ErrValidation, ev.Type)
	}
}

func webhookTransition(current Status, ev Event) Status {
	if current.IsTerminal() {
		return current
	}

	switch ev.Canonical {
	case CanonicalDelivered:
		return StatusDelivered
	case CanonicalRTO:
		return nextRTOStatus(current, ev.RTOPhase)
	case CanonicalNDR:
		return failedAttemptTarget(current)
	default:
		return current
	}
}

// nextRTOStatus never moves an RTO backwards; an unknown phase advances one step.
func nextRTOStatus(current Status, phase RTOPhase) Status {
	currentRank := rtoRank[current]

	var target int
	switch phase {
	case RTOPhaseInitiated:
		target = 1
	case RTOPhaseInTransit:
		target = 2
	case RTOPhaseDelivered:
		target = 3
	default:
		target = currentRank + 1
	}

	if target <= currentRank {
		return current
	}
	if target > 3 {
		target = 3
	}
	return rtoByRank[target]
}

// failedAttemptTarget sends an NDR whose agreed resolution just failed back to the customer.
func failedAttemptTarget(current Status) Status {
	if current.IsResolved() {
		return StatusCustomerResponsePending
	}
	return current
}

func customerResponseTransition(current Status, preference Preference) (Status, error) {
	target, ok := preferenceTargets[preference]
	if !ok {
		return "", fmt.Errorf("%w: invalid preference %q", ErrValidation, preference)
	}
	if current.IsTerminal() {
		return "", fmt.Errorf("%w: cannot apply customer response to %s ndr; reopen it first", ErrPolicyViolation, current)
	}
	if current.IsRTO() {
		return "", fmt.Errorf("%w: return to origin already in progress (status %s)", ErrPolicyViolation, current)
	}
	return target, nil
}

func remediationTransition(current Status, action Action) (Status, error) {
	if !action.IsValid() {
		return "", fmt.Errorf("%w: invalid action %q", ErrValidation, action)
	}
	if current.IsTerminal() {
		return "", fmt.Errorf("%w: cannot take %s on %s ndr", ErrPolicyViolation, action, current)
	}
	if current.IsRTO() {
		return "", fmt.Errorf("%w: return to origin already in progress (status %s)", ErrPolicyViolation, current)
	}
	if action == ActionRTO {
		return StatusRTOInitiated, nil
	}
	return StatusReattemptScheduled, nil
}

func overrideTransition(current Status, target Status) (Status, error) {
	if !target.IsValid() {
		return "", fmt.Errorf("%w: invalid target status %q", ErrValidation, target)
	}
	if current.IsTerminal() {
		return "", fmt.Errorf("%w: %s ndr can only be reopened", ErrPolicyViolation, current)
	}
	if target == StatusNewNDR && current != StatusNewNDR {
		return "", fmt.Errorf("%w: %s is the initial state only", ErrPolicyViolation, StatusNewNDR)
	}
	if target == StatusClosed && !current.IsResolved() {
		return "", fmt.Errorf("%w: cannot close ndr from %s; resolve it first", ErrPolicyViolation, current)
	}
	if current.IsRTO() && !target.IsRTO() {
		return "", fmt.Errorf("%w: cannot leave return to origin for %s", ErrPolicyViolation, target)
	}
	if rank, ok := rtoRank[target]; ok && rank < rtoRank[current] {
		return "", fmt.Errorf("%w: return to origin cannot move back to %s", ErrPolicyViolation, target)
	}
	return target, nil
}
