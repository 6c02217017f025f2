package domain

import (
	"fmt"
	"strings"
)

// Status is the workflow state of an NDR.
type Status string

const (
	StatusNewNDR                  Status = "new_ndr"
	StatusCustomerContacted       Status = "customer_contacted"
	StatusReattemptScheduled      Status = "reattempt_scheduled"
	StatusCustomerResponsePending Status = "customer_response_pending"
	StatusAddressUpdated          Status = "address_updated"
	StatusPaymentUpdated          Status = "payment_updated"
	StatusCustomerPickup          Status = "customer_pickup"
	StatusDelivered               Status = "delivered"
	StatusRTOInitiated            Status = "rto_initiated"
	StatusRTOInTransit            Status = "rto_in_transit"
	StatusRTODelivered            Status = "rto_delivered"
	StatusClosed                  Status = "closed"
)

// AllStatuses lists every workflow state in lifecycle order.
var AllStatuses = []Status{
	StatusNewNDR,
	StatusCustomerContacted,
	StatusReattemptScheduled,
	StatusCustomerResponsePending,
	StatusAddressUpdated,
	StatusPaymentUpdated,
	StatusCustomerPickup,
	StatusDelivered,
	StatusRTOInitiated,
	StatusRTOInTransit,
	StatusRTODelivered,
	StatusClosed,
}

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

func (s Status) IsTerminal() bool {
	switch s {
	case StatusDelivered, StatusRTODelivered, StatusClosed:
		return true
	}
	return false
}

// IsRTO reports whether the NDR is on its way back to origin.
func (s Status) IsRTO() bool {
	switch s {
	case StatusRTOInitiated, StatusRTOInTransit, StatusRTODelivered:
		return true
	}
	return false
}

// IsResolved reports whether a resolution has been agreed and the NDR may be closed.
func (s Status) IsResolved() bool {
	switch s {
	case StatusReattemptScheduled, StatusAddressUpdated, StatusPaymentUpdated, StatusCustomerPickup:
		return true
	}
	return false
}

// TerminalStatuses returns the states an NDR cannot leave without a reopen.
func TerminalStatuses() []Status {
	return []Status{StatusDelivered, StatusRTODelivered, StatusClosed}
}

func ParseStatusFromString(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

// CanonicalStatus is the carrier-independent shipment status.
type CanonicalStatus string

const (
	CanonicalInTransit      CanonicalStatus = "in_transit"
	CanonicalOutForDelivery CanonicalStatus = "out_for_delivery"
	CanonicalDelivered      CanonicalStatus = "delivered"
	CanonicalNDR            CanonicalStatus = "ndr"
	CanonicalRTO            CanonicalStatus = "rto"
	CanonicalLost           CanonicalStatus = "lost"
	CanonicalCancelled      CanonicalStatus = "cancelled"
)

func (c CanonicalStatus) String() string { return string(c) }

// RTOPhase narrows an RTO-class carrier status to a workflow step.
type RTOPhase string

const (
	RTOPhaseUnknown   RTOPhase = ""
	RTOPhaseInitiated RTOPhase = "initiated"
	RTOPhaseInTransit RTOPhase = "in_transit"
	RTOPhaseDelivered RTOPhase = "delivered"
)

// Action is a remediation request sent to the carrier.
type Action string

const (
	ActionReattempt        Action = "RE-ATTEMPT"
	ActionPickupReschedule Action = "PICKUP_RESCHEDULE"
	ActionRTO              Action = "RTO"
)

func (a Action) String() string { return string(a) }

func (a Action) IsValid() bool {
	switch a {
	case ActionReattempt, ActionPickupReschedule, ActionRTO:
		return true
	}
	return false
}

// IsReattemptClass reports whether the action asks the carrier to try again.
func (a Action) IsReattemptClass() bool {
	return a == ActionReattempt || a == ActionPickupReschedule
}

func ParseActionFromString(s string) (Action, error) {
	normalized := strings.ToUpper(strings.TrimSpace(s))
	switch normalized {
	case "REATTEMPT", "RE_ATTEMPT":
		normalized = string(ActionReattempt)
	case "PICKUP-RESCHEDULE":
		normalized = string(ActionPickupReschedule)
	}
	a := Action(normalized)
	if !a.IsValid() {
		return "", fmt.Errorf("%w: invalid action %q", ErrValidation, s)
	}
	return a, nil
}

// ResolutionAction is the resolution chosen for an NDR.
type ResolutionAction string

const (
	ResolutionReattempt ResolutionAction = "reattempt"
	ResolutionRTO       ResolutionAction = "rto"
	ResolutionNone      ResolutionAction = "none"
)

func (r ResolutionAction) String() string { return string(r) }

func (r ResolutionAction) IsValid() bool {
	switch r {
	case ResolutionReattempt, ResolutionRTO, ResolutionNone:
		return true
	}
	return false
}

func ParseResolutionActionFromString(s string) (ResolutionAction, error) {
	r := ResolutionAction(strings.ToLower(strings.TrimSpace(s)))
	if !r.IsValid() {
		return "", fmt.Errorf("%w: invalid resolution action %q", ErrValidation, s)
	}
	return r, nil
}

// ResolutionFor returns the resolution implied by a remediation action.
func ResolutionFor(a Action) ResolutionAction {
	if a == ActionRTO {
		return ResolutionRTO
	}
	return ResolutionReattempt
}

// Preference is the customer's requested outcome.
type Preference string

const (
	PreferenceReattempt      Preference = "reattempt"
	PreferenceReschedule     Preference = "reschedule"
	PreferenceChangeAddress  Preference = "change_address"
	PreferenceCustomerPickup Preference = "customer_pickup"
	PreferenceCancelOrder    Preference = "cancel_order"
)

func (p Preference) IsValid() bool {
	switch p {
	case PreferenceReattempt, PreferenceReschedule, PreferenceChangeAddress, PreferenceCustomerPickup, PreferenceCancelOrder:
		return true
	}
	return false
}

func ParsePreferenceFromString(s string) (Preference, error) {
	p := Preference(strings.ToLower(strings.TrimSpace(s)))
	if !p.IsValid() {
		return "", fmt.Errorf("%w: invalid preference %q", ErrValidation, s)
	}
	return p, nil
}

// EntryKind labels an action history entry.
type EntryKind string

const (
	EntryWebhook          EntryKind = "webhook"
	EntryReattempt        EntryKind = "reattempt"
	EntryPickupReschedule EntryKind = "pickup_reschedule"
	EntryRTO              EntryKind = "rto"
	EntryCustomerResponse EntryKind = "customer_response"
	EntryCommunication    EntryKind = "communication"
	EntryDeliveryAttempt  EntryKind = "delivery_attempt"
	EntryStatusUpdate     EntryKind = "status_update"
	EntryNote             EntryKind = "note"
	EntrySystem           EntryKind = "system"
)

func (k EntryKind) String() string { return string(k) }

// ExternalStatusPending marks a carrier request whose outcome is not yet known.
const ExternalStatusPending = "PENDING"
