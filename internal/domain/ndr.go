package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxPolicyAttempts is the highest attempt count for which a reattempt can still be authorized.
const MaxPolicyAttempts = 2

// ActionEntry is one immutable record in an NDR's action history.
// Only ExternalStatus is ever updated after the entry is written.
type ActionEntry struct {
	ID                    string
	Kind                  EntryKind
	Timestamp             time.Time
	ExternalCorrelationID string
	ExternalStatus        string
	Remarks               string
	EventKey              string
	FromStatus            Status
	ToStatus              Status
}

// CustomerResponse is the latest answer received from the consignee.
type CustomerResponse struct {
	ReceivedAt     time.Time
	Channel        string
	Preference     Preference
	UpdatedAddress string
	UpdatedPhone   string
}

type Metrics struct {
	DaysInNDR     int
	TotalAttempts int
	ReopenedCount int
}

type RTOInfo struct {
	Status        string
	InitiatedDate *time.Time
	Reason        string
}

// NDR is the single aggregate owning the non-delivery lifecycle of one waybill.
type NDR struct {
	ID               string
	Waybill          string
	OrderReference   string
	ReasonCode       string
	Status           Status
	ResolutionAction *ResolutionAction
	AttemptCount     int
	NextAttemptDate  *time.Time
	ActionHistory    []ActionEntry
	CustomerResponse *CustomerResponse
	Metrics          Metrics
	RTOInfo          *RTOInfo
	LastRawStatus    string
	Version          int64
	OpenedAt         time.Time
	ResolvedAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time

	uncommitted []ActionEntry
}

// NewNDR builds a fresh aggregate in the initial state.
func NewNDR(waybill, orderReference, reasonCode string, now time.Time) (*NDR, error) {
	waybill = strings.TrimSpace(waybill)
	if waybill == "" {
		return nil, fmt.Errorf("%w: waybill is required", ErrValidation)
	}

	now = now.UTC()
	return &NDR{
		ID:             uuid.NewString(),
		Waybill:        waybill,
		OrderReference: strings.TrimSpace(orderReference),
		ReasonCode:     NormalizeReasonCode(reasonCode),
		Status:         StatusNewNDR,
		OpenedAt:       now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Apply runs ev through the state machine and appends exactly one history entry.
// On error the aggregate is left untouched.
func (n *NDR) Apply(ev Event, at time.Time) (ActionEntry, error) {
	next, err := Transition(n.Status, ev)
	if err != nil {
		return ActionEntry{}, err
	}

	at = at.UTC()
	entry := ActionEntry{
		ID:                    uuid.NewString(),
		Kind:                  ev.EntryKind(),
		Timestamp:             at,
		ExternalCorrelationID: ev.CorrelationID,
		ExternalStatus:        ev.ExternalStatus,
		Remarks:               ev.Remarks,
		EventKey:              ev.Key,
		FromStatus:            n.Status,
		ToStatus:              next,
	}

	if ev.Type == EventReopen {
		n.Metrics.ReopenedCount++
		n.ResolvedAt = nil
	}
	if next.IsTerminal() && !n.Status.IsTerminal() {
		n.ResolvedAt = &at
	}

	n.Status = next
	n.ActionHistory = append(n.ActionHistory, entry)
	n.uncommitted = append(n.uncommitted, entry)
	n.UpdatedAt = at
	n.Metrics.DaysInNDR = n.DaysInNDR(at)

	return entry, nil
}

// RecordAttempt counts one failed delivery attempt and schedules the next one.
func (n *NDR) RecordAttempt(at time.Time) {
	n.AttemptCount++
	n.Metrics.TotalAttempts++
	n.ScheduleNextAttempt(at)
}

// ScheduleNextAttempt sets the advisory next attempt date to the following day.
func (n *NDR) ScheduleNextAttempt(at time.Time) {
	next := StartOfDay(at).AddDate(0, 0, 1)
	n.NextAttemptDate = &next
}

// HasEvent reports whether an entry with the given dedupe key was already recorded.
func (n *NDR) HasEvent(key string) bool {
	if key == "" {
		return false
	}
	for i := range n.ActionHistory {
		if n.ActionHistory[i].EventKey == key {
			return true
		}
	}
	return false
}

// DaysInNDR counts whole days the NDR has been open, frozen once it resolves.
func (n *NDR) DaysInNDR(now time.Time) int {
	end := now
	if n.ResolvedAt != nil {
		end = *n.ResolvedAt
	}
	if end.Before(n.OpenedAt) {
		return 0
	}
	return int(end.Sub(n.OpenedAt).Hours() / 24)
}

// SetResolution records the chosen resolution.
func (n *NDR) SetResolution(r ResolutionAction) {
	n.ResolutionAction = &r
}

// Uncommitted returns entries appended since the aggregate was loaded.
func (n *NDR) Uncommitted() []ActionEntry {
	return n.uncommitted
}

// MarkCommitted clears the uncommitted entries after a successful write.
func (n *NDR) MarkCommitted() {
	n.uncommitted = nil
}

// Clone returns a deep copy safe to mutate independently.
func (n *NDR) Clone() *NDR {
	if n == nil {
		return nil
	}

	c := *n
	c.ActionHistory = append([]ActionEntry(nil), n.ActionHistory...)
	c.uncommitted = append([]ActionEntry(nil), n.uncommitted...)
	if n.ResolutionAction != nil {
		r := *n.ResolutionAction
		c.ResolutionAction = &r
	}
	if n.NextAttemptDate != nil {
		d := *n.NextAttemptDate
		c.NextAttemptDate = &d
	}
	if n.CustomerResponse != nil {
		cr := *n.CustomerResponse
		c.CustomerResponse = &cr
	}
	if n.RTOInfo != nil {
		info := *n.RTOInfo
		if n.RTOInfo.InitiatedDate != nil {
			d := *n.RTOInfo.InitiatedDate
			info.InitiatedDate = &d
		}
		c.RTOInfo = &info
	}
	if n.ResolvedAt != nil {
		r := *n.ResolvedAt
		c.ResolvedAt = &r
	}
	return &c
}

// NormalizeReasonCode is the stored form of a carrier reason code. List
// filters compare against it.
func NormalizeReasonCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// StartOfDay truncates t to midnight UTC.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
