// Package carrier is the outbound port to the carrier's tracking and NDR API.
package carrier

import (
	"context"
	"time"

	"github.com/kursadbilgin/ndr-engine/internal/domain"
)

type Scan struct {
	Date         time.Time `json:"date"`
	Location     string    `json:"location"`
	Status       string    `json:"status"`
	Instructions string    `json:"instructions"`
	ReasonCode   string    `json:"reason_code,omitempty"`
}

type Tracking struct {
	Status string `json:"status"`
	Scans  []Scan `json:"scans"`
}

type ActionResult struct {
	RequestID string
}

type NDRStatus struct {
	Status   string
	Waybills []string
}

type BulkResult struct {
	RequestID      string
	ProcessedCount int
}

// Client is the carrier API surface used by the NDR services.
type Client interface {
	TrackShipment(ctx context.Context, waybill string) (*Tracking, error)
	TakeNDRAction(ctx context.Context, waybill string, action domain.Action, reason string) (*ActionResult, error)
	GetNDRStatus(ctx context.Context, correlationID string) (*NDRStatus, error)
	BulkNDRAction(ctx context.Context, waybills []string, action domain.Action) (*BulkResult, error)
}

// TrackingEvent is the status push the carrier delivers over the webhook and
// the tracking queue, at least once.
type TrackingEvent struct {
	Waybill          string     `json:"waybill"`
	Status           string     `json:"status"`
	ExpectedDelivery *time.Time `json:"expected_delivery,omitempty"`
	Scans            []Scan     `json:"scans"`
	ReasonCode       string     `json:"reason_code,omitempty"`
	OrderReference   string     `json:"order_reference,omitempty"`
}

// LastScan returns the most recent scan by date, or nil when there are none.
func (e TrackingEvent) LastScan() *Scan {
	var last *Scan
	for i := range e.Scans {
		if last == nil || e.Scans[i].Date.After(last.Date) {
			last = &e.Scans[i]
		}
	}
	return last
}

// EffectiveReasonCode prefers the top-level code and falls back to the latest scan's.
func (e TrackingEvent) EffectiveReasonCode() string {
	if e.ReasonCode != "" {
		return e.ReasonCode
	}
	if last := e.LastScan(); last != nil {
		return last.ReasonCode
	}
	return ""
}
