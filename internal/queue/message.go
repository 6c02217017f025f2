package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/ndr-engine/internal/domain"
)

// NDRStatusMessage tells the order side the current NDR state of a waybill so
// it can keep its denormalized flag in step.
type NDRStatusMessage struct {
	NDRID          string        `json:"ndrId"`
	Waybill        string        `json:"waybill"`
	OrderReference string        `json:"orderReference,omitempty"`
	Status         domain.Status `json:"status"`
	PreviousStatus domain.Status `json:"previousStatus,omitempty"`
	OpenNDR        bool          `json:"openNdr"`
	Version        int64         `json:"version"`
	OccurredAt     time.Time     `json:"occurredAt"`
	CorrelationID  string        `json:"correlationId,omitempty"`
}

func NewNDRStatusMessage(n *domain.NDR, previous domain.Status) NDRStatusMessage {
	return NDRStatusMessage{
		NDRID:          n.ID,
		Waybill:        n.Waybill,
		OrderReference: n.OrderReference,
		Status:         n.Status,
		PreviousStatus: previous,
		OpenNDR:        !n.Status.IsTerminal(),
		Version:        n.Version,
		OccurredAt:     n.UpdatedAt,
	}
}

func (m NDRStatusMessage) Validate() error {
	if strings.TrimSpace(m.Waybill) == "" {
		return fmt.Errorf("waybill is required")
	}
	if !m.Status.IsValid() {
		return fmt.Errorf("invalid status %q", m.Status)
	}
	return nil
}
