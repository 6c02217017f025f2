package handler

import (
	"time"

	"github.com/kursadbilgin/ndr-engine/internal/domain"
	"github.com/kursadbilgin/ndr-engine/internal/service"
)

type ndrResponse struct {
	ID               string                    `json:"id"`
	Waybill          string                    `json:"waybill"`
	OrderReference   string                    `json:"orderReference,omitempty"`
	ReasonCode       string                    `json:"reasonCode,omitempty"`
	Status           string                    `json:"status"`
	OpenNDR          bool                      `json:"openNdr"`
	ResolutionAction *string                   `json:"resolutionAction,omitempty"`
	AttemptCount     int                       `json:"attemptCount"`
	NextAttemptDate  *time.Time                `json:"nextAttemptDate,omitempty"`
	ActionHistory    []actionEntryResponse     `json:"actionHistory,omitempty"`
	CustomerResponse *customerResponseResponse `json:"customerResponse,omitempty"`
	Metrics          metricsResponse           `json:"metrics"`
	RTOInfo          *rtoInfoResponse          `json:"rtoInfo,omitempty"`
	LastRawStatus    string                    `json:"lastRawStatus,omitempty"`
	Version          int64                     `json:"version"`
	OpenedAt         time.Time                 `json:"openedAt"`
	ResolvedAt       *time.Time                `json:"resolvedAt,omitempty"`
	CreatedAt        time.Time                 `json:"createdAt"`
	UpdatedAt        time.Time                 `json:"updatedAt"`
}

type actionEntryResponse struct {
	ID                    string    `json:"id"`
	Action                string    `json:"action"`
	Timestamp             time.Time `json:"timestamp"`
	ExternalCorrelationID string    `json:"externalCorrelationId,omitempty"`
	ExternalStatus        string    `json:"externalStatus,omitempty"`
	Remarks               string    `json:"remarks,omitempty"`
	FromStatus            string    `json:"fromStatus"`
	ToStatus              string    `json:"toStatus"`
}

type customerResponseResponse struct {
	ReceivedAt     time.Time `json:"receivedAt"`
	Channel        string    `json:"channel,omitempty"`
	Preference     string    `json:"preference"`
	UpdatedAddress string    `json:"updatedAddress,omitempty"`
	UpdatedPhone   string    `json:"updatedPhone,omitempty"`
}

type metricsResponse struct {
	DaysInNDR     int `json:"daysInNdr"`
	TotalAttempts int `json:"totalAttempts"`
	ReopenedCount int `json:"reopenedCount"`
}

type rtoInfoResponse struct {
	Status        string     `json:"rtoStatus,omitempty"`
	InitiatedDate *time.Time `json:"rtoInitiatedDate,omitempty"`
	Reason        string     `json:"rtoReason,omitempty"`
}

type ingestResponse struct {
	Outcome string       `json:"outcome"`
	NDR     *ndrResponse `json:"ndr,omitempty"`
}

func toNDRResponses(items []domain.NDR) []ndrResponse {
	responses := make([]ndrResponse, 0, len(items))
	for i := range items {
		responses = append(responses, toNDRResponse(&items[i]))
	}
	return responses
}

func toNDRResponse(n *domain.NDR) ndrResponse {
	if n == nil {
		return ndrResponse{}
	}

	resp := ndrResponse{
		ID:              n.ID,
		Waybill:         n.Waybill,
		OrderReference:  n.OrderReference,
		ReasonCode:      n.ReasonCode,
		Status:          n.Status.String(),
		OpenNDR:         !n.Status.IsTerminal(),
		AttemptCount:    n.AttemptCount,
		NextAttemptDate: n.NextAttemptDate,
		Metrics: metricsResponse{
			DaysInNDR:     n.Metrics.DaysInNDR,
			TotalAttempts: n.Metrics.TotalAttempts,
			ReopenedCount: n.Metrics.ReopenedCount,
		},
		LastRawStatus: n.LastRawStatus,
		Version:       n.Version,
		OpenedAt:      n.OpenedAt,
		ResolvedAt:    n.ResolvedAt,
		CreatedAt:     n.CreatedAt,
		UpdatedAt:     n.UpdatedAt,
	}

	if n.ResolutionAction != nil {
		r := n.ResolutionAction.String()
		resp.ResolutionAction = &r
	}
	if len(n.ActionHistory) > 0 {
		resp.ActionHistory = make([]actionEntryResponse, 0, len(n.ActionHistory))
		for _, e := range n.ActionHistory {
			resp.ActionHistory = append(resp.ActionHistory, actionEntryResponse{
				ID:                    e.ID,
				Action:                e.Kind.String(),
				Timestamp:             e.Timestamp,
				ExternalCorrelationID: e.ExternalCorrelationID,
				ExternalStatus:        e.ExternalStatus,
				Remarks:               e.Remarks,
				FromStatus:            e.FromStatus.String(),
				ToStatus:              e.ToStatus.String(),
			})
		}
	}
	if cr := n.CustomerResponse; cr != nil {
		resp.CustomerResponse = &customerResponseResponse{
			ReceivedAt:     cr.ReceivedAt,
			Channel:        cr.Channel,
			Preference:     string(cr.Preference),
			UpdatedAddress: cr.UpdatedAddress,
			UpdatedPhone:   cr.UpdatedPhone,
		}
	}
	if info := n.RTOInfo; info != nil {
		resp.RTOInfo = &rtoInfoResponse{
			Status:        info.Status,
			InitiatedDate: info.InitiatedDate,
			Reason:        info.Reason,
		}
	}

	return resp
}

func toIngestResponse(result *service.IngestResult) ingestResponse {
	resp := ingestResponse{Outcome: string(result.Outcome)}
	if result.NDR != nil {
		n := toNDRResponse(result.NDR)
		resp.NDR = &n
	}
	return resp
}
