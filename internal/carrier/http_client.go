package carrier

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/ndr-engine/internal/domain"
)

const defaultCarrierTimeout = 30 * time.Second

const (
	opTrackShipment = "track_shipment"
	opTakeNDRAction = "take_ndr_action"
	opGetNDRStatus  = "get_ndr_status"
	opBulkNDRAction = "bulk_ndr_action"
)

type ndrActionRequest struct {
	Waybill string `json:"waybill"`
	Action  string `json:"action"`
	Reason  string `json:"reason,omitempty"`
}

type bulkActionRequest struct {
	Waybills []string `json:"waybills"`
	Action   string   `json:"action"`
}

type actionResponse struct {
	Success        bool   `json:"success"`
	RequestID      string `json:"request_id"`
	ProcessedCount int    `json:"processed_count"`
	Error          string `json:"error"`
}

type statusResponse struct {
	Status   string   `json:"status"`
	Waybills []string `json:"waybills"`
}

// HTTPClient talks to the carrier REST API. Retries are left to the caller.
type HTTPClient struct {
	client  *resty.Client
	baseURL string
}

func NewHTTPClient(baseURL, token string, timeout time.Duration) (*HTTPClient, error) {
	client := resty.New()
	if timeout <= 0 {
		timeout = defaultCarrierTimeout
	}
	client.SetTimeout(timeout)
	if strings.TrimSpace(token) != "" {
		client.SetHeader("Authorization", "Token "+strings.TrimSpace(token))
	}

	return NewHTTPClientWithClient(baseURL, client)
}

func NewHTTPClientWithClient(baseURL string, client *resty.Client) (*HTTPClient, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("carrier base url is required")
	}
	if _, err := url.ParseRequestURI(trimmed); err != nil {
		return nil, fmt.Errorf("invalid carrier base url: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultCarrierTimeout)
	}
	client.SetRetryCount(0)
	client.SetHeader("Content-Type", "application/json")

	return &HTTPClient{
		client:  client,
		baseURL: trimmed,
	}, nil
}

func (c *HTTPClient) TrackShipment(ctx context.Context, waybill string) (*Tracking, error) {
	var out Tracking
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("waybill", waybill).
		SetResult(&out).
		Get(c.baseURL + "/v1/shipments/{waybill}/track")
	if err := checkResponse(opTrackShipment, resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) TakeNDRAction(ctx context.Context, waybill string, action domain.Action, reason string) (*ActionResult, error) {
	var out actionResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(ndrActionRequest{Waybill: waybill, Action: action.String(), Reason: reason}).
		SetResult(&out).
		Post(c.baseURL + "/v1/ndr/actions")
	if err := checkResponse(opTakeNDRAction, resp, err); err != nil {
		return nil, err
	}
	if err := checkAction(opTakeNDRAction, out); err != nil {
		return nil, err
	}
	return &ActionResult{RequestID: out.RequestID}, nil
}

func (c *HTTPClient) GetNDRStatus(ctx context.Context, correlationID string) (*NDRStatus, error) {
	var out statusResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("requestId", correlationID).
		SetResult(&out).
		Get(c.baseURL + "/v1/ndr/status/{requestId}")
	if err := checkResponse(opGetNDRStatus, resp, err); err != nil {
		return nil, err
	}
	return &NDRStatus{Status: out.Status, Waybills: out.Waybills}, nil
}

func (c *HTTPClient) BulkNDRAction(ctx context.Context, waybills []string, action domain.Action) (*BulkResult, error) {
	var out actionResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(bulkActionRequest{Waybills: waybills, Action: action.String()}).
		SetResult(&out).
		Post(c.baseURL + "/v1/ndr/bulk-actions")
	if err := checkResponse(opBulkNDRAction, resp, err); err != nil {
		return nil, err
	}
	if err := checkAction(opBulkNDRAction, out); err != nil {
		return nil, err
	}
	return &BulkResult{RequestID: out.RequestID, ProcessedCount: out.ProcessedCount}, nil
}

func checkResponse(op string, response *resty.Response, err error) error {
	if err != nil {
		return requestFailed(op, err)
	}
	if response == nil {
		return &CarrierError{Operation: op, Message: "empty response", Transient: true}
	}

	statusCode := response.StatusCode()
	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return nil
	}
	return unexpectedStatus(op, statusCode, response.String())
}

func checkAction(op string, out actionResponse) error {
	if !out.Success {
		return rejected(op, out.Error)
	}
	if strings.TrimSpace(out.RequestID) == "" {
		return &CarrierError{Operation: op, Message: "response is missing request_id"}
	}
	return nil
}
