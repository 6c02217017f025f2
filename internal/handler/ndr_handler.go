package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/ndr-engine/internal/domain"
	"github.com/kursadbilgin/ndr-engine/internal/repository"
	"github.com/kursadbilgin/ndr-engine/internal/service"
)

const (
	defaultPage     = 1
	defaultPageSize = 50
	maxPageSize     = 100
)

type NDRService interface {
	UpdateStatus(ctx context.Context, waybill string, in service.UpdateStatusInput) (*domain.NDR, error)
	RecordAttempt(ctx context.Context, waybill string, in service.AttemptInput) (*domain.NDR, error)
	RecordCommunication(ctx context.Context, waybill string, in service.CommunicationInput) (*domain.NDR, error)
	UpdateCustomerResponse(ctx context.Context, waybill string, in service.CustomerResponseInput) (*domain.NDR, error)
	AddNote(ctx context.Context, waybill, note string) (*domain.NDR, error)
	Reopen(ctx context.Context, waybill, reason string) (*domain.NDR, error)
	RefreshTracking(ctx context.Context, waybill string) (*service.IngestResult, error)
	Get(ctx context.Context, waybill string) (*domain.NDR, error)
	List(ctx context.Context, params repository.ListParams) ([]domain.NDR, int64, error)
}

type ActionDispatcher interface {
	Dispatch(ctx context.Context, waybill string, action domain.Action, reason string) (*service.DispatchResult, error)
	InitiateRTO(ctx context.Context, waybill, reason string) (*service.DispatchResult, error)
	DispatchBulk(ctx context.Context, ids []string, action domain.Action, reason string) ([]service.BulkOutcome, error)
	Reconcile(ctx context.Context, correlationID, status string, waybills []string) (int64, error)
}

type StatsReader interface {
	Overview(ctx context.Context, periodDays int) (*service.Overview, error)
	EscalationCandidates(ctx context.Context, thresholdDays, limit int) ([]domain.NDR, error)
}

type NDRHandler struct {
	ndrs       NDRService
	dispatcher ActionDispatcher
	stats      StatsReader
}

func NewNDRHandler(ndrs NDRService, dispatcher ActionDispatcher, stats StatsReader) (*NDRHandler, error) {
	if ndrs == nil {
		return nil, fmt.Errorf("ndr service is required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("action dispatcher is required")
	}
	if stats == nil {
		return nil, fmt.Errorf("stats reader is required")
	}
	return &NDRHandler{ndrs: ndrs, dispatcher: dispatcher, stats: stats}, nil
}

func RegisterNDRRoutes(router fiber.Router, ndrs NDRService, dispatcher ActionDispatcher, stats StatsReader) error {
	h, err := NewNDRHandler(ndrs, dispatcher, stats)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Get("/ndrs", h.ListNDRs)
	v1.Get("/ndrs/stats/overview", h.StatsOverview)
	v1.Get("/ndrs/stats/escalations", h.EscalationCandidates)
	v1.Post("/ndrs/bulk-action", h.BulkAction)
	v1.Post("/ndrs/reconcile", h.Reconcile)
	v1.Get("/ndrs/:waybill", h.GetNDR)
	v1.Patch("/ndrs/:waybill/status", h.UpdateStatus)
	v1.Post("/ndrs/:waybill/attempts", h.RecordAttempt)
	v1.Post("/ndrs/:waybill/communications", h.RecordCommunication)
	v1.Post("/ndrs/:waybill/rto", h.InitiateRTO)
	v1.Put("/ndrs/:waybill/customer-response", h.UpdateCustomerResponse)
	v1.Post("/ndrs/:waybill/notes", h.AddNote)
	v1.Post("/ndrs/:waybill/reopen", h.Reopen)
	v1.Post("/ndrs/:waybill/actions", h.TakeAction)
	v1.Post("/ndrs/:waybill/track", h.RefreshTracking)

	return nil
}

type updateStatusRequest struct {
	Status           string `json:"status"`
	ResolutionAction string `json:"resolutionAction"`
	Notes            string `json:"notes"`
}

type recordAttemptRequest struct {
	ReasonCode     string `json:"reasonCode"`
	OrderReference string `json:"orderReference"`
	Remarks        string `json:"remarks"`
}

type communicationRequest struct {
	Channel string `json:"channel"`
	Outcome string `json:"outcome"`
	Notes   string `json:"notes"`
}

type customerResponseRequest struct {
	Preference     string `json:"preference"`
	Channel        string `json:"channel"`
	UpdatedAddress string `json:"updatedAddress"`
	UpdatedPhone   string `json:"updatedPhone"`
	Remarks        string `json:"remarks"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type noteRequest struct {
	Note string `json:"note"`
}

type actionRequest struct {
	Action string `json:"action"`
	Reason string `json:"reason"`
}

type bulkActionRequest struct {
	IDs    []string `json:"ids"`
	Action string   `json:"action"`
	Reason string   `json:"reason"`
}

type reconcileRequest struct {
	CorrelationID string   `json:"correlationId"`
	Status        string   `json:"status"`
	Waybills      []string `json:"waybills"`
}

type actionResponse struct {
	CorrelationID string      `json:"correlationId"`
	NDR           ndrResponse `json:"ndr"`
}

type bulkActionResponse struct {
	Action    string                `json:"action"`
	Total     int                   `json:"total"`
	Succeeded int                   `json:"succeeded"`
	Failed    int                   `json:"failed"`
	Results   []service.BulkOutcome `json:"results"`
}

type listNDRsResponse struct {
	Data []ndrResponse `json:"data"`
	Meta listMeta      `json:"meta"`
}

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

func (h *NDRHandler) ListNDRs(c *fiber.Ctx) error {
	params, err := parseListParams(c)
	if err != nil {
		return err
	}

	items, total, err := h.ndrs.List(c.UserContext(), params)
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusOK).JSON(listNDRsResponse{
		Data: toNDRResponses(items),
		Meta: listMeta{Page: params.Page, PageSize: params.PageSize, Total: total},
	})
}

func (h *NDRHandler) GetNDR(c *fiber.Ctx) error {
	n, err := h.ndrs.Get(c.UserContext(), c.Params("waybill"))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(toNDRResponse(n))
}

func (h *NDRHandler) UpdateStatus(c *fiber.Ctx) error {
	var req updateStatusRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	n, err := h.ndrs.UpdateStatus(c.UserContext(), c.Params("waybill"), service.UpdateStatusInput{
		Status:           req.Status,
		ResolutionAction: req.ResolutionAction,
		Notes:            req.Notes,
	})
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(toNDRResponse(n))
}

func (h *NDRHandler) RecordAttempt(c *fiber.Ctx) error {
	var req recordAttemptRequest
	if err := parseOptionalBody(c, &req); err != nil {
		return err
	}

	n, err := h.ndrs.RecordAttempt(c.UserContext(), c.Params("waybill"), service.AttemptInput{
		ReasonCode:     req.ReasonCode,
		OrderReference: req.OrderReference,
		Remarks:        req.Remarks,
	})
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(toNDRResponse(n))
}

func (h *NDRHandler) RecordCommunication(c *fiber.Ctx) error {
	var req communicationRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	n, err := h.ndrs.RecordCommunication(c.UserContext(), c.Params("waybill"), service.CommunicationInput{
		Channel: req.Channel,
		Outcome: req.Outcome,
		Notes:   req.Notes,
	})
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(toNDRResponse(n))
}

func (h *NDRHandler) InitiateRTO(c *fiber.Ctx) error {
	var req reasonRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	result, err := h.dispatcher.InitiateRTO(c.UserContext(), c.Params("waybill"), req.Reason)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(actionResponse{
		CorrelationID: result.CorrelationID,
		NDR:           toNDRResponse(result.NDR),
	})
}

// UpdateCustomerResponse accepts only the customer response fields; anything else is rejected.
func (h *NDRHandler) UpdateCustomerResponse(c *fiber.Ctx) error {
	var req customerResponseRequest
	dec := json.NewDecoder(bytes.NewReader(c.Body()))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return fmt.Errorf("%w: invalid customer response: %v", domain.ErrValidation, err)
	}

	n, err := h.ndrs.UpdateCustomerResponse(c.UserContext(), c.Params("waybill"), service.CustomerResponseInput{
		Preference:     req.Preference,
		Channel:        req.Channel,
		UpdatedAddress: req.UpdatedAddress,
		UpdatedPhone:   req.UpdatedPhone,
		Remarks:        req.Remarks,
	})
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(toNDRResponse(n))
}

func (h *NDRHandler) AddNote(c *fiber.Ctx) error {
	var req noteRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	n, err := h.ndrs.AddNote(c.UserContext(), c.Params("waybill"), req.Note)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(toNDRResponse(n))
}

func (h *NDRHandler) Reopen(c *fiber.Ctx) error {
	var req reasonRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	n, err := h.ndrs.Reopen(c.UserContext(), c.Params("waybill"), req.Reason)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(toNDRResponse(n))
}

func (h *NDRHandler) TakeAction(c *fiber.Ctx) error {
	var req actionRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	action, err := domain.ParseActionFromString(req.Action)
	if err != nil {
		return err
	}

	result, err := h.dispatcher.Dispatch(c.UserContext(), c.Params("waybill"), action, req.Reason)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(actionResponse{
		CorrelationID: result.CorrelationID,
		NDR:           toNDRResponse(result.NDR),
	})
}

func (h *NDRHandler) RefreshTracking(c *fiber.Ctx) error {
	result, err := h.ndrs.RefreshTracking(c.UserContext(), c.Params("waybill"))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(toIngestResponse(result))
}

// BulkAction always answers 200; item failures are reported per result.
func (h *NDRHandler) BulkAction(c *fiber.Ctx) error {
	var req bulkActionRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	action, err := domain.ParseActionFromString(req.Action)
	if err != nil {
		return err
	}

	outcomes, err := h.dispatcher.DispatchBulk(c.UserContext(), req.IDs, action, req.Reason)
	if err != nil {
		return err
	}

	resp := bulkActionResponse{Action: action.String(), Total: len(outcomes), Results: outcomes}
	for _, o := range outcomes {
		if o.Success {
			resp.Succeeded++
		} else {
			resp.Failed++
		}
	}
	return c.Status(fiber.StatusOK).JSON(resp)
}

func (h *NDRHandler) Reconcile(c *fiber.Ctx) error {
	var req reconcileRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	changed, err := h.dispatcher.Reconcile(c.UserContext(), req.CorrelationID, req.Status, req.Waybills)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"correlationId": strings.TrimSpace(req.CorrelationID),
		"changed":       changed,
	})
}

func (h *NDRHandler) StatsOverview(c *fiber.Ctx) error {
	periodDays, err := queryInt(c, "periodDays", service.DefaultStatsPeriodDays)
	if err != nil {
		return err
	}

	overview, err := h.stats.Overview(c.UserContext(), periodDays)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(overview)
}

func (h *NDRHandler) EscalationCandidates(c *fiber.Ctx) error {
	thresholdDays, err := queryInt(c, "thresholdDays", service.DefaultEscalationThresholdDays)
	if err != nil {
		return err
	}
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		return err
	}

	items, err := h.stats.EscalationCandidates(c.UserContext(), thresholdDays, limit)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"thresholdDays": thresholdDays,
		"data":          toNDRResponses(items),
	})
}

func parseBody(c *fiber.Ctx, out any) error {
	if err := c.BodyParser(out); err != nil {
		return fmt.Errorf("%w: invalid request body", domain.ErrValidation)
	}
	return nil
}

func parseOptionalBody(c *fiber.Ctx, out any) error {
	if len(bytes.TrimSpace(c.Body())) == 0 {
		return nil
	}
	return parseBody(c, out)
}

func parseListParams(c *fiber.Ctx) (repository.ListParams, error) {
	page, err := queryInt(c, "page", defaultPage)
	if err != nil {
		return repository.ListParams{}, err
	}
	limit, err := queryInt(c, "limit", defaultPageSize)
	if err != nil {
		return repository.ListParams{}, err
	}
	if page < 1 {
		return repository.ListParams{}, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if limit < 1 || limit > maxPageSize {
		return repository.ListParams{}, fmt.Errorf("%w: limit must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}

	params := repository.ListParams{
		ReasonCode: strings.TrimSpace(c.Query("reason")),
		Search:     strings.TrimSpace(c.Query("search")),
		Page:       page,
		PageSize:   limit,
	}

	if rawStatus := strings.TrimSpace(c.Query("status")); rawStatus != "" {
		status, err := domain.ParseStatusFromString(rawStatus)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Status = &status
	}

	if params.MinAttempts, err = optionalQueryInt(c, "minAttempts"); err != nil {
		return repository.ListParams{}, err
	}
	if params.MaxAttempts, err = optionalQueryInt(c, "maxAttempts"); err != nil {
		return repository.ListParams{}, err
	}
	if params.From, err = parseRFC3339Query(c.Query("from"), "from"); err != nil {
		return repository.ListParams{}, err
	}
	if params.To, err = parseRFC3339Query(c.Query("to"), "to"); err != nil {
		return repository.ListParams{}, err
	}

	return params, nil
}

func queryInt(c *fiber.Ctx, key string, fallback int) (int, error) {
	v, err := optionalQueryInt(c, key)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return fallback, nil
	}
	return *v, nil
}

func optionalQueryInt(c *fiber.Ctx, key string) (*int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be an integer", domain.ErrValidation, key)
	}
	return &v, nil
}

func parseRFC3339Query(value string, field string) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC3339", domain.ErrValidation, field)
	}
	return &t, nil
}
