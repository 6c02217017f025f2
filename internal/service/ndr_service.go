package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/ndr-engine/internal/carrier"
	"github.com/kursadbilgin/ndr-engine/internal/domain"
	"github.com/kursadbilgin/ndr-engine/internal/normalizer"
	"github.com/kursadbilgin/ndr-engine/internal/observability"
	"github.com/kursadbilgin/ndr-engine/internal/queue"
	"github.com/kursadbilgin/ndr-engine/internal/repository"
	"go.uber.org/zap"
)

type IngestOutcome string

const (
	IngestCreated   IngestOutcome = "created"
	IngestApplied   IngestOutcome = "applied"
	IngestDuplicate IngestOutcome = "duplicate"
	IngestIgnored   IngestOutcome = "ignored"
)

type IngestResult struct {
	Outcome IngestOutcome
	NDR     *domain.NDR
}

type UpdateStatusInput struct {
	Status           string
	ResolutionAction string
	Notes            string
}

type AttemptInput struct {
	ReasonCode     string
	OrderReference string
	Remarks        string
}

type CommunicationInput struct {
	Channel string
	Outcome string
	Notes   string
}

// CustomerResponseInput carries exactly the fields a customer response may change.
type CustomerResponseInput struct {
	Preference     string
	Channel        string
	UpdatedAddress string
	UpdatedPhone   string
	Remarks        string
}

type NDRServiceOptions struct {
	UpdateMaxRetries int
}

// NDRService owns ingestion, the commands on a single NDR and the point reads.
type NDRService struct {
	repo       repository.NDRRepository
	normalizer *normalizer.Normalizer
	tracker    carrier.Client
	writer     *aggregateWriter
	metrics    *observability.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

func NewNDRService(
	repo repository.NDRRepository,
	norm *normalizer.Normalizer,
	tracker carrier.Client,
	publisher queue.Publisher,
	metrics *observability.Metrics,
	opts NDRServiceOptions,
	logger *zap.Logger,
) (*NDRService, error) {
	if repo == nil {
		return nil, fmt.Errorf("ndr repository is required")
	}
	if norm == nil {
		norm = normalizer.NewDefault()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &NDRService{
		repo:       repo,
		normalizer: norm,
		tracker:    tracker,
		writer:     newAggregateWriter(repo, publisher, metrics, opts.UpdateMaxRetries, logger),
		metrics:    metrics,
		logger:     logger,
		now:        time.Now,
	}, nil
}

func (s *NDRService) clock() time.Time {
	return s.now().UTC()
}

// Ingest folds one carrier status push into the matching NDR. Replaying the
// same (waybill, status, last scan) tuple is a no-op.
func (s *NDRService) Ingest(ctx context.Context, ev carrier.TrackingEvent) (*IngestResult, error) {
	ev.Waybill = strings.TrimSpace(ev.Waybill)
	ev.Status = strings.TrimSpace(ev.Status)
	if ev.Waybill == "" {
		return nil, fmt.Errorf("%w: waybill is required", domain.ErrValidation)
	}
	if ev.Status == "" {
		return nil, fmt.Errorf("%w: status is required", domain.ErrValidation)
	}

	result, err := s.ingest(ctx, ev)
	if err != nil {
		s.metrics.IncWebhookEvent("failed")
		return nil, err
	}
	s.metrics.IncWebhookEvent(string(result.Outcome))

	log := observability.WithContextLogger(s.logger, ctx).With(
		zap.String("waybill", ev.Waybill),
		zap.String("rawStatus", ev.Status),
		zap.String("outcome", string(result.Outcome)),
	)
	if result.NDR != nil {
		log = log.With(zap.String("ndrId", result.NDR.ID), zap.String("status", result.NDR.Status.String()))
	}
	log.Info("tracking event ingested")

	return result, nil
}

func (s *NDRService) ingest(ctx context.Context, ev carrier.TrackingEvent) (*IngestResult, error) {
	canonical := s.normalizer.Normalize(ev.Status)
	trigger := s.normalizer.IsNDRTrigger(ev.Status)
	reasonCode := domain.NormalizeReasonCode(ev.EffectiveReasonCode())
	event := domain.Event{
		Type:      domain.EventWebhook,
		Canonical: canonical,
		RTOPhase:  s.normalizer.RTOPhase(ev.Status),
		Remarks:   ev.Status,
		Key:       EventKey(ev),
	}

	_, err := s.repo.GetByWaybill(ctx, ev.Waybill)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		if !trigger {
			return &IngestResult{Outcome: IngestIgnored}, nil
		}

		now := s.clock()
		n, err := domain.NewNDR(ev.Waybill, ev.OrderReference, reasonCode, now)
		if err != nil {
			return nil, err
		}
		if _, err := n.Apply(event, now); err != nil {
			return nil, err
		}
		n.RecordAttempt(now)
		n.LastRawStatus = ev.Status

		created, err := s.writer.create(ctx, n)
		if err != nil {
			return nil, err
		}
		if created {
			return &IngestResult{Outcome: IngestCreated, NDR: n}, nil
		}
		// Lost the creation race; fold into the winner below.
	case err != nil:
		return nil, fmt.Errorf("failed to load ndr: %w", err)
	}

	duplicate := false
	n, _, err := s.writer.mutate(ctx, byWaybill(s.repo, ev.Waybill), func(n *domain.NDR, now time.Time) error {
		if n.HasEvent(event.Key) {
			duplicate = true
			return errSkipWrite
		}
		duplicate = false

		wasTerminal := n.Status.IsTerminal()
		if _, err := n.Apply(event, now); err != nil {
			return err
		}
		if trigger && !wasTerminal {
			n.RecordAttempt(now)
			if reasonCode != "" {
				n.ReasonCode = reasonCode
			}
		}
		if canonical == domain.CanonicalRTO && n.Status.IsRTO() {
			markRTO(n, n.Status.String(), ev.Status, now)
		}
		n.LastRawStatus = ev.Status
		return nil
	})
	if err != nil {
		return nil, err
	}

	if duplicate {
		return &IngestResult{Outcome: IngestDuplicate, NDR: n}, nil
	}
	return &IngestResult{Outcome: IngestApplied, NDR: n}, nil
}

// EventKey is the replay key of a tracking event: waybill, raw status and the
// timestamp of the latest scan.
func EventKey(ev carrier.TrackingEvent) string {
	scanAt := ""
	if last := ev.LastScan(); last != nil {
		scanAt = last.Date.UTC().Format(time.RFC3339Nano)
	}

	sum := sha256.Sum256([]byte(strings.TrimSpace(ev.Waybill) + "|" + strings.TrimSpace(ev.Status) + "|" + scanAt))
	return hex.EncodeToString(sum[:])
}

func markRTO(n *domain.NDR, rtoStatus, reason string, now time.Time) {
	if n.RTOInfo == nil {
		n.RTOInfo = &domain.RTOInfo{InitiatedDate: &now, Reason: reason}
	}
	if n.RTOInfo.InitiatedDate == nil {
		n.RTOInfo.InitiatedDate = &now
	}
	if n.RTOInfo.Reason == "" {
		n.RTOInfo.Reason = reason
	}
	n.RTOInfo.Status = rtoStatus
	if n.ResolutionAction == nil {
		n.SetResolution(domain.ResolutionRTO)
	}
}

func (s *NDRService) UpdateStatus(ctx context.Context, waybill string, in UpdateStatusInput) (*domain.NDR, error) {
	target, err := domain.ParseStatusFromString(in.Status)
	if err != nil {
		return nil, err
	}

	var resolution *domain.ResolutionAction
	if strings.TrimSpace(in.ResolutionAction) != "" {
		r, err := domain.ParseResolutionActionFromString(in.ResolutionAction)
		if err != nil {
			return nil, err
		}
		resolution = &r
	}

	waybill, err = requireWaybill(waybill)
	if err != nil {
		return nil, err
	}

	n, _, err := s.writer.mutate(ctx, byWaybill(s.repo, waybill), func(n *domain.NDR, now time.Time) error {
		if _, err := n.Apply(domain.Event{
			Type:    domain.EventOverride,
			Target:  target,
			Remarks: strings.TrimSpace(in.Notes),
		}, now); err != nil {
			return err
		}
		if resolution != nil {
			n.SetResolution(*resolution)
		}
		if target.IsRTO() {
			markRTO(n, target.String(), strings.TrimSpace(in.Notes), now)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.withDays(n), nil
}

// RecordAttempt counts a failed delivery attempt, opening the NDR when the waybill has none.
func (s *NDRService) RecordAttempt(ctx context.Context, waybill string, in AttemptInput) (*domain.NDR, error) {
	waybill, err := requireWaybill(waybill)
	if err != nil {
		return nil, err
	}
	reasonCode := domain.NormalizeReasonCode(in.ReasonCode)
	event := domain.Event{Type: domain.EventDeliveryAttempt, Remarks: strings.TrimSpace(in.Remarks)}

	_, err = s.repo.GetByWaybill(ctx, waybill)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		now := s.clock()
		n, err := domain.NewNDR(waybill, in.OrderReference, reasonCode, now)
		if err != nil {
			return nil, err
		}
		if _, err := n.Apply(event, now); err != nil {
			return nil, err
		}
		n.RecordAttempt(now)

		created, err := s.writer.create(ctx, n)
		if err != nil {
			return nil, err
		}
		if created {
			return s.withDays(n), nil
		}
	case err != nil:
		return nil, fmt.Errorf("failed to load ndr: %w", err)
	}

	n, _, err := s.writer.mutate(ctx, byWaybill(s.repo, waybill), func(n *domain.NDR, now time.Time) error {
		if _, err := n.Apply(event, now); err != nil {
			return err
		}
		n.RecordAttempt(now)
		if reasonCode != "" {
			n.ReasonCode = reasonCode
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.withDays(n), nil
}

func (s *NDRService) RecordCommunication(ctx context.Context, waybill string, in CommunicationInput) (*domain.NDR, error) {
	channel := strings.ToLower(strings.TrimSpace(in.Channel))
	if channel == "" {
		return nil, fmt.Errorf("%w: channel is required", domain.ErrValidation)
	}
	waybill, err := requireWaybill(waybill)
	if err != nil {
		return nil, err
	}

	remarks := channel
	for _, part := range []string{in.Outcome, in.Notes} {
		if part = strings.TrimSpace(part); part != "" {
			remarks += ": " + part
		}
	}

	n, _, err := s.writer.mutate(ctx, byWaybill(s.repo, waybill), func(n *domain.NDR, now time.Time) error {
		_, err := n.Apply(domain.Event{Type: domain.EventCommunication, Remarks: remarks}, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.withDays(n), nil
}

func (s *NDRService) UpdateCustomerResponse(ctx context.Context, waybill string, in CustomerResponseInput) (*domain.NDR, error) {
	preference, err := domain.ParsePreferenceFromString(in.Preference)
	if err != nil {
		return nil, err
	}
	address := strings.TrimSpace(in.UpdatedAddress)
	if preference == domain.PreferenceChangeAddress && address == "" {
		return nil, fmt.Errorf("%w: updated_address is required for change_address", domain.ErrValidation)
	}
	waybill, err = requireWaybill(waybill)
	if err != nil {
		return nil, err
	}

	remarks := strings.TrimSpace(in.Remarks)
	if remarks == "" {
		remarks = "customer preference: " + string(preference)
	}

	n, _, err := s.writer.mutate(ctx, byWaybill(s.repo, waybill), func(n *domain.NDR, now time.Time) error {
		if _, err := n.Apply(domain.Event{
			Type:       domain.EventCustomerResponse,
			Preference: preference,
			Remarks:    remarks,
		}, now); err != nil {
			return err
		}

		n.CustomerResponse = &domain.CustomerResponse{
			ReceivedAt:     now,
			Channel:        strings.ToLower(strings.TrimSpace(in.Channel)),
			Preference:     preference,
			UpdatedAddress: address,
			UpdatedPhone:   strings.TrimSpace(in.UpdatedPhone),
		}

		switch preference {
		case domain.PreferenceCancelOrder:
			n.SetResolution(domain.ResolutionRTO)
			markRTO(n, domain.StatusRTOInitiated.String(), "customer cancelled order", now)
		case domain.PreferenceReattempt, domain.PreferenceReschedule:
			n.SetResolution(domain.ResolutionReattempt)
			n.ScheduleNextAttempt(now)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.withDays(n), nil
}

// AddNote appends an admin remark without touching state or statistics.
func (s *NDRService) AddNote(ctx context.Context, waybill, note string) (*domain.NDR, error) {
	note = strings.TrimSpace(note)
	if note == "" {
		return nil, fmt.Errorf("%w: note is required", domain.ErrValidation)
	}
	waybill, err := requireWaybill(waybill)
	if err != nil {
		return nil, err
	}

	n, _, err := s.writer.mutate(ctx, byWaybill(s.repo, waybill), func(n *domain.NDR, now time.Time) error {
		_, err := n.Apply(domain.Event{Type: domain.EventNote, Remarks: note}, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.withDays(n), nil
}

func (s *NDRService) Reopen(ctx context.Context, waybill, reason string) (*domain.NDR, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: reopen reason is required", domain.ErrValidation)
	}
	waybill, err := requireWaybill(waybill)
	if err != nil {
		return nil, err
	}

	n, _, err := s.writer.mutate(ctx, byWaybill(s.repo, waybill), func(n *domain.NDR, now time.Time) error {
		_, err := n.Apply(domain.Event{Type: domain.EventReopen, Remarks: reason}, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.withDays(n), nil
}

// RefreshTracking pulls the current carrier scans and feeds them through ingestion.
func (s *NDRService) RefreshTracking(ctx context.Context, waybill string) (*IngestResult, error) {
	waybill, err := requireWaybill(waybill)
	if err != nil {
		return nil, err
	}
	if s.tracker == nil {
		return nil, fmt.Errorf("%w: carrier client is not configured", domain.ErrExternalService)
	}

	tracking, err := s.tracker.TrackShipment(ctx, waybill)
	if err != nil {
		return nil, fmt.Errorf("%w: track shipment: %w", domain.ErrExternalService, err)
	}

	ev := carrier.TrackingEvent{
		Waybill: waybill,
		Status:  tracking.Status,
		Scans:   tracking.Scans,
	}
	return s.Ingest(ctx, ev)
}

func (s *NDRService) Get(ctx context.Context, waybill string) (*domain.NDR, error) {
	waybill, err := requireWaybill(waybill)
	if err != nil {
		return nil, err
	}

	n, err := s.repo.GetByWaybill(ctx, waybill)
	if err != nil {
		return nil, err
	}
	return s.withDays(n), nil
}

func (s *NDRService) List(ctx context.Context, params repository.ListParams) ([]domain.NDR, int64, error) {
	if params.MinAttempts != nil && params.MaxAttempts != nil && *params.MinAttempts > *params.MaxAttempts {
		return nil, 0, fmt.Errorf("%w: minAttempts must not exceed maxAttempts", domain.ErrValidation)
	}
	if params.From != nil && params.To != nil && params.From.After(*params.To) {
		return nil, 0, fmt.Errorf("%w: from must not be after to", domain.ErrValidation)
	}

	items, total, err := s.repo.List(ctx, params)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list ndrs: %w", err)
	}

	now := s.clock()
	for i := range items {
		items[i].Metrics.DaysInNDR = items[i].DaysInNDR(now)
	}
	return items, total, nil
}

func (s *NDRService) withDays(n *domain.NDR) *domain.NDR {
	n.Metrics.DaysInNDR = n.DaysInNDR(s.clock())
	return n
}

func requireWaybill(waybill string) (string, error) {
	waybill = strings.TrimSpace(waybill)
	if waybill == "" {
		return "", fmt.Errorf("%w: waybill is required", domain.ErrValidation)
	}
	return waybill, nil
}
