package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/ndr-engine/internal/carrier"
	"github.com/kursadbilgin/ndr-engine/internal/domain"
	"github.com/kursadbilgin/ndr-engine/internal/repository"
)

func TestNewNDRServiceValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewNDRService(nil, nil, nil, nil, nil, NDRServiceOptions{}, nil); err == nil {
		t.Fatal("expected error when repository is nil")
	}
}

func TestIngestCreatesNDRForTriggerStatus(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, DispatcherOptions{})
	now := f.clock.Now()

	result, err := f.ndrs.Ingest(context.Background(), trackingEvent("W1", "Customer not available", now.Add(-time.Hour)))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if result.Outcome != IngestCreated {
		t.Fatalf("outcome = %s, want created", result.Outcome)
	}

	n := f.get(t, "W1")
	if n.Status != domain.StatusNewNDR {
		t.Fatalf("status = %s, want new_ndr", n.Status)
	}
	if n.AttemptCount != 1 {
		t.Fatalf("attempt count = %d, want 1", n.AttemptCount)
	}
	wantNext := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)
	if n.NextAttemptDate == nil || !n.NextAttemptDate.Equal(wantNext) {
		t.Fatalf("next attempt date = %v, want %v", n.NextAttemptDate, wantNext)
	}
	if n.ReasonCode != "EOD-74" || n.OrderReference != "ORD-W1" {
		t.Fatalf("reason/order = %s/%s", n.ReasonCode, n.OrderReference)
	}
	if len(n.ActionHistory) != 1 || n.ActionHistory[0].Kind != domain.EntryWebhook {
		t.Fatalf("history = %+v, want one webhook entry", n.ActionHistory)
	}
	if n.LastRawStatus != "Customer not available" {
		t.Fatalf("last raw status = %q", n.LastRawStatus)
	}

	published := f.publisher.published()
	if len(published) != 1 || published[0].Status != domain.StatusNewNDR || !published[0].OpenNDR {
		t.Fatalf("published = %+v, want one open new_ndr message", published)
	}
}

func TestIngestIgnoresNonTriggerForUnknownWaybill(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, DispatcherOptions{})

	result, err := f.ndrs.Ingest(context.Background(), trackingEvent("W2", "In Transit", f.clock.Now()))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if result.Outcome != IngestIgnored || result.NDR != nil {
		t.Fatalf("result = %+v, want ignored", result)
	}
	if _, err := f.repo.GetByWaybill(context.Background(), "W2"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetByWaybill() error = %v, want ErrNotFound", err)
	}
}

func TestIngestReplayIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, DispatcherOptions{})
	ev := trackingEvent("W1", "Customer not available", f.clock.Now())

	if _, err := f.ndrs.Ingest(context.Background(), ev); err != nil {
		t.Fatalf("first Ingest() error = %v", err)
	}
	once := f.get(t, "W1")

	f.clock.Advance(time.Hour)
	result, err := f.ndrs.Ingest(context.Background(), ev)
	if err != nil {
		t.Fatalf("replayed Ingest() error = %v", err)
	}
	if result.Outcome != IngestDuplicate {
		t.Fatalf("outcome = %s, want duplicate", result.Outcome)
	}

	twice := f.get(t, "W1")
	if len(twice.ActionHistory) != len(once.ActionHistory) {
		t.Fatalf("history length = %d, want %d", len(twice.ActionHistory), len(once.ActionHistory))
	}
	if twice.AttemptCount != once.AttemptCount || twice.Version != once.Version || twice.Status != once.Status {
		t.Fatalf("replay changed aggregate: %+v -> %+v", once, twice)
	}
}

func TestIngestConcurrentDuplicateDeliveriesConverge(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, DispatcherOptions{})
	ev := trackingEvent("W1", "Customer not available", f.clock.Now())

	const deliveries = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = make(map[IngestOutcome]int)
		errs     = make(chan error, deliveries)
	)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := f.ndrs.Ingest(context.Background(), ev)
			if err != nil {
				errs <- err
				return
			}
			mu.Lock()
			outcomes[result.Outcome]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("Ingest() error = %v", err)
	}
	if outcomes[IngestCreated] != 1 || outcomes[IngestDuplicate] != deliveries-1 {
		t.Fatalf("outcomes = %v, want 1 created and %d duplicates", outcomes, deliveries-1)
	}

	items, total, err := f.repo.List(context.Background(), repository.ListParams{Search: "W1"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if total != 1 || len(items) != 1 {
		t.Fatalf("ndr count = %d, want 1", total)
	}
	if n := f.get(t, "W1"); len(n.ActionHistory) != 1 || n.AttemptCount != 1 {
		t.Fatalf("history=%d attempts=%d, want 1/1", len(n.ActionHistory), n.AttemptCount)
	}
}

func TestIngestLifecycle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		followUps    []string
		wantStatus   domain.Status
		wantAttempts int
		wantHistory  int
		wantResolved bool
		wantRTO      bool
	}{
		{
			name:         "second failed attempt counts",
			followUps:    []string{"Undelivered"},
			wantStatus:   domain.StatusNewNDR,
			wantAttempts: 2,
			wantHistory:  2,
		},
		{
			name:         "delivered resolves",
			followUps:    []string{"Delivered"},
			wantStatus:   domain.StatusDelivered,
			wantAttempts: 1,
			wantHistory:  2,
			wantResolved: true,
		},
		{
			name:         "rto progresses to delivered",
			followUps:    []string{"RTO Initiated", "RTO In Transit", "RTO Delivered"},
			wantStatus:   domain.StatusRTODelivered,
			wantAttempts: 1,
			wantHistory:  4,
			wantResolved: true,
			wantRTO:      true,
		},
		{
			name:         "terminal ndr records later events without transition",
			followUps:    []string{"Delivered", "Undelivered"},
			wantStatus:   domain.StatusDelivered,
			wantAttempts: 1,
			wantHistory:  3,
			wantResolved: true,
		},
		{
			name:         "unknown status is recorded conservatively",
			followUps:    []string{"Held at customs"},
			wantStatus:   domain.StatusNewNDR,
			wantAttempts: 1,
			wantHistory:  2,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newServiceFixture(t, DispatcherOptions{})
			scanAt := f.clock.Now()
			if _, err := f.ndrs.Ingest(context.Background(), trackingEvent("W1", "Customer not available", scanAt)); err != nil {
				t.Fatalf("Ingest() error = %v", err)
			}

			for i, status := range tc.followUps {
				scanAt = scanAt.Add(time.Hour)
				f.clock.Advance(time.Hour)
				result, err := f.ndrs.Ingest(context.Background(), trackingEvent("W1", status, scanAt))
				if err != nil {
					t.Fatalf("Ingest(%s) error = %v", status, err)
				}
				if result.Outcome != IngestApplied {
					t.Fatalf("follow-up %d outcome = %s, want applied", i, result.Outcome)
				}
			}

			n := f.get(t, "W1")
			if n.Status != tc.wantStatus {
				t.Fatalf("status = %s, want %s", n.Status, tc.wantStatus)
			}
			if n.AttemptCount != tc.wantAttempts {
				t.Fatalf("attempt count = %d, want %d", n.AttemptCount, tc.wantAttempts)
			}
			if len(n.ActionHistory) != tc.wantHistory {
				t.Fatalf("history length = %d, want %d", len(n.ActionHistory), tc.wantHistory)
			}
			if (n.ResolvedAt != nil) != tc.wantResolved {
				t.Fatalf("resolved at = %v, want resolved=%v", n.ResolvedAt, tc.wantResolved)
			}
			if tc.wantRTO {
				if n.RTOInfo == nil || n.RTOInfo.InitiatedDate == nil {
					t.Fatalf("rto info = %+v, want initiated", n.RTOInfo)
				}
				if n.ResolutionAction == nil || *n.ResolutionAction != domain.ResolutionRTO {
					t.Fatalf("resolution = %v, want rto", n.ResolutionAction)
				}
			}
		})
	}
}

func TestIngestValidation(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, DispatcherOptions{})
	tests := []carrier.TrackingEvent{
		{Waybill: " ", Status: "Undelivered"},
		{Waybill: "W1", Status: ""},
	}

	for _, ev := range tests {
		if _, err := f.ndrs.Ingest(context.Background(), ev); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("Ingest(%+v) error = %v, want ErrValidation", ev, err)
		}
	}
}

func TestEventKeyUsesLatestScan(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	base := carrier.TrackingEvent{
		Waybill: "W1",
		Status:  "Undelivered",
		Scans:   []carrier.Scan{{Date: at}, {Date: at.Add(-time.Hour)}},
	}
	reordered := carrier.TrackingEvent{
		Waybill: " W1 ",
		Status:  "Undelivered",
		Scans:   []carrier.Scan{{Date: at.Add(-time.Hour)}, {Date: at.In(time.FixedZone("IST", 19800))}},
	}
	later := carrier.TrackingEvent{
		Waybill: "W1",
		Status:  "Undelivered",
		Scans:   []carrier.Scan{{Date: at.Add(time.Minute)}},
	}

	if EventKey(base) != EventKey(reordered) {
		t.Fatal("keys should match for the same latest scan")
	}
	if EventKey(base) == EventKey(later) {
		t.Fatal("keys should differ for a newer scan")
	}
	if len(EventKey(base)) != 64 {
		t.Fatalf("key length = %d, want 64", len(EventKey(base)))
	}
}

func TestUpdateStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		prepare    func(t *testing.T, f *serviceFixture)
		input      UpdateStatusInput
		wantErr    error
		wantStatus domain.Status
	}{
		{
			name:    "invalid status",
			input:   UpdateStatusInput{Status: "lost_forever"},
			wantErr: domain.ErrValidation,
		},
		{
			name:    "invalid resolution",
			input:   UpdateStatusInput{Status: "customer_contacted", ResolutionAction: "refund"},
			wantErr: domain.ErrValidation,
		},
		{
			name:    "close from new ndr is a policy violation",
			input:   UpdateStatusInput{Status: "closed"},
			wantErr: domain.ErrPolicyViolation,
		},
		{
			name: "close from resolved state",
			prepare: func(t *testing.T, f *serviceFixture) {
				if _, err := f.ndrs.UpdateCustomerResponse(context.Background(), "W1", CustomerResponseInput{Preference: "customer_pickup"}); err != nil {
					t.Fatalf("UpdateCustomerResponse() error = %v", err)
				}
			},
			input:      UpdateStatusInput{Status: "closed", ResolutionAction: "none", Notes: "collected at hub"},
			wantStatus: domain.StatusClosed,
		},
		{
			name:       "override to contacted",
			input:      UpdateStatusInput{Status: "Customer_Contacted", Notes: "called twice"},
			wantStatus: domain.StatusCustomerContacted,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newServiceFixture(t, DispatcherOptions{})
			f.seed(t, "W1", "EOD-74", 1, f.clock.Now())
			if tc.prepare != nil {
				tc.prepare(t, f)
			}
			before := f.get(t, "W1")

			n, err := f.ndrs.UpdateStatus(context.Background(), "W1", tc.input)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("UpdateStatus() error = %v, want %v", err, tc.wantErr)
				}
				if after := f.get(t, "W1"); len(after.ActionHistory) != len(before.ActionHistory) || after.Version != before.Version {
					t.Fatal("rejected update must not mutate the ndr")
				}
				return
			}
			if err != nil {
				t.Fatalf("UpdateStatus() error = %v", err)
			}
			if n.Status != tc.wantStatus {
				t.Fatalf("status = %s, want %s", n.Status, tc.wantStatus)
			}
			last := n.ActionHistory[len(n.ActionHistory)-1]
			if last.Kind != domain.EntryStatusUpdate || last.Remarks != tc.input.Notes {
				t.Fatalf("last entry = %+v", last)
			}
		})
	}
}

func TestUpdateStatusUnknownWaybill(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, DispatcherOptions{})
	if _, err := f.ndrs.UpdateStatus(context.Background(), "missing", UpdateStatusInput{Status: "closed"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("UpdateStatus() error = %v, want ErrNotFound", err)
	}
}

func TestRecordAttempt(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, DispatcherOptions{})

	n, err := f.ndrs.RecordAttempt(context.Background(), "W9", AttemptInput{ReasonCode: "EOD-15", Remarks: "door locked"})
	if err != nil {
		t.Fatalf("RecordAttempt() error = %v", err)
	}
	if n.AttemptCount != 1 || n.Status != domain.StatusNewNDR || n.ReasonCode != "EOD-15" {
		t.Fatalf("created ndr = %+v", n)
	}

	f.clock.Advance(24 * time.Hour)
	n, err = f.ndrs.RecordAttempt(context.Background(), "W9", AttemptInput{ReasonCode: "EOD-43"})
	if err != nil {
		t.Fatalf("RecordAttempt() error = %v", err)
	}
	if n.AttemptCount != 2 || n.Metrics.TotalAttempts != 2 || n.ReasonCode != "EOD-43" {
		t.Fatalf("attempts=%d total=%d reason=%s", n.AttemptCount, n.Metrics.TotalAttempts, n.ReasonCode)
	}
	wantNext := time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC)
	if n.NextAttemptDate == nil || !n.NextAttemptDate.Equal(wantNext) {
		t.Fatalf("next attempt date = %v, want %v", n.NextAttemptDate, wantNext)
	}
	if len(n.ActionHistory) != 2 || n.ActionHistory[1].Kind != domain.EntryDeliveryAttempt {
		t.Fatalf("history = %+v", n.ActionHistory)
	}
}

func TestRecordAttemptOnTerminalNDRIsRejected(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, DispatcherOptions{})
	f.seed(t, "W1", "EOD-74", 1, f.clock.Now())
	if _, err := f.ndrs.Ingest(context.Background(), trackingEvent("W1", "Delivered", f.clock.Now())); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	if _, err := f.ndrs.RecordAttempt(context.Background(), "W1", AttemptInput{}); !errors.Is(err, domain.ErrPolicyViolation) {
		t.Fatalf("RecordAttempt() error = %v, want ErrPolicyViolation", err)
	}
}

func TestRecordCommunication(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, DispatcherOptions{})
	f.seed(t, "W1", "EOD-74", 1, f.clock.Now())

	if _, err := f.ndrs.RecordCommunication(context.Background(), "W1", CommunicationInput{}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("RecordCommunication() error = %v, want ErrValidation", err)
	}

	n, err := f.ndrs.RecordCommunication(context.Background(), "W1", CommunicationInput{Channel: "WhatsApp", Outcome: "delivered", Notes: "asked for a slot"})
	if err != nil {
		t.Fatalf("RecordCommunication() error = %v", err)
	}
	if n.Status != domain.StatusCustomerContacted {
		t.Fatalf("status = %s, want customer_contacted", n.Status)
	}
	last := n.ActionHistory[len(n.ActionHistory)-1]
	if last.Kind != domain.EntryCommunication || last.Remarks != "whatsapp: delivered: asked for a slot" {
		t.Fatalf("last entry = %+v", last)
	}

	n, err = f.ndrs.RecordCommunication(context.Background(), "W1", CommunicationInput{Channel: "sms"})
	if err != nil {
		t.Fatalf("second RecordCommunication() error = %v", err)
	}
	if n.Status != domain.StatusCustomerContacted || len(n.ActionHistory) != 3 {
		t.Fatalf("status=%s history=%d", n.Status, len(n.ActionHistory))
	}
}

func TestUpdateCustomerResponse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		input          CustomerResponseInput
		wantErr        error
		wantStatus     domain.Status
		wantResolution domain.ResolutionAction
		wantNextDate   bool
	}{
		{
			name:           "reattempt",
			input:          CustomerResponseInput{Preference: "reattempt", Channel: "ivr"},
			wantStatus:     domain.StatusReattemptScheduled,
			wantResolution: domain.ResolutionReattempt,
			wantNextDate:   true,
		},
		{
			name:           "reschedule",
			input:          CustomerResponseInput{Preference: "reschedule"},
			wantStatus:     domain.StatusReattemptScheduled,
			wantResolution: domain.ResolutionReattempt,
			wantNextDate:   true,
		},
		{
			name:       "change address",
			input:      CustomerResponseInput{Preference: "change_address", UpdatedAddress: "12 MG Road", UpdatedPhone: "+911234567890"},
			wantStatus: domain.StatusAddressUpdated,
		},
		{
			name:    "change address without address",
			input:   CustomerResponseInput{Preference: "change_address"},
			wantErr: domain.ErrValidation,
		},
		{
			name:       "customer pickup",
			input:      CustomerResponseInput{Preference: "customer_pickup"},
			wantStatus: domain.StatusCustomerPickup,
		},
		{
			name:           "cancel order",
			input:          CustomerResponseInput{Preference: "cancel_order"},
			wantStatus:     domain.StatusRTOInitiated,
			wantResolution: domain.ResolutionRTO,
		},
		{
			name:    "unknown preference",
			input:   CustomerResponseInput{Preference: "refund"},
			wantErr: domain.ErrValidation,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newServiceFixture(t, DispatcherOptions{})
			f.seed(t, "W1", "EOD-74", 1, f.clock.Now().Add(-48*time.Hour))

			n, err := f.ndrs.UpdateCustomerResponse(context.Background(), "W1", tc.input)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("UpdateCustomerResponse() error = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("UpdateCustomerResponse() error = %v", err)
			}

			if n.Status != tc.wantStatus {
				t.Fatalf("status = %s, want %s", n.Status, tc.wantStatus)
			}
			if n.CustomerResponse == nil || string(n.CustomerResponse.Preference) != tc.input.Preference {
				t.Fatalf("customer response = %+v", n.CustomerResponse)
			}
			if n.CustomerResponse.UpdatedAddress != tc.input.UpdatedAddress {
				t.Fatalf("updated address = %q", n.CustomerResponse.UpdatedAddress)
			}
			if tc.wantResolution != "" && (n.ResolutionAction == nil || *n.ResolutionAction != tc.wantResolution) {
				t.Fatalf("resolution = %v, want %s", n.ResolutionAction, tc.wantResolution)
			}
			if tc.wantResolution == domain.ResolutionRTO && (n.RTOInfo == nil || n.RTOInfo.InitiatedDate == nil) {
				t.Fatalf("rto info = %+v, want initiated", n.RTOInfo)
			}
			if tc.wantNextDate {
				want := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)
				if n.NextAttemptDate == nil || !n.NextAttemptDate.Equal(want) {
					t.Fatalf("next attempt date = %v, want %v", n.NextAttemptDate, want)
				}
			}
		})
	}
}

func TestAddNoteIsStatisticsNeutral(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, DispatcherOptions{})
	f.seed(t, "W1", "EOD-74", 1, f.clock.Now())

	if _, err := f.ndrs.AddNote(context.Background(), "W1", "  "); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("AddNote() error = %v, want ErrValidation", err)
	}

	n, err := f.ndrs.AddNote(context.Background(), "W1", "customer asked for evening slot")
	if err != nil {
		t.Fatalf("AddNote() error = %v", err)
	}
	if n.Status != domain.StatusNewNDR || n.AttemptCount != 1 || n.Metrics.TotalAttempts != 1 {
		t.Fatalf("note changed state: %+v", n)
	}
	if last := n.ActionHistory[len(n.ActionHistory)-1]; last.Kind != domain.EntryNote {
		t.Fatalf("last entry kind = %s, want note", last.Kind)
	}
	if len(f.publisher.published()) != 0 {
		t.Fatal("note must not publish a status change")
	}
}

func TestReopen(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, DispatcherOptions{})
	f.seed(t, "W1", "EOD-74", 1, f.clock.Now())

	if _, err := f.ndrs.Reopen(context.Background(), "W1", "customer disputes"); !errors.Is(err, domain.ErrPolicyViolation) {
		t.Fatalf("Reopen(open ndr) error = %v, want ErrPolicyViolation", err)
	}
	if _, err := f.ndrs.Ingest(context.Background(), trackingEvent("W1", "Delivered", f.clock.Now())); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if _, err := f.ndrs.Reopen(context.Background(), "W1", ""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("Reopen(no reason) error = %v, want ErrValidation", err)
	}

	n, err := f.ndrs.Reopen(context.Background(), "W1", "customer says parcel never arrived")
	if err != nil {
		t.Fatalf("Reopen() error = %v", err)
	}
	if n.Status != domain.StatusCustomerResponsePending {
		t.Fatalf("status = %s, want customer_response_pending", n.Status)
	}
	if n.Metrics.ReopenedCount != 1 || n.ResolvedAt != nil {
		t.Fatalf("reopened=%d resolvedAt=%v", n.Metrics.ReopenedCount, n.ResolvedAt)
	}
	if last := n.ActionHistory[len(n.ActionHistory)-1]; last.Kind != domain.EntrySystem {
		t.Fatalf("last entry kind = %s, want system", last.Kind)
	}
}

func TestRefreshTracking(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, DispatcherOptions{})
	scanAt := f.clock.Now()
	f.carrier.trackShipmentFn = func(ctx context.Context, waybill string) (*carrier.Tracking, error) {
		if waybill != "W1" {
			t.Fatalf("waybill = %s, want W1", waybill)
		}
		return &carrier.Tracking{
			Status: "Undelivered",
			Scans:  []carrier.Scan{{Date: scanAt, Status: "Undelivered", ReasonCode: "EOD-11"}},
		}, nil
	}

	result, err := f.ndrs.RefreshTracking(context.Background(), "W1")
	if err != nil {
		t.Fatalf("RefreshTracking() error = %v", err)
	}
	if result.Outcome != IngestCreated || result.NDR.ReasonCode != "EOD-11" {
		t.Fatalf("result = %+v", result)
	}

	f.carrier.trackShipmentFn = func(context.Context, string) (*carrier.Tracking, error) {
		return nil, fmt.Errorf("boom")
	}
	if _, err := f.ndrs.RefreshTracking(context.Background(), "W1"); !errors.Is(err, domain.ErrExternalService) {
		t.Fatalf("RefreshTracking() error = %v, want ErrExternalService", err)
	}
}

func TestGetRecomputesDaysInNDR(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, DispatcherOptions{})
	f.seed(t, "W1", "EOD-74", 1, f.clock.Now())
	f.clock.Advance(3*24*time.Hour + time.Hour)

	n, err := f.ndrs.Get(context.Background(), "W1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if n.Metrics.DaysInNDR != 3 {
		t.Fatalf("days in ndr = %d, want 3", n.Metrics.DaysInNDR)
	}

	items, total, err := f.ndrs.List(context.Background(), repository.ListParams{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if total != 1 || items[0].Metrics.DaysInNDR != 3 {
		t.Fatalf("list = %+v", items)
	}
}

func TestReasonCodesAreStoredUpperCase(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, DispatcherOptions{})
	ev := trackingEvent("W1", "Customer not available", f.clock.Now().Add(-time.Hour))
	ev.ReasonCode = " eod-74"
	if _, err := f.ndrs.Ingest(context.Background(), ev); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if got := f.get(t, "W1").ReasonCode; got != "EOD-74" {
		t.Fatalf("ingested reason code = %q, want EOD-74", got)
	}

	n, err := f.ndrs.RecordAttempt(context.Background(), "W1", AttemptInput{ReasonCode: "eod-43"})
	if err != nil {
		t.Fatalf("RecordAttempt() error = %v", err)
	}
	if n.ReasonCode != "EOD-43" {
		t.Fatalf("reassigned reason code = %q, want EOD-43", n.ReasonCode)
	}

	for _, query := range []string{"EOD-43", "eod-43"} {
		items, total, err := f.ndrs.List(context.Background(), repository.ListParams{ReasonCode: query})
		if err != nil {
			t.Fatalf("List(%s) error = %v", query, err)
		}
		if total != 1 || len(items) != 1 || items[0].Waybill != "W1" {
			t.Fatalf("List(%s) = %d items, total %d, want W1", query, len(items), total)
		}
	}
}

func TestListValidatesRanges(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, DispatcherOptions{})
	minAttempts, maxAttempts := 3, 1
	if _, _, err := f.ndrs.List(context.Background(), repository.ListParams{MinAttempts: &minAttempts, MaxAttempts: &maxAttempts}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("List() error = %v, want ErrValidation", err)
	}

	from := f.clock.Now()
	to := from.Add(-time.Hour)
	if _, _, err := f.ndrs.List(context.Background(), repository.ListParams{From: &from, To: &to}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("List() error = %v, want ErrValidation", err)
	}
}
