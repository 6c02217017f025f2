package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/ndr-engine/internal/carrier"
	"github.com/kursadbilgin/ndr-engine/internal/domain"
	"github.com/kursadbilgin/ndr-engine/internal/normalizer"
	"github.com/kursadbilgin/ndr-engine/internal/policy"
	"github.com/kursadbilgin/ndr-engine/internal/queue"
	"github.com/kursadbilgin/ndr-engine/internal/repository"
)

var errNotImplemented = errors.New("not implemented")

type fakeCarrier struct {
	trackShipmentFn func(ctx context.Context, waybill string) (*carrier.Tracking, error)
	takeActionFn    func(ctx context.Context, waybill string, action domain.Action, reason string) (*carrier.ActionResult, error)
	getStatusFn     func(ctx context.Context, correlationID string) (*carrier.NDRStatus, error)
	bulkActionFn    func(ctx context.Context, waybills []string, action domain.Action) (*carrier.BulkResult, error)
}

func (f *fakeCarrier) TrackShipment(ctx context.Context, waybill string) (*carrier.Tracking, error) {
	if f.trackShipmentFn == nil {
		return nil, errNotImplemented
	}
	return f.trackShipmentFn(ctx, waybill)
}

func (f *fakeCarrier) TakeNDRAction(ctx context.Context, waybill string, action domain.Action, reason string) (*carrier.ActionResult, error) {
	if f.takeActionFn == nil {
		return nil, errNotImplemented
	}
	return f.takeActionFn(ctx, waybill, action, reason)
}

func (f *fakeCarrier) GetNDRStatus(ctx context.Context, correlationID string) (*carrier.NDRStatus, error) {
	if f.getStatusFn == nil {
		return nil, errNotImplemented
	}
	return f.getStatusFn(ctx, correlationID)
}

func (f *fakeCarrier) BulkNDRAction(ctx context.Context, waybills []string, action domain.Action) (*carrier.BulkResult, error) {
	if f.bulkActionFn == nil {
		return nil, errNotImplemented
	}
	return f.bulkActionFn(ctx, waybills, action)
}

type fakePublisher struct {
	mu        sync.Mutex
	messages  []queue.NDRStatusMessage
	publishFn func(ctx context.Context, msg queue.NDRStatusMessage) error
}

func (f *fakePublisher) PublishStatus(ctx context.Context, msg queue.NDRStatusMessage) error {
	f.mu.Lock()
	f.messages = append(f.messages, msg)
	f.mu.Unlock()
	if f.publishFn != nil {
		return f.publishFn(ctx, msg)
	}
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func (f *fakePublisher) published() []queue.NDRStatusMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]queue.NDRStatusMessage(nil), f.messages...)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type serviceFixture struct {
	repo       *repository.MemoryNDRRepo
	carrier    *fakeCarrier
	publisher  *fakePublisher
	clock      *testClock
	ndrs       *NDRService
	dispatcher *Dispatcher
}

func newServiceFixture(t *testing.T, opts DispatcherOptions) *serviceFixture {
	t.Helper()

	f := &serviceFixture{
		repo:      repository.NewMemoryNDRRepo(),
		carrier:   &fakeCarrier{},
		publisher: &fakePublisher{},
		clock:     newTestClock(),
	}

	ndrs, err := NewNDRService(f.repo, normalizer.NewDefault(), f.carrier, f.publisher, nil, NDRServiceOptions{}, nil)
	if err != nil {
		t.Fatalf("NewNDRService() error = %v", err)
	}
	ndrs.now = f.clock.Now
	ndrs.writer.now = f.clock.Now

	dispatcher, err := NewDispatcher(f.repo, policy.NewDefaultEngine(), f.carrier, f.publisher, nil, opts, nil)
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	dispatcher.writer.now = f.clock.Now

	f.ndrs = ndrs
	f.dispatcher = dispatcher
	return f
}

func (f *serviceFixture) get(t *testing.T, waybill string) *domain.NDR {
	t.Helper()

	n, err := f.repo.GetByWaybill(context.Background(), waybill)
	if err != nil {
		t.Fatalf("GetByWaybill(%s) error = %v", waybill, err)
	}
	return n
}

// seed stores an NDR opened at openedAt with the given reason code and attempt count.
func (f *serviceFixture) seed(t *testing.T, waybill, reasonCode string, attempts int, openedAt time.Time) *domain.NDR {
	t.Helper()

	n, err := domain.NewNDR(waybill, "ORD-"+waybill, reasonCode, openedAt)
	if err != nil {
		t.Fatalf("NewNDR() error = %v", err)
	}
	if _, err := n.Apply(domain.Event{Type: domain.EventWebhook, Canonical: domain.CanonicalNDR, Remarks: "Undelivered"}, openedAt); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	for i := 0; i < attempts; i++ {
		n.RecordAttempt(openedAt)
	}

	created, err := f.repo.CreateIfAbsent(context.Background(), n)
	if err != nil || !created {
		t.Fatalf("CreateIfAbsent() = %v, %v", created, err)
	}
	return n
}

func trackingEvent(waybill, status string, scanAt time.Time) carrier.TrackingEvent {
	return carrier.TrackingEvent{
		Waybill:        waybill,
		Status:         status,
		ReasonCode:     "EOD-74",
		OrderReference: "ORD-" + waybill,
		Scans: []carrier.Scan{
			{Date: scanAt, Location: "Mumbai Hub", Status: status},
		},
	}
}

func acceptAll(requestID string) func(context.Context, string, domain.Action, string) (*carrier.ActionResult, error) {
	return func(context.Context, string, domain.Action, string) (*carrier.ActionResult, error) {
		return &carrier.ActionResult{RequestID: requestID}, nil
	}
}
