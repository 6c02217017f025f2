package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/ndr-engine/internal/carrier"
	"github.com/kursadbilgin/ndr-engine/internal/domain"
	"github.com/kursadbilgin/ndr-engine/internal/normalizer"
	"github.com/kursadbilgin/ndr-engine/internal/observability"
	"github.com/kursadbilgin/ndr-engine/internal/policy"
	"github.com/kursadbilgin/ndr-engine/internal/queue"
	"github.com/kursadbilgin/ndr-engine/internal/repository"
	"github.com/kursadbilgin/ndr-engine/internal/schema"
	"github.com/kursadbilgin/ndr-engine/internal/service"
	"github.com/kursadbilgin/ndr-engine/internal/transport"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	webhookW1 = `{"waybill":"W1","status":"Customer not available","reason_code":"EOD-74","scans":[{"date":"2026-03-10T09:00:00Z","location":"Pune","status":"Customer not available"}]}`
	webhookW2 = `{"waybill":"W2","status":"Undelivered","reason_code":"EOD-777","scans":[{"date":"2026-03-10T10:00:00Z","status":"Undelivered"}]}`
)

type stubCarrier struct {
	takeActionFn func(ctx context.Context, waybill string, action domain.Action, reason string) (*carrier.ActionResult, error)
}

func (s *stubCarrier) TrackShipment(context.Context, string) (*carrier.Tracking, error) {
	return &carrier.Tracking{Status: "In Transit"}, nil
}

func (s *stubCarrier) TakeNDRAction(ctx context.Context, waybill string, action domain.Action, reason string) (*carrier.ActionResult, error) {
	if s.takeActionFn == nil {
		return &carrier.ActionResult{RequestID: "req-" + waybill}, nil
	}
	return s.takeActionFn(ctx, waybill, action, reason)
}

func (s *stubCarrier) GetNDRStatus(context.Context, string) (*carrier.NDRStatus, error) {
	return &carrier.NDRStatus{Status: domain.ExternalStatusPending}, nil
}

func (s *stubCarrier) BulkNDRAction(_ context.Context, waybills []string, _ domain.Action) (*carrier.BulkResult, error) {
	return &carrier.BulkResult{RequestID: "bulk-1", ProcessedCount: len(waybills)}, nil
}

func newNDRTestApp(t *testing.T, client carrier.Client) *fiber.App {
	t.Helper()

	repo := repository.NewMemoryNDRRepo()
	ndrs, err := service.NewNDRService(repo, normalizer.NewDefault(), client, queue.NopPublisher{}, nil, service.NDRServiceOptions{}, nil)
	if err != nil {
		t.Fatalf("NewNDRService() error = %v", err)
	}
	dispatcher, err := service.NewDispatcher(repo, policy.NewDefaultEngine(), client, queue.NopPublisher{}, nil, service.DispatcherOptions{}, nil)
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	stats, err := service.NewStatsService(repo, nil)
	if err != nil {
		t.Fatalf("NewStatsService() error = %v", err)
	}
	validator, err := schema.NewTrackingValidator()
	if err != nil {
		t.Fatalf("NewTrackingValidator() error = %v", err)
	}

	app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
	app.Use(observability.CorrelationMiddleware())
	if err := RegisterNDRRoutes(app, ndrs, dispatcher, stats); err != nil {
		t.Fatalf("RegisterNDRRoutes() error = %v", err)
	}
	if err := RegisterWebhookRoutes(app, validator, ndrs); err != nil {
		t.Fatalf("RegisterWebhookRoutes() error = %v", err)
	}
	RegisterHealthRoutes(app, repo, nil, nil)

	return app
}

func TestWebhookIntegration(t *testing.T) {
	t.Parallel()

	app := newNDRTestApp(t, &stubCarrier{})

	resp, body := performRequest(t, app, http.MethodPost, "/v1/webhooks/carrier", webhookW1)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, body)
	}
	if got := decodeMap(t, body)["outcome"]; got != "created" {
		t.Fatalf("outcome = %v, want created", got)
	}
	if resp.Header.Get(observability.CorrelationHeader) == "" {
		t.Fatal("correlation id should be echoed")
	}

	resp, body = performRequest(t, app, http.MethodPost, "/v1/webhooks/carrier", webhookW1)
	if resp.StatusCode != fiber.StatusOK || decodeMap(t, body)["outcome"] != "duplicate" {
		t.Fatalf("replay = %d %s, want 200 duplicate", resp.StatusCode, body)
	}

	resp, _ = performRequest(t, app, http.MethodPost, "/v1/webhooks/carrier", `{"status":"Undelivered"}`)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for missing waybill", resp.StatusCode)
	}

	resp, body = performRequest(t, app, http.MethodGet, "/v1/ndrs/W1", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, body)
	}
	ndr := decodeMap(t, body)
	if ndr["status"] != "new_ndr" || ndr["attemptCount"] != float64(1) || ndr["reasonCode"] != "EOD-74" {
		t.Fatalf("ndr = %v", ndr)
	}
	if history, ok := ndr["actionHistory"].([]any); !ok || len(history) != 1 {
		t.Fatalf("actionHistory = %v, want one entry", ndr["actionHistory"])
	}

	resp, _ = performRequest(t, app, http.MethodGet, "/v1/ndrs/nope", "")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestActionIntegration(t *testing.T) {
	t.Parallel()

	app := newNDRTestApp(t, &stubCarrier{})
	performRequest(t, app, http.MethodPost, "/v1/webhooks/carrier", webhookW1)

	resp, body := performRequest(t, app, http.MethodPost, "/v1/ndrs/W1/actions", `{"action":"RE-ATTEMPT","reason":"customer home after 6pm"}`)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, body)
	}
	parsed := decodeMap(t, body)
	if parsed["correlationId"] != "req-W1" {
		t.Fatalf("correlationId = %v, want req-W1", parsed["correlationId"])
	}
	ndr := parsed["ndr"].(map[string]any)
	if ndr["resolutionAction"] != "reattempt" || ndr["status"] != "reattempt_scheduled" {
		t.Fatalf("ndr = %v", ndr)
	}

	for i := 0; i < 2; i++ {
		resp, body = performRequest(t, app, http.MethodPost, "/v1/ndrs/W1/attempts", `{"remarks":"not home"}`)
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("attempt status = %d, body=%s", resp.StatusCode, body)
		}
	}
	if got := decodeMap(t, body)["attemptCount"]; got != float64(3) {
		t.Fatalf("attemptCount = %v, want 3", got)
	}

	resp, body = performRequest(t, app, http.MethodPost, "/v1/ndrs/W1/actions", `{"action":"RE-ATTEMPT"}`)
	if resp.StatusCode != fiber.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422, body=%s", resp.StatusCode, body)
	}

	resp, _ = performRequest(t, app, http.MethodPost, "/v1/ndrs/W1/actions", `{"action":"REFUND"}`)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for unknown action", resp.StatusCode)
	}

	resp, body = performRequest(t, app, http.MethodPost, "/v1/ndrs/W1/rto", `{"reason":"attempts exhausted"}`)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("rto status = %d, body=%s", resp.StatusCode, body)
	}
	ndr = decodeMap(t, body)["ndr"].(map[string]any)
	if ndr["status"] != "rto_initiated" {
		t.Fatalf("status = %v, want rto_initiated", ndr["status"])
	}
}

func TestActionIntegrationCarrierFailure(t *testing.T) {
	t.Parallel()

	app := newNDRTestApp(t, &stubCarrier{
		takeActionFn: func(context.Context, string, domain.Action, string) (*carrier.ActionResult, error) {
			return nil, &carrier.CarrierError{StatusCode: 503, Message: "maintenance", Transient: true}
		},
	})
	performRequest(t, app, http.MethodPost, "/v1/webhooks/carrier", webhookW1)

	resp, body := performRequest(t, app, http.MethodPost, "/v1/ndrs/W1/actions", `{"action":"RE-ATTEMPT"}`)
	if resp.StatusCode != fiber.StatusBadGateway {
		t.Fatalf("status = %d, want 502, body=%s", resp.StatusCode, body)
	}
}

func TestBulkActionIntegration(t *testing.T) {
	t.Parallel()

	app := newNDRTestApp(t, &stubCarrier{})
	performRequest(t, app, http.MethodPost, "/v1/webhooks/carrier", webhookW1)
	performRequest(t, app, http.MethodPost, "/v1/webhooks/carrier", webhookW2)

	resp, body := performRequest(t, app, http.MethodPost, "/v1/ndrs/bulk-action", `{"ids":["W1","W2","missing","W1"],"action":"RE-ATTEMPT","reason":"bulk"}`)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, body)
	}

	var parsed struct {
		Total     int                   `json:"total"`
		Succeeded int                   `json:"succeeded"`
		Failed    int                   `json:"failed"`
		Results   []service.BulkOutcome `json:"results"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if parsed.Total != 4 || parsed.Succeeded != 1 || parsed.Failed != 3 || len(parsed.Results) != 4 {
		t.Fatalf("bulk = %+v", parsed)
	}
	wantCodes := []string{"", "policy_violation", "not_found", "validation_error"}
	for i, want := range wantCodes {
		if parsed.Results[i].Code != want {
			t.Fatalf("results[%d].code = %s, want %s", i, parsed.Results[i].Code, want)
		}
	}

	resp, _ = performRequest(t, app, http.MethodPost, "/v1/ndrs/bulk-action", `{"ids":[],"action":"RE-ATTEMPT"}`)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for empty ids", resp.StatusCode)
	}

	resp, body = performRequest(t, app, http.MethodPost, "/v1/ndrs/reconcile", `{"correlationId":"req-W1","status":"SUCCESS","waybills":["W1"]}`)
	if resp.StatusCode != fiber.StatusOK || decodeMap(t, body)["changed"] != float64(1) {
		t.Fatalf("reconcile = %d %s", resp.StatusCode, body)
	}
}

func TestCommandIntegration(t *testing.T) {
	t.Parallel()

	app := newNDRTestApp(t, &stubCarrier{})
	performRequest(t, app, http.MethodPost, "/v1/webhooks/carrier", webhookW1)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
	}{
		{name: "close from new ndr", method: http.MethodPatch, path: "/v1/ndrs/W1/status", body: `{"status":"closed"}`, wantStatus: fiber.StatusUnprocessableEntity},
		{name: "invalid status", method: http.MethodPatch, path: "/v1/ndrs/W1/status", body: `{"status":"gone"}`, wantStatus: fiber.StatusBadRequest},
		{name: "communication", method: http.MethodPost, path: "/v1/ndrs/W1/communications", body: `{"channel":"sms","outcome":"sent"}`, wantStatus: fiber.StatusOK},
		{name: "communication without channel", method: http.MethodPost, path: "/v1/ndrs/W1/communications", body: `{"outcome":"sent"}`, wantStatus: fiber.StatusBadRequest},
		{name: "customer response with unknown field", method: http.MethodPut, path: "/v1/ndrs/W1/customer-response", body: `{"preference":"reattempt","status":"closed"}`, wantStatus: fiber.StatusBadRequest},
		{name: "customer response", method: http.MethodPut, path: "/v1/ndrs/W1/customer-response", body: `{"preference":"change_address","updatedAddress":"14 Park Street"}`, wantStatus: fiber.StatusOK},
		{name: "note", method: http.MethodPost, path: "/v1/ndrs/W1/notes", body: `{"note":"spoke to neighbour"}`, wantStatus: fiber.StatusCreated},
		{name: "empty note", method: http.MethodPost, path: "/v1/ndrs/W1/notes", body: `{"note":""}`, wantStatus: fiber.StatusBadRequest},
		{name: "reopen open ndr", method: http.MethodPost, path: "/v1/ndrs/W1/reopen", body: `{"reason":"dispute"}`, wantStatus: fiber.StatusUnprocessableEntity},
		{name: "close after resolution", method: http.MethodPatch, path: "/v1/ndrs/W1/status", body: `{"status":"closed","notes":"address fixed"}`, wantStatus: fiber.StatusOK},
		{name: "reopen closed ndr", method: http.MethodPost, path: "/v1/ndrs/W1/reopen", body: `{"reason":"customer called back"}`, wantStatus: fiber.StatusOK},
		{name: "track refresh", method: http.MethodPost, path: "/v1/ndrs/W1/track", body: "", wantStatus: fiber.StatusOK},
		{name: "malformed body", method: http.MethodPost, path: "/v1/ndrs/W1/notes", body: `{"note":`, wantStatus: fiber.StatusBadRequest},
	}

	// Steps share one NDR and run in order.
	for _, tc := range tests {
		resp, body := performRequest(t, app, tc.method, tc.path, tc.body)
		if resp.StatusCode != tc.wantStatus {
			t.Fatalf("%s: status = %d, want %d, body=%s", tc.name, resp.StatusCode, tc.wantStatus, body)
		}
	}

	_, body := performRequest(t, app, http.MethodGet, "/v1/ndrs/W1", "")
	ndr := decodeMap(t, body)
	metrics := ndr["metrics"].(map[string]any)
	if ndr["status"] != "customer_response_pending" || metrics["reopenedCount"] != float64(1) {
		t.Fatalf("ndr = %v", ndr)
	}
}

func TestListAndStatsIntegration(t *testing.T) {
	t.Parallel()

	app := newNDRTestApp(t, &stubCarrier{})
	performRequest(t, app, http.MethodPost, "/v1/webhooks/carrier", webhookW1)
	performRequest(t, app, http.MethodPost, "/v1/webhooks/carrier", webhookW2)

	resp, body := performRequest(t, app, http.MethodGet, "/v1/ndrs?status=new_ndr&reason=EOD-777&limit=10", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, body=%s", resp.StatusCode, body)
	}
	var list listNDRsResponse
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if list.Meta.Total != 1 || len(list.Data) != 1 || list.Data[0].Waybill != "W2" {
		t.Fatalf("list = %+v", list)
	}
	if len(list.Data[0].ActionHistory) != 0 {
		t.Fatal("list should not carry action history")
	}

	for _, path := range []string{
		"/v1/ndrs?limit=0",
		"/v1/ndrs?status=bogus",
		"/v1/ndrs?minAttempts=x",
		"/v1/ndrs?from=yesterday",
		"/v1/ndrs/stats/overview?periodDays=-1",
	} {
		resp, _ := performRequest(t, app, http.MethodGet, path, "")
		if resp.StatusCode != fiber.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", path, resp.StatusCode)
		}
	}

	resp, body = performRequest(t, app, http.MethodGet, "/v1/ndrs/stats/overview?periodDays=7", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("overview status = %d, body=%s", resp.StatusCode, body)
	}
	var overview service.Overview
	if err := json.Unmarshal(body, &overview); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if overview.Total != 2 || overview.StatusBreakdown["new_ndr"] != 2 || overview.ReasonBreakdown["EOD-74"].Count != 1 {
		t.Fatalf("overview = %+v", overview)
	}

	resp, body = performRequest(t, app, http.MethodGet, "/v1/ndrs/stats/escalations?thresholdDays=5", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("escalations status = %d, body=%s", resp.StatusCode, body)
	}
	if data, ok := decodeMap(t, body)["data"].([]any); !ok || len(data) != 0 {
		t.Fatalf("escalations = %s, want none for fresh ndrs", body)
	}

	resp, body = performRequest(t, app, http.MethodGet, "/v1/ndrs/stats/escalations", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("default escalations status = %d, body=%s", resp.StatusCode, body)
	}
	if got := decodeMap(t, body)["thresholdDays"]; got != float64(service.DefaultEscalationThresholdDays) {
		t.Fatalf("default thresholdDays = %v, want %d", got, service.DefaultEscalationThresholdDays)
	}

	resp, body = performRequest(t, app, http.MethodGet, "/v1/ndrs/stats/escalations?thresholdDays=0", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("zero-threshold escalations status = %d, body=%s", resp.StatusCode, body)
	}
	if data, ok := decodeMap(t, body)["data"].([]any); !ok || len(data) != 2 {
		t.Fatalf("zero-threshold escalations = %s, want both open ndrs", body)
	}

	resp, body = performRequest(t, app, http.MethodGet, "/v1/ndrs/stats/overview", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("default overview status = %d, body=%s", resp.StatusCode, body)
	}
	if got := decodeMap(t, body)["periodDays"]; got != float64(service.DefaultStatsPeriodDays) {
		t.Fatalf("default periodDays = %v, want %d", got, service.DefaultStatsPeriodDays)
	}
}

type stubPinger struct {
	err error
}

func (s stubPinger) Ping(context.Context) error { return s.err }

type stubBroker struct {
	closed bool
}

func (s stubBroker) IsClosed() bool { return s.closed }

func TestHealthIntegration(t *testing.T) {
	t.Parallel()

	t.Run("livez returns 200", func(t *testing.T) {
		t.Parallel()

		app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
		RegisterHealthRoutes(app, stubPinger{}, nil, nil)

		resp, body := performRequest(t, app, http.MethodGet, "/livez", "")
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
		}
	})

	t.Run("readyz returns 200 when dependencies healthy", func(t *testing.T) {
		t.Parallel()

		mr := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })

		app := fiber.New()
		RegisterHealthRoutes(app, stubPinger{}, rdb, stubBroker{})

		resp, body := performRequest(t, app, http.MethodGet, "/readyz", "")
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
		}
	})

	t.Run("readyz returns 503 when redis down", func(t *testing.T) {
		t.Parallel()

		mr := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
		t.Cleanup(func() { _ = rdb.Close() })
		mr.Close()

		app := fiber.New()
		RegisterHealthRoutes(app, stubPinger{}, rdb, nil)

		resp, body := performRequest(t, app, http.MethodGet, "/readyz", "")
		if resp.StatusCode != fiber.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503, body=%s", resp.StatusCode, string(body))
		}
	})

	t.Run("readyz returns 503 when broker down", func(t *testing.T) {
		t.Parallel()

		app := fiber.New()
		RegisterHealthRoutes(app, stubPinger{}, nil, stubBroker{closed: true})

		resp, body := performRequest(t, app, http.MethodGet, "/readyz", "")
		if resp.StatusCode != fiber.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503, body=%s", resp.StatusCode, string(body))
		}
		checks := decodeMap(t, body)["checks"].(map[string]any)
		if checks["rabbitmq"] != "down" {
			t.Fatalf("checks = %v", checks)
		}
	})

	t.Run("readyz returns 503 when store down", func(t *testing.T) {
		t.Parallel()

		app := fiber.New()
		RegisterHealthRoutes(app, stubPinger{err: errors.New("db down")}, nil, nil)

		resp, body := performRequest(t, app, http.MethodGet, "/readyz", "")
		if resp.StatusCode != fiber.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503, body=%s", resp.StatusCode, string(body))
		}
		checks := decodeMap(t, body)["checks"].(map[string]any)
		if checks["store"] != "down" {
			t.Fatalf("checks = %v", checks)
		}
	})
}

func performRequest(t *testing.T, app *fiber.App, method string, path string, body string) (*http.Response, []byte) {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	_ = resp.Body.Close()

	return resp, respBody
}

func decodeMap(t *testing.T, body []byte) map[string]any {
	t.Helper()

	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v, body=%s", err, body)
	}
	return parsed
}
