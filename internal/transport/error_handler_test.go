package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/ndr-engine/internal/domain"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestErrorHandler(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		err         error
		wantStatus  int
		wantMessage string
		wantLevel   zapcore.Level
	}{
		{
			name:        "validation",
			err:         fmt.Errorf("%w: waybill is required", domain.ErrValidation),
			wantStatus:  fiber.StatusBadRequest,
			wantMessage: "validation error: waybill is required",
			wantLevel:   zapcore.WarnLevel,
		},
		{name: "not found", err: domain.ErrNotFound, wantStatus: fiber.StatusNotFound, wantLevel: zapcore.WarnLevel},
		{name: "policy", err: domain.ErrPolicyViolation, wantStatus: fiber.StatusUnprocessableEntity, wantLevel: zapcore.WarnLevel},
		{name: "conflict", err: domain.ErrConflict, wantStatus: fiber.StatusConflict, wantLevel: zapcore.WarnLevel},
		{name: "external", err: domain.ErrExternalService, wantStatus: fiber.StatusBadGateway, wantLevel: zapcore.ErrorLevel},
		{name: "fiber error keeps code", err: fiber.ErrMethodNotAllowed, wantStatus: fiber.StatusMethodNotAllowed, wantLevel: zapcore.WarnLevel},
		{
			name:        "internal hides message",
			err:         errors.New("pq: connection reset"),
			wantStatus:  fiber.StatusInternalServerError,
			wantMessage: "internal server error",
			wantLevel:   zapcore.ErrorLevel,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			core, logs := observer.New(zapcore.DebugLevel)
			app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(zap.New(core))})
			app.Get("/boom", func(c *fiber.Ctx) error { return tc.err })

			resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/boom", nil))
			if err != nil {
				t.Fatalf("app.Test() error = %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tc.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.wantStatus)
			}

			raw, err := io.ReadAll(resp.Body)
			if err != nil {
				t.Fatalf("read body error = %v", err)
			}
			var body map[string]string
			if err := json.Unmarshal(raw, &body); err != nil {
				t.Fatalf("json unmarshal error = %v", err)
			}
			if tc.wantMessage != "" && body["error"] != tc.wantMessage {
				t.Fatalf("error = %q, want %q", body["error"], tc.wantMessage)
			}

			entries := logs.All()
			if len(entries) != 1 || entries[0].Level != tc.wantLevel {
				t.Fatalf("log entries = %+v, want one at %s", entries, tc.wantLevel)
			}
		})
	}
}
