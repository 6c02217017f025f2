package handler

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/ndr-engine/internal/service"
)

type WebhookHandler struct {
	decoder  service.TrackingDecoder
	ingester service.Ingester
}

func NewWebhookHandler(decoder service.TrackingDecoder, ingester service.Ingester) (*WebhookHandler, error) {
	if decoder == nil {
		return nil, fmt.Errorf("tracking decoder is required")
	}
	if ingester == nil {
		return nil, fmt.Errorf("ingester is required")
	}
	return &WebhookHandler{decoder: decoder, ingester: ingester}, nil
}

func RegisterWebhookRoutes(router fiber.Router, decoder service.TrackingDecoder, ingester service.Ingester) error {
	h, err := NewWebhookHandler(decoder, ingester)
	if err != nil {
		return err
	}

	router.Post("/v1/webhooks/carrier", h.CarrierTracking)
	return nil
}

// CarrierTracking answers 200 only once the event is durably applied, so a
// carrier retry after any failure is safe.
func (h *WebhookHandler) CarrierTracking(c *fiber.Ctx) error {
	ev, err := h.decoder.Decode(c.Body())
	if err != nil {
		return err
	}

	result, err := h.ingester.Ingest(c.UserContext(), *ev)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(toIngestResponse(result))
}
