// Package schema validates inbound carrier payloads before they are decoded.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kursadbilgin/ndr-engine/internal/carrier"
	"github.com/kursadbilgin/ndr-engine/internal/domain"
	"github.com/xeipuuv/gojsonschema"
)

// TrackingEventSchema is the JSON schema of a carrier tracking event.
const TrackingEventSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["waybill", "status"],
  "properties": {
    "waybill": {"type": "string", "minLength": 1, "pattern": "\\S"},
    "status": {"type": "string", "minLength": 1},
    "expected_delivery": {"type": ["string", "null"], "format": "date-time"},
    "reason_code": {"type": "string"},
    "order_reference": {"type": "string"},
    "scans": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["date", "status"],
        "properties": {
          "date": {"type": "string", "format": "date-time"},
          "location": {"type": "string"},
          "status": {"type": "string"},
          "instructions": {"type": "string"},
          "reason_code": {"type": "string"}
        }
      }
    }
  }
}`

// TrackingValidator checks raw tracking payloads against TrackingEventSchema.
type TrackingValidator struct {
	schema *gojsonschema.Schema
}

func NewTrackingValidator() (*TrackingValidator, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(TrackingEventSchema))
	if err != nil {
		return nil, fmt.Errorf("invalid tracking event schema: %w", err)
	}
	return &TrackingValidator{schema: s}, nil
}

// Validate reports schema violations as domain.ErrValidation.
func (v *TrackingValidator) Validate(raw []byte) error {
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("%w: malformed tracking payload: %v", domain.ErrValidation, err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}
	return fmt.Errorf("%w: tracking payload failed schema validation: %s", domain.ErrValidation, strings.Join(msgs, "; "))
}

// Decode validates raw and unmarshals it into a TrackingEvent.
func (v *TrackingValidator) Decode(raw []byte) (*carrier.TrackingEvent, error) {
	if err := v.Validate(raw); err != nil {
		return nil, err
	}

	var ev carrier.TrackingEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("%w: decode tracking payload: %v", domain.ErrValidation, err)
	}
	ev.Waybill = strings.TrimSpace(ev.Waybill)
	return &ev, nil
}
