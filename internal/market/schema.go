package market

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// eventSchema validates raw replay/backfill payloads before they are decoded
// into Events. A payload that fails here is dropped, never escalated.
const eventSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["symbol", "time"],
  "properties": {
    "symbol": {"type": "string", "minLength": 1},
    "interval": {"type": "string"},
    "time": {"type": "integer", "minimum": 1},
    "candle": {
      "type": "object",
      "required": ["open", "high", "low", "close", "volume"],
      "properties": {
        "open_time": {"type": "integer"},
        "close_time": {"type": "integer"},
        "open": {"type": "number", "exclusiveMinimum": 0},
        "high": {"type": "number", "exclusiveMinimum": 0},
        "low": {"type": "number", "exclusiveMinimum": 0},
        "close": {"type": "number", "exclusiveMinimum": 0},
        "volume": {"type": "number", "minimum": 0},
        "trades": {"type": "integer"}
      }
    },
    "tick": {
      "type": "object",
      "properties": {
        "bid": {"type": "number", "minimum": 0},
        "ask": {"type": "number", "minimum": 0},
        "last": {"type": "number", "minimum": 0},
        "quantity": {"type": "number", "minimum": 0},
        "event_time": {"type": "integer"}
      }
    }
  },
  "anyOf": [
    {"required": ["candle"]},
    {"required": ["tick"]}
  ]
}`

var compiledEventSchema = jsonschema.MustCompileString("event.schema.json", eventSchema)

// ValidateEventPayload checks a raw JSON event document against the stream
// schema. Returns ErrSchemaInvalid (wrapped) on any violation.
func ValidateEventPayload(doc any) error {
	if err := compiledEventSchema.Validate(doc); err != nil {
		msg := err.Error()
		if idx := strings.IndexByte(msg, '\n'); idx > 0 {
			msg = msg[:idx]
		}
		return fmt.Errorf("%w: %s", ErrSchemaInvalid, msg)
	}
	return nil
}
