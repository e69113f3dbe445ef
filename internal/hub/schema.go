package hub

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/roomsync/pkg/protocol"
)

type frameSchemaRegistry struct {
	once    sync.Once
	initErr error
	frame   *jsonschema.Schema
	events  map[string]*jsonschema.Schema
}

var frameSchemas frameSchemaRegistry

func initFrameSchemas() error {
	frameSchemas.once.Do(func() {
		frame, err := jsonschema.CompileString("frame", frameSchema)
		if err != nil {
			frameSchemas.initErr = err
			return
		}
		frameSchemas.frame = frame

		events := map[string]string{
			protocol.EventAuth:            authArgsSchema,
			protocol.EventJoin:            joinArgsSchema,
			protocol.EventLeaveRoom:       leaveRoomArgsSchema,
			protocol.EventUserReliable:    updateArgsSchema,
			protocol.EventUserUnreliable:  updateArgsSchema,
			protocol.EventUserBatched:     updateArgsSchema,
			protocol.EventStateReliable:   updateArgsSchema,
			protocol.EventStateUnreliable: updateArgsSchema,
			protocol.EventStateBatched:    updateArgsSchema,
		}
		frameSchemas.events = make(map[string]*jsonschema.Schema, len(events))
		for name, schema := range events {
			compiled, err := jsonschema.CompileString("event_"+name, schema)
			if err != nil {
				frameSchemas.initErr = err
				return
			}
			frameSchemas.events[name] = compiled
		}
	})
	return frameSchemas.initErr
}

// decodeFrame parses and validates an inbound frame. Unknown events pass the
// envelope check and are ignored by the dispatcher.
func decodeFrame(raw []byte) (protocol.Frame, error) {
	var frame protocol.Frame
	if err := initFrameSchemas(); err != nil {
		return frame, err
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return frame, err
	}
	if err := frameSchemas.frame.Validate(payload); err != nil {
		return frame, err
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return frame, err
	}

	if schema := frameSchemas.events[frame.Event]; schema != nil {
		args := []any{}
		if obj, ok := payload.(map[string]any); ok {
			if list, ok := obj["args"].([]any); ok {
				args = list
			}
		}
		if err := schema.Validate(args); err != nil {
			return frame, fmt.Errorf("%s: %w", frame.Event, err)
		}
	}
	return frame, nil
}

const frameSchema = `{
  "type": "object",
  "required": ["event"],
  "properties": {
    "event": { "type": "string", "minLength": 1 },
    "args": { "type": "array" },
    "seq": { "type": "integer", "minimum": 0 }
  },
  "additionalProperties": true
}`

const authArgsSchema = `{
  "type": "array",
  "maxItems": 1,
  "prefixItems": [
    {
      "type": ["object", "null"],
      "properties": {
        "id": { "type": ["string", "null"] }
      },
      "additionalProperties": true
    }
  ]
}`

const joinArgsSchema = `{
  "type": "array",
  "maxItems": 2,
  "prefixItems": [
    {
      "type": ["object", "null"],
      "properties": {
        "room": { "type": ["string", "null"] }
      },
      "additionalProperties": true
    },
    {}
  ]
}`

const leaveRoomArgsSchema = `{
  "type": "array",
  "maxItems": 0
}`

// Update deltas of any shape are accepted here; non-object deltas are dropped
// later without a reply.
const updateArgsSchema = `{
  "type": "array",
  "minItems": 1,
  "maxItems": 1
}`
