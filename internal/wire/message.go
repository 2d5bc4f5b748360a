package wire

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
)

type MessageType string

const (
	TypeWorkflowUpdate MessageType = "workflow_update"
	TypeWorkflowStatus MessageType = "workflow_status"
)

// Message is one push-channel envelope.
type Message struct {
	Type MessageType
	Data []byte
}

const envelopeSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["type", "data"],
  "properties": {
    "type": {"type": "string", "minLength": 1},
    "data": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "phases": {"type": "array"},
        "logs": {"type": "array"}
      }
    }
  }
}`

var envelope = jsonschema.MustCompileString("tracker://push-envelope.json", envelopeSchema)

// DecodeMessage validates a raw push frame and returns its envelope. Schema
// violations wrap ErrMalformed; a well-formed frame of a type this tracker
// does not handle wraps ErrUnknownType.
func DecodeMessage(raw []byte) (Message, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := envelope.Validate(doc); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	msgType := MessageType(gjson.GetBytes(raw, "type").String())
	switch msgType {
	case TypeWorkflowUpdate, TypeWorkflowStatus:
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, msgType)
	}
	return Message{Type: msgType, Data: []byte(gjson.GetBytes(raw, "data").Raw)}, nil
}
