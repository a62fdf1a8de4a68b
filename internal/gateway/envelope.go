package gateway

import (
	"encoding/json"
	"strings"
)

// Envelope types. One JSON envelope per WebSocket message, both directions.
const (
	TypeDialogue = "dialogue"
	TypeAction   = "action"
	TypeState    = "state"
	TypeError    = "error"
)

// Envelope is the wire format between the core and a conversation client.
// Client→core only `type:"dialogue"` with a string payload is accepted;
// other fields are ignored on input. Core→client `state` is always set.
type Envelope struct {
	Type       string   `json:"type"`
	Agent      string   `json:"agent,omitempty"`
	State      string   `json:"state,omitempty"`
	Payload    any      `json:"payload,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// decodePayload turns a reply into the envelope payload: structured-output
// agents deliver a JSON value, free-text agents a plain string fragment.
func decodePayload(chunk string) any {
	trimmed := strings.TrimSpace(chunk)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return v
		}
	}
	return chunk
}
