package broker

import (
	"encoding/json"

	"github.com/kilianp07/qgdispatch/core/events"
)

// Envelope is the JSON object carried by every broker message.
type Envelope struct {
	Event   events.Kind `json:"event"`
	Payload any         `json:"payload"`
}

// Encode marshals an envelope for kind and payload.
func Encode(kind events.Kind, payload any) ([]byte, error) {
	return json.Marshal(Envelope{Event: kind, Payload: payload})
}

// EncodeLegacy marshals an envelope whose payload fields are also flattened at
// the top level for consumers that ignore the event field.
func EncodeLegacy(kind events.Kind, payload map[string]any) ([]byte, error) {
	out := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		out[k] = v
	}
	out["event"] = kind
	out["payload"] = payload
	return json.Marshal(out)
}
