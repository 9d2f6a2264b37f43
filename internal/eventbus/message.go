package eventbus

import (
	"encoding/json"
	"fmt"
	"time"
)

// Reserved event names generated by the hub itself.
const (
	EventConnected = "connected"
	EventHeartbeat = "heartbeat"
)

// Message is one notification delivered to subscribers.
type Message struct {
	Event     string    `json:"event"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`

	relayed bool
}

// Relayed reports whether the message came from another instance.
func (m *Message) Relayed() bool { return m.relayed }

// FormatFrame renders msg as a Server-Sent Events frame.
func FormatFrame(msg *Message) (string, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", msg.Event, err)
	}
	return "event: " + msg.Event + "\ndata: " + string(b) + "\n\n", nil
}
