// Package eventbustest records hub notifications for assertions.
package eventbustest

import (
	"sync"

	"github.com/kilianp07/qgdispatch/internal/eventbus"
)

// Notification is one recorded Notify call.
type Notification struct {
	Event string
	Data  any
}

// Recorder implements eventbus.Notifier.
type Recorder struct {
	mu    sync.Mutex
	items []Notification
}

var _ eventbus.Notifier = (*Recorder)(nil)

func (r *Recorder) Notify(event string, data any) {
	r.mu.Lock()
	r.items = append(r.items, Notification{Event: event, Data: data})
	r.mu.Unlock()
}

// All returns every notification in order.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.items...)
}

// Events returns the notifications named event.
func (r *Recorder) Events(event string) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.items {
		if n.Event == event {
			out = append(out, n)
		}
	}
	return out
}
