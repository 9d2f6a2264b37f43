// Package subscriptions routes broker envelopes to typed handlers.
package subscriptions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/kilianp07/qgdispatch/core/broker"
	"github.com/kilianp07/qgdispatch/core/events"
	"github.com/kilianp07/qgdispatch/core/logger"
)

var (
	// ErrUnknownKind is returned when registering a handler for a kind that
	// is not part of the event catalogue.
	ErrUnknownKind = errors.New("unknown event kind")
	// ErrDuplicateHandler is returned when a kind already has a handler.
	ErrDuplicateHandler = errors.New("handler already registered")
	// ErrStarted is returned when registering after Start.
	ErrStarted = errors.New("dispatcher already started")

	errMalformed = errors.New("malformed payload")
)

// DefaultQueues are consumed when no queue list is configured.
var DefaultQueues = []string{broker.QueueAPI, broker.QueueVehicleTelemetry, broker.QueueIncidentTelemetry}

// QueueEvent is a decoded envelope handed to a typed handler.
type QueueEvent[T any] struct {
	Kind    events.Kind
	Payload T
	Queue   string
	Raw     json.RawMessage
}

type route func(ctx context.Context, kind events.Kind, queue string, raw json.RawMessage) error

// Dispatcher consumes the configured queues and routes each envelope by its
// event field.
type Dispatcher struct {
	client   broker.Client
	log      logger.Logger
	queues   []string
	prefetch int

	mu       sync.Mutex
	handlers map[events.Kind]route
	started  bool
	cancel   context.CancelFunc
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithQueues sets the consumed queues.
func WithQueues(queues ...string) Option {
	return func(d *Dispatcher) {
		if len(queues) > 0 {
			d.queues = append([]string(nil), queues...)
		}
	}
}

// WithPrefetch sets the per-consumer prefetch count.
func WithPrefetch(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.prefetch = n
		}
	}
}

// New creates a Dispatcher. client may be nil when only Route is used.
func New(client broker.Client, log logger.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		client:   client,
		log:      logger.OrNop(log),
		queues:   DefaultQueues,
		prefetch: 10,
		handlers: make(map[events.Kind]route),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// On registers h for kind. The payload is decoded into T before h runs.
func On[T any](d *Dispatcher, kind events.Kind, h func(context.Context, QueueEvent[T]) error) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if h == nil {
		return fmt.Errorf("nil handler for %s", kind)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return ErrStarted
	}
	if _, ok := d.handlers[kind]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, kind)
	}
	d.handlers[kind] = func(ctx context.Context, k events.Kind, queue string, raw json.RawMessage) error {
		var payload T
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &payload); err != nil {
				return fmt.Errorf("%w: %v", errMalformed, err)
			}
		}
		return h(ctx, QueueEvent[T]{Kind: k, Payload: payload, Queue: queue, Raw: raw})
	}
	return nil
}

// Kinds lists the registered kinds.
func (d *Dispatcher) Kinds() []events.Kind {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]events.Kind, 0, len(d.handlers))
	for k := range d.handlers {
		out = append(out, k)
	}
	return out
}

// Start consumes every configured queue. Calling Start twice is a no-op.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return nil
	}
	if d.client == nil {
		d.mu.Unlock()
		return errors.New("dispatcher has no broker client")
	}
	cctx, cancel := context.WithCancel(ctx)
	d.started = true
	d.cancel = cancel
	d.mu.Unlock()

	for _, q := range d.queues {
		if err := d.client.Consume(cctx, q, d.Route, d.prefetch); err != nil {
			d.Stop()
			return fmt.Errorf("consume %s: %w", q, err)
		}
	}
	d.log.Infow("dispatcher.started", map[string]any{"queues": d.queues})
	return nil
}

// Stop cancels every consumer started by Start.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
		d.log.Infof("dispatcher stopped")
	}
}

type envelope struct {
	Event   *string         `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Data    json.RawMessage `json:"data"`
}

// Route decodes one delivery and runs the matching handler. Malformed
// messages are logged and acknowledged; handler errors are returned so the
// message is requeued.
func (d *Dispatcher) Route(ctx context.Context, del broker.Delivery) error {
	var env envelope
	if err := json.Unmarshal(del.Body, &env); err != nil {
		d.drop(del.Queue, "invalid_json", map[string]any{"error": err.Error()})
		return nil
	}
	if env.Event == nil || *env.Event == "" {
		d.drop(del.Queue, "missing_event", nil)
		return nil
	}
	kind, err := events.ParseKind(*env.Event)
	if err != nil {
		d.drop(del.Queue, "unknown_event", map[string]any{"event": *env.Event})
		return nil
	}
	d.mu.Lock()
	h, ok := d.handlers[kind]
	d.mu.Unlock()
	if !ok {
		d.drop(del.Queue, "no_handler", map[string]any{"event": kind.String()})
		return nil
	}

	raw := env.Payload
	if len(raw) == 0 || string(raw) == "null" {
		raw = env.Data
	}
	if err := h(ctx, kind, del.Queue, raw); err != nil {
		if errors.Is(err, errMalformed) {
			d.drop(del.Queue, "bad_payload", map[string]any{"event": kind.String(), "error": err.Error()})
			return nil
		}
		failedTotal.WithLabelValues(kind.String()).Inc()
		d.log.Warnw("dispatcher.handler.failed", map[string]any{"queue": del.Queue, "event": kind.String(), "error": err.Error()})
		return err
	}
	routedTotal.WithLabelValues(kind.String()).Inc()
	return nil
}

func (d *Dispatcher) drop(queue, reason string, fields map[string]any) {
	droppedTotal.WithLabelValues(reason).Inc()
	if fields == nil {
		fields = map[string]any{}
	}
	fields["queue"] = queue
	fields["reason"] = reason
	d.log.Warnw("dispatcher.message.dropped", fields)
}
