package eventbus

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kilianp07/qgdispatch/core/logger"
	infralogger "github.com/kilianp07/qgdispatch/infra/logger"
)

const (
	DefaultQueueSize = 100
	DefaultHeartbeat = 25 * time.Second
)

// Notifier publishes events on the hub. Components depend on this rather than
// on *Hub so they can be tested with a recorder.
type Notifier interface {
	Notify(event string, data any)
}

type subscriberKind int

const (
	kindListener subscriberKind = iota
	kindStream
)

func (k subscriberKind) String() string {
	if k == kindStream {
		return "stream"
	}
	return "listener"
}

type subscriber struct {
	ch     chan *Message
	topics map[string]struct{}
	kind   subscriberKind
}

func (s *subscriber) accepts(event string) bool {
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[event]
	return ok
}

func (s *subscriber) topicList() []string {
	if len(s.topics) == 0 {
		return []string{"all"}
	}
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Hub fans notifications out to stream and listener subscribers. Each
// subscriber owns a bounded queue; a full queue drops the message for that
// subscriber only.
type Hub struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}

	queueSize int
	heartbeat time.Duration
	now       func() time.Time
	log       logger.Logger
	dropped   atomic.Uint64
}

// Option configures a Hub.
type Option func(*Hub)

// WithQueueSize sets the per-subscriber queue capacity.
func WithQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

// WithHeartbeat sets the idle interval after which streams emit a heartbeat.
func WithHeartbeat(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.log = l
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) {
		if now != nil {
			h.now = now
		}
	}
}

// New creates a Hub.
func New(opts ...Option) *Hub {
	h := &Hub{
		subs:      make(map[*subscriber]struct{}),
		queueSize: DefaultQueueSize,
		heartbeat: DefaultHeartbeat,
		now:       time.Now,
		log:       infralogger.NopLogger{},
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Notify delivers the event to every subscriber accepting it. It never blocks.
func (h *Hub) Notify(event string, data any) {
	h.fanOut(h.message(event, data))
}

// Relay delivers a message produced on another instance. Relayed messages keep
// their original timestamp.
func (h *Hub) Relay(msg Message) {
	msg.relayed = true
	if msg.Timestamp.IsZero() {
		msg.Timestamp = h.now().UTC()
	}
	h.fanOut(&msg)
}

func (h *Hub) message(event string, data any) *Message {
	return &Message{Event: event, Data: data, Timestamp: h.now().UTC()}
}

func (h *Hub) fanOut(msg *Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if !s.accepts(msg.Event) {
			continue
		}
		select {
		case s.ch <- msg:
		default:
			h.dropped.Add(1)
			h.log.Warnw("hub.queue.full", map[string]any{"event": msg.Event, "kind": s.kind.String()})
		}
	}
}

func (h *Hub) register(kind subscriberKind, topics []string) *subscriber {
	s := &subscriber{ch: make(chan *Message, h.queueSize), kind: kind}
	if len(topics) > 0 {
		s.topics = make(map[string]struct{}, len(topics))
		for _, t := range topics {
			if t != "" {
				s.topics[t] = struct{}{}
			}
		}
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *Hub) unregister(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.ch)
	}
}

// Subscribe registers a listener. The returned channel is closed when the
// subscription is closed or the hub disconnects all subscribers.
func (h *Hub) Subscribe(topics ...string) *Subscription {
	return &Subscription{hub: h, sub: h.register(kindListener, topics)}
}

// Stream registers a stream subscriber and passes SSE frames to yield until ctx
// is done, the hub disconnects it or yield fails. A connected frame is sent
// first and a heartbeat frame after every idle interval.
func (h *Hub) Stream(ctx context.Context, topics []string, yield func(frame string) error) error {
	s := h.register(kindStream, topics)
	names := s.topicList()
	h.log.Infow("hub.client.connected", map[string]any{"topics": names, "total_clients": h.ClientCount()})
	defer func() {
		h.unregister(s)
		h.log.Infow("hub.client.disconnected", map[string]any{"topics": names, "total_clients": h.ClientCount()})
	}()

	send := func(msg *Message) error {
		frame, err := FormatFrame(msg)
		if err != nil {
			h.log.Warnf("drop frame: %v", err)
			return nil
		}
		return yield(frame)
	}

	if err := send(h.message(EventConnected, map[string]any{"topics": names})); err != nil {
		return err
	}
	timer := time.NewTimer(h.heartbeat)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-s.ch:
			if !ok {
				return nil
			}
			if err := send(msg); err != nil {
				return err
			}
		case <-timer.C:
			if err := send(h.message(EventHeartbeat, map[string]any{"topics": names})); err != nil {
				return err
			}
		}
		timer.Reset(h.heartbeat)
	}
}

// DisconnectAll closes every subscriber queue and clears the registry. Open
// streams terminate once they drain their queue.
func (h *Hub) DisconnectAll() {
	h.mu.Lock()
	for s := range h.subs {
		close(s.ch)
	}
	h.subs = make(map[*subscriber]struct{})
	h.mu.Unlock()
	h.log.Infof("all hub clients disconnected")
}

// ClientCount returns the number of connected stream subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for s := range h.subs {
		if s.kind == kindStream {
			n++
		}
	}
	return n
}

// Dropped returns how many messages were discarded because of full queues.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Subscription is a listener registered on a Hub.
type Subscription struct {
	hub *Hub
	sub *subscriber
}

// C returns the channel receiving matching messages.
func (s *Subscription) C() <-chan *Message { return s.sub.ch }

// Close unregisters the listener. It is safe to call more than once.
func (s *Subscription) Close() { s.hub.unregister(s.sub) }
