// Package redisbridge relays event hub notifications between service
// instances through a Redis pub/sub channel.
package redisbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kilianp07/qgdispatch/core/logger"
	"github.com/kilianp07/qgdispatch/internal/eventbus"
)

// Config configures the Redis connection and channel.
type Config struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Channel  string `json:"channel"`
	// InstanceID identifies this instance on the channel. Random when empty.
	InstanceID string `json:"instance_id"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	if c.Channel == "" {
		c.Channel = "qg:events"
	}
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}
}

// Validate checks the configuration values.
func (c Config) Validate() error {
	if c.Enabled && c.Addr == "" {
		return errors.New("redis addr required")
	}
	if c.DB < 0 {
		return errors.New("redis db must not be negative")
	}
	return nil
}

// Hub is the part of the event hub used by the bridge.
type Hub interface {
	Subscribe(topics ...string) *eventbus.Subscription
	Relay(msg eventbus.Message)
}

type wire struct {
	Origin  string          `json:"origin"`
	Message json.RawMessage `json:"message"`
}

type relayed struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Bridge exports local hub messages to Redis and relays messages published by
// other instances into the local hub.
type Bridge struct {
	rdb    *redis.Client
	hub    Hub
	cfg    Config
	log    logger.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sub    *eventbus.Subscription
	ps     *redis.PubSub
}

// New creates a bridge with its own Redis client.
func New(cfg Config, hub Hub, log logger.Logger) *Bridge {
	cfg.SetDefaults()
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	return NewWithClient(rdb, cfg, hub, log)
}

// NewWithClient creates a bridge on an existing client. The bridge owns the
// client and closes it.
func NewWithClient(rdb *redis.Client, cfg Config, hub Hub, log logger.Logger) *Bridge {
	cfg.SetDefaults()
	return &Bridge{rdb: rdb, hub: hub, cfg: cfg, log: logger.OrNop(log)}
}

// Start pings Redis and launches the export and import loops.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	b.ps = b.rdb.Subscribe(ctx, b.cfg.Channel)
	if _, err := b.ps.Receive(ctx); err != nil {
		cancel()
		_ = b.ps.Close()
		return fmt.Errorf("redis subscribe %s: %w", b.cfg.Channel, err)
	}
	b.sub = b.hub.Subscribe()

	b.wg.Add(2)
	go b.export(ctx)
	go b.importLoop(ctx)
	b.log.Infow("redisbridge.started", map[string]any{"channel": b.cfg.Channel, "instance": b.cfg.InstanceID})
	return nil
}

func (b *Bridge) export(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-b.sub.C():
			if !ok {
				return
			}
			if msg.Relayed() {
				continue
			}
			payload, err := b.encode(msg)
			if err != nil {
				b.log.Warnf("encode %s: %v", msg.Event, err)
				continue
			}
			if err := b.rdb.Publish(ctx, b.cfg.Channel, payload).Err(); err != nil && ctx.Err() == nil {
				b.log.Warnw("redisbridge.publish.failed", map[string]any{"event": msg.Event, "error": err.Error()})
			}
		}
	}
}

func (b *Bridge) importLoop(ctx context.Context) {
	defer b.wg.Done()
	ch := b.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			b.handle([]byte(m.Payload))
		}
	}
}

func (b *Bridge) encode(msg *eventbus.Message) ([]byte, error) {
	inner, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wire{Origin: b.cfg.InstanceID, Message: inner})
}

// handle relays one payload from the channel. Messages this instance
// published are ignored.
func (b *Bridge) handle(payload []byte) bool {
	var w wire
	if err := json.Unmarshal(payload, &w); err != nil {
		b.log.Warnf("decode relayed message: %v", err)
		return false
	}
	if w.Origin == b.cfg.InstanceID {
		return false
	}
	var m relayed
	if err := json.Unmarshal(w.Message, &m); err != nil || m.Event == "" {
		b.log.Warnw("redisbridge.message.invalid", map[string]any{"origin": w.Origin})
		return false
	}
	b.hub.Relay(eventbus.Message{Event: m.Event, Data: m.Data, Timestamp: m.Timestamp})
	return true
}

// Close stops both loops and closes the Redis client.
func (b *Bridge) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	if b.sub != nil {
		b.sub.Close()
	}
	var err error
	if b.ps != nil {
		err = b.ps.Close()
	}
	b.wg.Wait()
	return errors.Join(err, b.rdb.Close())
}
