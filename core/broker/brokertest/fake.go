// Package brokertest provides an in-memory broker.Client for tests.
package brokertest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kilianp07/qgdispatch/core/broker"
)

// Published is one recorded publish.
type Published struct {
	Queue string
	Body  []byte
}

// Decode unmarshals the body into v.
func (p Published) Decode(v any) error { return json.Unmarshal(p.Body, v) }

// Client records publishes and lets tests drive consumers.
type Client struct {
	mu        sync.Mutex
	published []Published
	declared  map[string]bool
	handlers  map[string]broker.Handler
	closed    bool

	// PublishErr, when set, is returned by Publish and Enqueue.
	PublishErr error
	// EnqueueErr, when set, is returned by Enqueue only.
	EnqueueErr error
	// ConsumeErr, when set, is returned by Consume.
	ConsumeErr error
	// OnPublish runs after every successful publish.
	OnPublish func(Published)
}

var _ broker.Client = (*Client)(nil)

// New returns an empty fake client.
func New() *Client {
	return &Client{declared: map[string]bool{}, handlers: map[string]broker.Handler{}}
}

func (c *Client) DeclareQueue(_ context.Context, name string, _, _ bool) error {
	c.mu.Lock()
	c.declared[name] = true
	c.mu.Unlock()
	return nil
}

func (c *Client) Publish(_ context.Context, queue string, body []byte, _ string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("%w: closed", broker.ErrUnavailable)
	}
	if c.PublishErr != nil {
		err := c.PublishErr
		c.mu.Unlock()
		return err
	}
	p := Published{Queue: queue, Body: append([]byte(nil), body...)}
	c.published = append(c.published, p)
	hook := c.OnPublish
	c.mu.Unlock()
	if hook != nil {
		hook(p)
	}
	return nil
}

func (c *Client) Enqueue(ctx context.Context, queue string, body []byte, _ time.Duration) error {
	c.mu.Lock()
	err := c.EnqueueErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if err := c.Publish(ctx, queue, body, broker.ContentTypeJSON); err != nil {
		return fmt.Errorf("%w: %v", broker.ErrUnavailable, err)
	}
	return nil
}

func (c *Client) Consume(_ context.Context, queue string, h broker.Handler, _ int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ConsumeErr != nil {
		return c.ConsumeErr
	}
	c.handlers[queue] = h
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// Deliver runs the handler consuming queue with body.
func (c *Client) Deliver(ctx context.Context, queue string, body []byte) error {
	c.mu.Lock()
	h, ok := c.handlers[queue]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("no consumer on %s", queue)
	}
	return h(ctx, broker.Delivery{Queue: queue, Body: body, ContentType: broker.ContentTypeJSON})
}

// Consumed lists the queues with an attached consumer.
func (c *Client) Consumed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.handlers))
	for q := range c.handlers {
		out = append(out, q)
	}
	return out
}

// Published returns the publishes made to queue, or all when queue is empty.
func (c *Client) Published(queue string) []Published {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Published
	for _, p := range c.published {
		if queue == "" || p.Queue == queue {
			out = append(out, p)
		}
	}
	return out
}

// Closed reports whether Close was called.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
