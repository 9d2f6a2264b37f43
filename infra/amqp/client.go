package amqp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/kilianp07/qgdispatch/core/broker"
	"github.com/kilianp07/qgdispatch/infra/logger"
)

// channel is the subset of *amqp.Channel used by the client.
type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	IsClosed() bool
	Close() error
}

// connection is the subset of *amqp.Connection used by the client.
type connection interface {
	Channel() (channel, error)
	IsClosed() bool
	Close() error
}

type amqpConnection struct{ *amqp.Connection }

func (c amqpConnection) Channel() (channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

var dial = func(url string, cfg amqp.Config) (connection, error) {
	conn, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

type consumer struct {
	tag    string
	queue  string
	cancel context.CancelFunc
}

// Client implements broker.Client on top of a single lazily established
// RabbitMQ connection and channel.
type Client struct {
	cfg Config
	log logger.Logger

	mu        sync.Mutex
	conn      connection
	ch        channel
	consumers map[string]*consumer
	closed    bool

	pubMu sync.Mutex
	wg    sync.WaitGroup
}

// NewClient creates a client. No connection is made until the first
// operation needs one.
func NewClient(cfg Config, log logger.Logger) *Client {
	cfg.SetDefaults()
	if log == nil {
		log = logger.New("amqp")
	}
	return &Client{cfg: cfg, log: log, consumers: make(map[string]*consumer)}
}

var _ broker.Client = (*Client)(nil)

// channel returns the shared channel, dialling or reopening it when closed.
func (c *Client) channel() (channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("%w: client closed", broker.ErrUnavailable)
	}
	if c.conn == nil || c.conn.IsClosed() {
		conn, err := dial(c.cfg.URL, amqp.Config{
			Heartbeat:  c.cfg.heartbeat(),
			Locale:     "en_US",
			Dial:       amqp.DefaultDial(c.cfg.connectTimeout()),
			Properties: amqp.Table{"connection_name": c.cfg.ConnectionName},
		})
		if err != nil {
			return nil, fmt.Errorf("%w: dial: %v", broker.ErrUnavailable, err)
		}
		c.conn = conn
		c.ch = nil
		c.log.Infof("broker connected")
	}
	if c.ch == nil || c.ch.IsClosed() {
		ch, err := c.conn.Channel()
		if err != nil {
			return nil, fmt.Errorf("%w: open channel: %v", broker.ErrUnavailable, err)
		}
		c.ch = ch
	}
	return c.ch, nil
}

// DeclareQueue declares a queue. Declaring an existing queue with the same
// arguments is a no-op.
func (c *Client) DeclareQueue(ctx context.Context, name string, durable, autoDelete bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch, err := c.channel()
	if err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(name, durable, autoDelete, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", name, err)
	}
	return nil
}

// Publish sends body to queue through the default exchange.
func (c *Client) Publish(ctx context.Context, queue string, body []byte, contentType string) error {
	ch, err := c.channel()
	if err != nil {
		publishTotal.WithLabelValues(queue, "failure").Inc()
		return err
	}
	if contentType == "" {
		contentType = broker.ContentTypeJSON
	}
	c.pubMu.Lock()
	err = ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  contentType,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	c.pubMu.Unlock()
	if err != nil {
		publishTotal.WithLabelValues(queue, "failure").Inc()
		return fmt.Errorf("publish %s: %w", queue, err)
	}
	publishTotal.WithLabelValues(queue, "success").Inc()
	return nil
}

// Enqueue declares a durable queue and publishes body to it. The whole
// operation must finish within timeout, otherwise broker.ErrUnavailable is
// returned.
func (c *Client) Enqueue(ctx context.Context, queue string, body []byte, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		if err := c.DeclareQueue(ctx, queue, true, false); err != nil {
			done <- err
			return
		}
		done <- c.Publish(ctx, queue, body, broker.ContentTypeJSON)
	}()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, broker.ErrUnavailable) {
			return fmt.Errorf("%w: %v", broker.ErrUnavailable, err)
		}
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: enqueue %s: %v", broker.ErrUnavailable, queue, ctx.Err())
	}
}

// Consume declares queue and processes its deliveries in a background
// goroutine until ctx is done or the client is closed. Deliveries are acked
// when h succeeds and nacked with requeue otherwise.
func (c *Client) Consume(ctx context.Context, queue string, h broker.Handler, prefetch int) error {
	if h == nil {
		return fmt.Errorf("consume %s: nil handler", queue)
	}
	if prefetch <= 0 {
		prefetch = c.cfg.Prefetch
	}
	cctx, cancel := context.WithCancel(ctx)
	cons := &consumer{tag: "qg-" + queue + "-" + uuid.NewString()[:8], queue: queue, cancel: cancel}
	deliveries, err := c.subscribe(cons, prefetch)
	if err != nil {
		cancel()
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return fmt.Errorf("%w: client closed", broker.ErrUnavailable)
	}
	c.consumers[cons.tag] = cons
	c.wg.Add(1)
	c.mu.Unlock()

	go c.consumeLoop(cctx, cons, deliveries, h, prefetch)
	c.log.Infof("consuming queue %s", queue)
	return nil
}

func (c *Client) subscribe(cons *consumer, prefetch int) (<-chan amqp.Delivery, error) {
	ch, err := c.channel()
	if err != nil {
		return nil, err
	}
	if _, err := ch.QueueDeclare(cons.queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare %s: %w", cons.queue, err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("qos %s: %w", cons.queue, err)
	}
	deliveries, err := ch.Consume(cons.queue, cons.tag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", cons.queue, err)
	}
	return deliveries, nil
}

func (c *Client) consumeLoop(ctx context.Context, cons *consumer, deliveries <-chan amqp.Delivery, h broker.Handler, prefetch int) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		delete(c.consumers, cons.tag)
		c.mu.Unlock()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if ok {
				c.handle(ctx, cons.queue, h, d)
				continue
			}
			c.log.Warnf("delivery channel for %s closed", cons.queue)
			deliveries = c.resubscribe(ctx, cons, prefetch)
			if deliveries == nil {
				return
			}
		}
	}
}

// resubscribe re-attaches the consumer until it succeeds or ctx is done.
func (c *Client) resubscribe(ctx context.Context, cons *consumer, prefetch int) <-chan amqp.Delivery {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.resubscribeBackoff()):
		}
		deliveries, err := c.subscribe(cons, prefetch)
		if err == nil {
			c.log.Infof("consumer for %s re-attached", cons.queue)
			return deliveries
		}
		if errors.Is(err, broker.ErrUnavailable) && c.isClosed() {
			return nil
		}
		c.log.Warnf("re-attach %s: %v", cons.queue, err)
	}
}

func (c *Client) handle(ctx context.Context, queue string, h broker.Handler, d amqp.Delivery) {
	err := h(ctx, broker.Delivery{
		Queue:       queue,
		Body:        d.Body,
		ContentType: d.ContentType,
		Redelivered: d.Redelivered,
	})
	if err == nil {
		if aerr := d.Ack(false); aerr != nil {
			c.log.Errorf("ack %s: %v", queue, aerr)
		}
		deliveriesTotal.WithLabelValues(queue, "ack").Inc()
		return
	}
	c.log.Warnw("broker.message.requeued", map[string]any{"queue": queue, "error": err.Error()})
	if nerr := d.Nack(false, true); nerr != nil {
		c.log.Errorf("nack %s: %v", queue, nerr)
	}
	deliveriesTotal.WithLabelValues(queue, "nack").Inc()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Healthy reports whether the shared connection is currently open.
func (c *Client) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.conn.IsClosed()
}

// Close cancels every consumer, then closes the channel and the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cons := make([]*consumer, 0, len(c.consumers))
	for _, cs := range c.consumers {
		cons = append(cons, cs)
	}
	ch, conn := c.ch, c.conn
	c.mu.Unlock()

	for _, cs := range cons {
		cs.cancel()
		if ch != nil && !ch.IsClosed() {
			if err := ch.Cancel(cs.tag, false); err != nil {
				c.log.Warnf("cancel consumer %s: %v", cs.tag, err)
			}
		}
	}
	c.wg.Wait()

	var errs []error
	if ch != nil && !ch.IsClosed() {
		if err := ch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if conn != nil && !conn.IsClosed() {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	c.log.Infof("broker client closed")
	return errors.Join(errs...)
}
