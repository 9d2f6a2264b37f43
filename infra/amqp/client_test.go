package amqp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/qgdispatch/core/broker"
	"github.com/kilianp07/qgdispatch/infra/logger"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.calls = append(r.calls, s)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeAck struct {
	mu     sync.Mutex
	acks   []uint64
	nacks  []uint64
	requeu []bool
}

func (a *fakeAck) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	a.acks = append(a.acks, tag)
	a.mu.Unlock()
	return nil
}

func (a *fakeAck) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	a.nacks = append(a.nacks, tag)
	a.requeu = append(a.requeu, requeue)
	a.mu.Unlock()
	return nil
}

func (a *fakeAck) Reject(uint64, bool) error { return nil }

func (a *fakeAck) counts() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.acks), len(a.nacks)
}

type fakeChannel struct {
	rec        *recorder
	mu         sync.Mutex
	closed     bool
	published  []amqp.Publishing
	declared   []string
	deliveries chan amqp.Delivery
	publishErr error
	block      chan struct{}
}

func newFakeChannel(rec *recorder) *fakeChannel {
	return &fakeChannel{rec: rec, deliveries: make(chan amqp.Delivery, 8)}
}

func (f *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.declared = append(f.declared, name)
	f.mu.Unlock()
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, _ string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Qos(int, int, bool) error { return nil }

func (f *fakeChannel) Consume(_, _ string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeChannel) Cancel(string, bool) error {
	f.rec.add("cancel")
	return nil
}

func (f *fakeChannel) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.rec.add("close_channel")
	return nil
}

type fakeConn struct {
	rec      *recorder
	mu       sync.Mutex
	closed   bool
	channels []*fakeChannel
}

func (f *fakeConn) Channel() (channel, error) {
	ch := newFakeChannel(f.rec)
	f.mu.Lock()
	f.channels = append(f.channels, ch)
	f.mu.Unlock()
	return ch, nil
}

func (f *fakeConn) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.rec.add("close_connection")
	return nil
}

func (f *fakeConn) lastChannel() *fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channels[len(f.channels)-1]
}

func withFakeDial(t *testing.T) (*fakeConn, *int) {
	t.Helper()
	rec := &recorder{}
	conn := &fakeConn{rec: rec}
	dials := 0
	orig := dial
	dial = func(string, amqp.Config) (connection, error) {
		dials++
		return conn, nil
	}
	t.Cleanup(func() { dial = orig })
	return conn, &dials
}

func newTestClient() *Client {
	return NewClient(Config{ResubscribeBackoffMS: 10}, logger.NopLogger{})
}

func TestClientPublishLazyConnect(t *testing.T) {
	ResetMetrics(prometheus.NewRegistry())
	conn, dials := withFakeDial(t)
	c := newTestClient()
	assert.Equal(t, 0, *dials)

	require.NoError(t, c.Publish(context.Background(), "q", []byte(`{}`), ""))
	require.NoError(t, c.Publish(context.Background(), "q", []byte(`{}`), ""))
	assert.Equal(t, 1, *dials)

	ch := conn.lastChannel()
	require.Len(t, ch.published, 2)
	assert.Equal(t, broker.ContentTypeJSON, ch.published[0].ContentType)
	assert.Equal(t, amqp.Persistent, ch.published[0].DeliveryMode)
	assert.Equal(t, 2.0, testutil.ToFloat64(publishTotal.WithLabelValues("q", "success")))
}

func TestClientRecreatesClosedChannel(t *testing.T) {
	ResetMetrics(prometheus.NewRegistry())
	conn, dials := withFakeDial(t)
	c := newTestClient()
	require.NoError(t, c.DeclareQueue(context.Background(), "q", true, false))
	first := conn.lastChannel()
	_ = first.Close()

	require.NoError(t, c.DeclareQueue(context.Background(), "q", true, false))
	assert.NotSame(t, first, conn.lastChannel())
	assert.Equal(t, 1, *dials)

	conn.mu.Lock()
	conn.closed = true
	conn.mu.Unlock()
	require.NoError(t, c.DeclareQueue(context.Background(), "q", true, false))
	assert.Equal(t, 2, *dials)
}

func TestClientDialFailureIsUnavailable(t *testing.T) {
	orig := dial
	dial = func(string, amqp.Config) (connection, error) { return nil, errors.New("refused") }
	t.Cleanup(func() { dial = orig })

	c := newTestClient()
	err := c.Publish(context.Background(), "q", nil, "")
	assert.ErrorIs(t, err, broker.ErrUnavailable)
}

func TestClientEnqueueTimeout(t *testing.T) {
	ResetMetrics(prometheus.NewRegistry())
	conn, _ := withFakeDial(t)
	c := newTestClient()
	require.NoError(t, c.DeclareQueue(context.Background(), "warmup", true, false))
	block := make(chan struct{})
	conn.lastChannel().block = block
	defer close(block)

	start := time.Now()
	err := c.Enqueue(context.Background(), broker.QueueEngine, []byte(`{}`), 30*time.Millisecond)
	assert.ErrorIs(t, err, broker.ErrUnavailable)
	assert.Less(t, time.Since(start), time.Second)
}

func TestClientEnqueuePublishErrorIsUnavailable(t *testing.T) {
	ResetMetrics(prometheus.NewRegistry())
	conn, _ := withFakeDial(t)
	c := newTestClient()
	require.NoError(t, c.DeclareQueue(context.Background(), "warmup", true, false))
	conn.lastChannel().publishErr = errors.New("channel/connection is not open")

	err := c.Enqueue(context.Background(), broker.QueueEngine, []byte(`{}`), time.Second)
	assert.ErrorIs(t, err, broker.ErrUnavailable)
	assert.Equal(t, 1.0, testutil.ToFloat64(publishTotal.WithLabelValues(broker.QueueEngine, "failure")))
}

func TestClientConsumeAckAndNack(t *testing.T) {
	ResetMetrics(prometheus.NewRegistry())
	conn, _ := withFakeDial(t)
	c := newTestClient()
	ack := &fakeAck{}

	handler := func(_ context.Context, d broker.Delivery) error {
		if string(d.Body) == "fail" {
			return errors.New("transient")
		}
		return nil
	}
	require.NoError(t, c.Consume(context.Background(), broker.QueueVehicleTelemetry, handler, 5))
	ch := conn.lastChannel()
	ch.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte("ok")}
	ch.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, Body: []byte("fail")}

	require.Eventually(t, func() bool {
		a, n := ack.counts()
		return a == 1 && n == 1
	}, time.Second, 5*time.Millisecond)
	ack.mu.Lock()
	assert.Equal(t, []uint64{1}, ack.acks)
	assert.Equal(t, []uint64{2}, ack.nacks)
	assert.Equal(t, []bool{true}, ack.requeu)
	ack.mu.Unlock()
	assert.Equal(t, 1.0, testutil.ToFloat64(deliveriesTotal.WithLabelValues(broker.QueueVehicleTelemetry, "nack")))
	require.NoError(t, c.Close())
}

func TestClientConsumeReattachesAfterChannelClose(t *testing.T) {
	ResetMetrics(prometheus.NewRegistry())
	conn, _ := withFakeDial(t)
	c := newTestClient()
	ack := &fakeAck{}
	got := make(chan string, 1)
	require.NoError(t, c.Consume(context.Background(), "q", func(_ context.Context, d broker.Delivery) error {
		got <- string(d.Body)
		return nil
	}, 1))

	first := conn.lastChannel()
	_ = first.Close()
	close(first.deliveries)

	require.Eventually(t, func() bool { return conn.lastChannel() != first }, time.Second, 5*time.Millisecond)
	conn.lastChannel().deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 7, Body: []byte("again")}
	select {
	case b := <-got:
		assert.Equal(t, "again", b)
	case <-time.After(time.Second):
		t.Fatal("no delivery after re-attach")
	}
	require.NoError(t, c.Close())
}

func TestClientCloseOrder(t *testing.T) {
	ResetMetrics(prometheus.NewRegistry())
	conn, _ := withFakeDial(t)
	c := newTestClient()
	noop := func(context.Context, broker.Delivery) error { return nil }
	require.NoError(t, c.Consume(context.Background(), "a", noop, 1))
	require.NoError(t, c.Consume(context.Background(), "b", noop, 1))

	require.NoError(t, c.Close())
	assert.Equal(t, []string{"cancel", "cancel", "close_channel", "close_connection"}, conn.rec.list())

	require.NoError(t, c.Close())
	err := c.Publish(context.Background(), "a", nil, "")
	assert.ErrorIs(t, err, broker.ErrUnavailable)
}
