package mqtt

import (
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

type subscription struct {
	topic string
	qos   byte
}

// mockClient records what the ingress asks of the paho client.
type mockClient struct {
	opts       *paho.ClientOptions
	subscribed []subscription
	connectErr error
}

func (m *mockClient) IsConnected() bool { return true }

func (m *mockClient) Connect() paho.Token {
	if m.connectErr == nil && m.opts != nil && m.opts.OnConnect != nil {
		m.opts.OnConnect(m)
	}
	return doneToken{err: m.connectErr}
}

func (m *mockClient) Disconnect(uint) {}

func (m *mockClient) Subscribe(topic string, qos byte, _ paho.MessageHandler) paho.Token {
	m.subscribed = append(m.subscribed, subscription{topic, qos})
	return doneToken{}
}

// The ingress only calls Subscribe on the connected client.
func (m *mockClient) Publish(string, byte, bool, interface{}) paho.Token { return doneToken{} }
func (m *mockClient) SubscribeMultiple(map[string]byte, paho.MessageHandler) paho.Token {
	return doneToken{}
}
func (m *mockClient) Unsubscribe(...string) paho.Token        { return doneToken{} }
func (m *mockClient) AddRoute(string, paho.MessageHandler)    {}
func (m *mockClient) OptionsReader() paho.ClientOptionsReader { return paho.ClientOptionsReader{} }
func (m *mockClient) IsConnectionOpen() bool                  { return true }

type doneToken struct{ err error }

func (d doneToken) Wait() bool                     { return true }
func (d doneToken) WaitTimeout(time.Duration) bool { return true }
func (d doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (d doneToken) Error() error { return d.err }

type mockMessage struct {
	topic string
	p     []byte
}

func (m mockMessage) Duplicate() bool   { return false }
func (m mockMessage) Qos() byte         { return 0 }
func (m mockMessage) Retained() bool    { return false }
func (m mockMessage) Topic() string     { return m.topic }
func (m mockMessage) MessageID() uint16 { return 0 }
func (m mockMessage) Payload() []byte   { return m.p }
func (m mockMessage) Ack()              {}

func useMock(mc *mockClient) func() {
	newMQTTClient = func(o *paho.ClientOptions) pahoClient { mc.opts = o; return mc }
	return func() { newMQTTClient = func(opts *paho.ClientOptions) pahoClient { return paho.NewClient(opts) } }
}
