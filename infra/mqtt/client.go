package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/kilianp07/qgdispatch/core/broker"
	"github.com/kilianp07/qgdispatch/core/events"
	"github.com/kilianp07/qgdispatch/core/logger"
	"github.com/kilianp07/qgdispatch/core/monitoring"
)

// Config defines the connection parameters for the Paho MQTT client.
type Config struct {
	Enabled     bool        `json:"enabled"`
	Broker      string      `json:"broker"`
	ClientID    string      `json:"client_id"`
	Username    string      `json:"username"`
	Password    string      `json:"password"`
	TopicPrefix string      `json:"topic_prefix"`
	QoS         byte        `json:"qos"`
	UseTLS      bool        `json:"use_tls"`
	ClientCert  string      `json:"client_cert"`
	ClientKey   string      `json:"client_key"`
	CABundle    string      `json:"ca_bundle"`
	AuthMethod  string      `json:"auth_method"`
	LWTTopic    string      `json:"lwt_topic"`
	LWTPayload  string      `json:"lwt_payload"`
	LWTQoS      byte        `json:"lwt_qos"`
	LWTRetain   bool        `json:"lwt_retain"`
	TimeoutMS   int         `json:"handler_timeout_ms"`
	TLSConfig   *tls.Config `json:"-"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Broker == "" {
		c.Broker = "tcp://localhost:1883"
	}
	if c.ClientID == "" {
		c.ClientID = "qgdispatch"
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = "vehicles"
	}
	if c.TimeoutMS <= 0 {
		c.TimeoutMS = 5000
	}
}

// Validate checks the configuration values.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Broker == "" {
		return errors.New("mqtt broker required")
	}
	if c.QoS > 2 || c.LWTQoS > 2 {
		return errors.New("mqtt qos must be 0, 1 or 2")
	}
	return nil
}

// Topics returns the telemetry subscriptions.
func (c Config) Topics() []string {
	return []string{c.TopicPrefix + "/+/position", c.TopicPrefix + "/+/status"}
}

// Router receives telemetry as broker deliveries.
type Router interface {
	Route(ctx context.Context, d broker.Delivery) error
}

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// Ingress subscribes to vehicle telemetry topics and hands every message to
// the router as if it had been consumed from the telemetry queue.
type Ingress struct {
	cli     pahoClient
	cfg     Config
	router  Router
	log     logger.Logger
	timeout time.Duration

	mu      sync.Mutex
	handled int
}

// NewIngress connects to the MQTT broker and subscribes to the telemetry
// topics on every (re)connection.
func NewIngress(cfg Config, router Router, log logger.Logger) (*Ingress, error) {
	cfg.SetDefaults()
	opts, err := NewClientOptions(cfg)
	if err != nil {
		return nil, err
	}
	log = logger.OrNop(log)
	in := &Ingress{cfg: cfg, router: router, log: log, timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond}

	opts.OnConnect = func(c paho.Client) {
		log.Infof("MQTT connected")
		in.subscribe(c)
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Errorf("connection lost: %v", err)
	}
	opts.OnReconnecting = func(_ paho.Client, _ *paho.ClientOptions) {
		log.Warnf("reconnecting to MQTT broker")
	}
	c := newMQTTClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	in.cli = c
	return in, nil
}

type subscriber interface {
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

func (in *Ingress) subscribe(c subscriber) {
	for _, topic := range in.cfg.Topics() {
		if token := c.Subscribe(topic, in.cfg.QoS, in.onMessage); token.Wait() && token.Error() != nil {
			in.log.Errorf("subscribe %s: %v", topic, token.Error())
		}
	}
}

// NewClientOptions builds paho options from Config. AuthMethod selects
// credentials: "username_password", "certificate" or "both"; empty behaves as
// username_password.
func NewClientOptions(cfg Config) (*paho.ClientOptions, error) {
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.AutoReconnect = true

	useCreds, useCert := true, false
	switch cfg.AuthMethod {
	case "", "username_password":
	case "certificate":
		useCreds, useCert = false, true
	case "both":
		useCert = true
	default:
		return nil, fmt.Errorf("unknown auth_method %q", cfg.AuthMethod)
	}
	if useCreds {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if useCert && (cfg.ClientCert == "" || cfg.ClientKey == "") && cfg.TLSConfig == nil {
		return nil, fmt.Errorf("auth_method %s requires client_cert and client_key", cfg.AuthMethod)
	}
	if cfg.UseTLS || useCert {
		tlsCfg, err := cfg.LoadTLSConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	if cfg.LWTTopic != "" {
		opts.SetWill(cfg.LWTTopic, cfg.LWTPayload, cfg.LWTQoS, cfg.LWTRetain)
	}
	return opts, nil
}

// LoadTLSConfig builds the TLS configuration from the PEM paths of the
// config. The CA bundle is optional and falls back to the system pool; a
// client certificate needs both its cert and key.
func (c Config) LoadTLSConfig() (*tls.Config, error) {
	if c.TLSConfig != nil {
		return c.TLSConfig, nil
	}
	out := &tls.Config{MinVersion: tls.VersionTLS12}
	if c.CABundle != "" {
		caBytes, err := os.ReadFile(c.CABundle)
		if err != nil {
			return nil, fmt.Errorf("read ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("ca bundle %s holds no certificate", c.CABundle)
		}
		out.RootCAs = pool
	}
	switch {
	case c.ClientCert != "" && c.ClientKey != "":
		cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		out.Certificates = []tls.Certificate{cert}
	case c.ClientCert != "" || c.ClientKey != "":
		return nil, fmt.Errorf("client_cert and client_key must be set together")
	}
	return out, nil
}

// parseTopic extracts the immatriculation and event kind of a telemetry topic.
func parseTopic(prefix, topic string) (string, events.Kind, bool) {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		return "", "", false
	}
	switch parts[1] {
	case "position":
		return parts[0], events.KindVehiclePosition, true
	case "status":
		return parts[0], events.KindVehicleStatus, true
	}
	return "", "", false
}

// envelope wraps a telemetry body into a broker envelope. Bodies that already
// carry an event field are forwarded unchanged.
func envelope(kind events.Kind, immatriculation string, body []byte) ([]byte, error) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	if _, ok := payload["event"]; ok {
		return body, nil
	}
	if v, _ := payload["immatriculation"].(string); v == "" {
		payload["immatriculation"] = immatriculation
	}
	return broker.Encode(kind, payload)
}

func (in *Ingress) onMessage(_ paho.Client, msg paho.Message) {
	imm, kind, ok := parseTopic(in.cfg.TopicPrefix, msg.Topic())
	if !ok {
		in.log.Warnw("mqtt.message.ignored", map[string]any{"topic": msg.Topic()})
		return
	}
	body, err := envelope(kind, imm, msg.Payload())
	if err != nil {
		in.log.Warnw("mqtt.message.invalid", map[string]any{"topic": msg.Topic(), "error": err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), in.timeout)
	defer cancel()
	if err := in.router.Route(ctx, broker.Delivery{
		Queue:       broker.QueueVehicleTelemetry,
		Body:        body,
		ContentType: broker.ContentTypeJSON,
	}); err != nil {
		in.log.Errorf("route %s: %v", msg.Topic(), err)
		monitoring.Capture("mqtt", err, "topic", msg.Topic())
		return
	}
	in.mu.Lock()
	in.handled++
	in.mu.Unlock()
}

// Handled returns the number of messages routed successfully.
func (in *Ingress) Handled() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.handled
}

// Close gracefully closes the MQTT connection.
func (in *Ingress) Close() {
	if in.cli != nil && in.cli.IsConnected() {
		in.cli.Disconnect(250)
	}
}
