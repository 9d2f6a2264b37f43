package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/kilianp07/qgdispatch/core/broker"
	"github.com/kilianp07/qgdispatch/core/events"
)

// Reporter sends a vehicle status report.
type Reporter interface {
	ReportStatus(ctx context.Context, immatriculation, label string) error
}

// BrokerReporter publishes status reports on the telemetry queue.
type BrokerReporter struct {
	Client broker.Client
	Queue  string
	Now    func() time.Time
}

// ReportStatus implements Reporter.
func (b BrokerReporter) ReportStatus(ctx context.Context, imm, label string) error {
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	queue := b.Queue
	if queue == "" {
		queue = broker.QueueVehicleTelemetry
	}
	body, err := broker.Encode(events.KindVehicleStatus, events.VehicleStatus{
		Immatriculation: imm,
		StatusLabel:     label,
		Timestamp:       now().UTC(),
	})
	if err != nil {
		return err
	}
	return b.Client.Publish(ctx, queue, body, broker.ContentTypeJSON)
}

// Publisher is the part of a paho client used to report over MQTT.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

// MQTTReporter publishes status reports on <prefix>/<immatriculation>/status.
type MQTTReporter struct {
	Client  Publisher
	Prefix  string
	QoS     byte
	Timeout time.Duration
}

// ReportStatus implements Reporter.
func (m MQTTReporter) ReportStatus(_ context.Context, imm, label string) error {
	payload, err := json.Marshal(map[string]any{
		"status_label": label,
		"timestamp":    time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	token := m.Client.Publish(fmt.Sprintf("%s/%s/status", m.Prefix, imm), m.QoS, false, payload)
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("status publish timeout for %s", imm)
	}
	return token.Error()
}
