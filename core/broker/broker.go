package broker

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned when the broker cannot be reached or a publish
// does not complete before its deadline.
var ErrUnavailable = errors.New("message broker unavailable")

// Queue names used by the service.
const (
	QueueAPI                = "sdmis_api"
	QueueVehicleTelemetry   = "vehicle_telemetry"
	QueueIncidentTelemetry  = "incident_telemetry"
	QueueEngine             = "sdmis_engine"
	QueueVehicleAssignments = "vehicle_assignments"
)

// ContentTypeJSON is the content type of every envelope exchanged.
const ContentTypeJSON = "application/json"

// Delivery is a message received from a queue.
type Delivery struct {
	Queue       string
	Body        []byte
	ContentType string
	Redelivered bool
}

// Handler processes a delivery. A nil error acknowledges the message, any
// other error requeues it.
type Handler func(ctx context.Context, d Delivery) error

// Client is the subset of broker operations used by the service.
type Client interface {
	DeclareQueue(ctx context.Context, name string, durable, autoDelete bool) error
	Publish(ctx context.Context, queue string, body []byte, contentType string) error
	Enqueue(ctx context.Context, queue string, body []byte, timeout time.Duration) error
	Consume(ctx context.Context, queue string, h Handler, prefetch int) error
	Close() error
}
