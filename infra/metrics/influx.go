package metrics

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	coremetrics "github.com/kilianp07/qgdispatch/core/metrics"
	"github.com/kilianp07/qgdispatch/infra/logger"
)

// InfluxConfig holds the InfluxDB v2 connection settings.
type InfluxConfig struct {
	URL    string `json:"url"`
	Token  string `json:"token"`
	Org    string `json:"org"`
	Bucket string `json:"bucket"`
}

// InfluxSink writes dispatch events to an InfluxDB instance using the official client.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

// NewInfluxSink creates a new sink configured for the given InfluxDB endpoint.
func NewInfluxSink(cfg InfluxConfig) *InfluxSink {
	base := strings.TrimSuffix(cfg.URL, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, cfg.Token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		log:      logger.New("influx-sink"),
	}
}

// NewInfluxSinkWithFallback tries to ping the InfluxDB instance and
// returns a NopSink if the health check fails.
func NewInfluxSinkWithFallback(cfg InfluxConfig) coremetrics.MetricsSink {
	sink := NewInfluxSink(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.client.Close()
		return coremetrics.NopSink{}
	}
	return sink
}

func (s *InfluxSink) write(p *write.Point) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordAssignmentOutcome writes one point per acknowledgment batch.
func (s *InfluxSink) RecordAssignmentOutcome(ev coremetrics.AssignmentOutcome) error {
	p := write.NewPointWithMeasurement("assignment_outcome").
		AddTag("incident_id", ev.IncidentID).
		AddTag("component", "assignment_coordinator").
		AddField("requested", ev.Requested).
		AddField("engaged", ev.Engaged).
		AddField("failed", ev.Failed).
		AddField("attempts", ev.Attempts).
		AddField("duration_ms", round3(ev.Duration.Seconds()*1000)).
		SetTime(ev.Time)
	return s.write(p)
}

// RecordVehiclePosition writes a position report.
func (s *InfluxSink) RecordVehiclePosition(ev coremetrics.VehiclePositionEvent) error {
	p := write.NewPointWithMeasurement("vehicle_position").
		AddTag("vehicle_id", ev.VehicleID).
		AddTag("immatriculation", ev.Immatriculation).
		AddField("latitude", ev.Latitude).
		AddField("longitude", ev.Longitude).
		SetTime(ev.Time)
	return s.write(p)
}

// RecordVehicleStatus writes a status change.
func (s *InfluxSink) RecordVehicleStatus(ev coremetrics.VehicleStatusEvent) error {
	p := write.NewPointWithMeasurement("vehicle_status").
		AddTag("vehicle_id", ev.VehicleID).
		AddTag("immatriculation", ev.Immatriculation).
		AddField("status", ev.Status).
		SetTime(ev.Time)
	return s.write(p)
}

// RecordProposalDecision writes a proposal decision.
func (s *InfluxSink) RecordProposalDecision(ev coremetrics.ProposalDecisionEvent) error {
	p := write.NewPointWithMeasurement("proposal_decision").
		AddTag("proposal_id", ev.ProposalID).
		AddTag("incident_id", ev.IncidentID).
		AddTag("decision", ev.Decision).
		AddTag("automatic", strconv.FormatBool(ev.Automatic)).
		AddField("latency_ms", round3(ev.Latency.Seconds()*1000)).
		SetTime(ev.Time)
	return s.write(p)
}

// Close flushes and releases the client.
func (s *InfluxSink) Close() {
	s.client.Close()
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
