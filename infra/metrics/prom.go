package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/kilianp07/qgdispatch/core/metrics"
)

// PromSink records dispatch events in Prometheus metrics.
type PromSink struct {
	outcomes  *prometheus.CounterVec
	duration  prometheus.Histogram
	positions prometheus.Counter
	statuses  *prometheus.CounterVec
	hub       *prometheus.CounterVec
	decisions *prometheus.CounterVec
}

// NewPromSink registers metrics on the default Prometheus registerer.
// The Prometheus server should be started separately with StartPromServer.
func NewPromSink() (*PromSink, error) {
	return NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer.
func NewPromSinkWithRegistry(reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PromSink{}
	var err error
	if s.outcomes, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "assignment_vehicles_total",
		Help: "Vehicles processed by the acknowledgment protocol by result",
	}, []string{"result"})); err != nil {
		return nil, err
	}
	if s.duration, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "assignment_batch_duration_seconds",
		Help:    "Time spent waiting for vehicles to acknowledge an assignment",
		Buckets: []float64{0.5, 1, 2, 3, 5, 8, 13},
	})); err != nil {
		return nil, err
	}
	if s.positions, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vehicle_position_updates_total",
		Help: "Number of vehicle position reports stored",
	})); err != nil {
		return nil, err
	}
	if s.statuses, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vehicle_status_updates_total",
		Help: "Number of vehicle status changes by status",
	}, []string{"status"})); err != nil {
		return nil, err
	}
	if s.hub, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_events_total",
		Help: "Notifications observed on the event hub",
	}, []string{"event"})); err != nil {
		return nil, err
	}
	if s.decisions, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proposal_decisions_total",
		Help: "Proposal decisions by outcome and origin",
	}, []string{"decision", "automatic"})); err != nil {
		return nil, err
	}
	return s, nil
}

// RecordAssignmentOutcome counts engaged and failed vehicles.
func (s *PromSink) RecordAssignmentOutcome(ev coremetrics.AssignmentOutcome) error {
	s.outcomes.WithLabelValues("engaged").Add(float64(ev.Engaged))
	s.outcomes.WithLabelValues("failed").Add(float64(ev.Failed))
	s.duration.Observe(ev.Duration.Seconds())
	return nil
}

func (s *PromSink) RecordVehiclePosition(coremetrics.VehiclePositionEvent) error {
	s.positions.Inc()
	return nil
}

func (s *PromSink) RecordVehicleStatus(ev coremetrics.VehicleStatusEvent) error {
	s.statuses.WithLabelValues(ev.Status).Inc()
	return nil
}

func (s *PromSink) RecordHubEvent(ev coremetrics.HubEvent) error {
	s.hub.WithLabelValues(ev.Event).Inc()
	return nil
}

func (s *PromSink) RecordProposalDecision(ev coremetrics.ProposalDecisionEvent) error {
	auto := "false"
	if ev.Automatic {
		auto = "true"
	}
	s.decisions.WithLabelValues(ev.Decision, auto).Inc()
	return nil
}
