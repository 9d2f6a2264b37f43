package metrics

import "time"

// AssignmentOutcome summarizes one acknowledgment batch of the coordinator.
type AssignmentOutcome struct {
	IncidentID string
	Requested  int
	Engaged    int
	Failed     int
	Attempts   int
	Duration   time.Duration
	Time       time.Time
}

// MetricsSink records assignment outcomes for observability purposes.
type MetricsSink interface {
	RecordAssignmentOutcome(ev AssignmentOutcome) error
}

// VehiclePositionEvent is a position report received from a vehicle.
type VehiclePositionEvent struct {
	VehicleID       string
	Immatriculation string
	Latitude        float64
	Longitude       float64
	Time            time.Time
}

// VehiclePositionRecorder records vehicle positions.
type VehiclePositionRecorder interface {
	RecordVehiclePosition(ev VehiclePositionEvent) error
}

// VehicleStatusEvent is a status change reported by a vehicle.
type VehicleStatusEvent struct {
	VehicleID       string
	Immatriculation string
	Status          string
	Time            time.Time
}

// VehicleStatusRecorder records vehicle status changes.
type VehicleStatusRecorder interface {
	RecordVehicleStatus(ev VehicleStatusEvent) error
}

// HubEvent is one notification observed on the event hub.
type HubEvent struct {
	Event string
	Time  time.Time
}

// HubEventRecorder records hub notifications.
type HubEventRecorder interface {
	RecordHubEvent(ev HubEvent) error
}

// Proposal decisions.
const (
	DecisionValidated = "validated"
	DecisionRejected  = "rejected"
)

// ProposalDecisionEvent records how and when a proposal was decided.
type ProposalDecisionEvent struct {
	ProposalID string
	IncidentID string
	Decision   string
	Automatic  bool
	// Latency is the time between reception and decision.
	Latency time.Duration
	Time    time.Time
}

// ProposalDecisionRecorder records proposal decisions.
type ProposalDecisionRecorder interface {
	RecordProposalDecision(ev ProposalDecisionEvent) error
}

// NopSink implements every recorder with no-op methods.
type NopSink struct{}

func (NopSink) RecordAssignmentOutcome(AssignmentOutcome) error    { return nil }
func (NopSink) RecordVehiclePosition(VehiclePositionEvent) error   { return nil }
func (NopSink) RecordVehicleStatus(VehicleStatusEvent) error       { return nil }
func (NopSink) RecordHubEvent(HubEvent) error                      { return nil }
func (NopSink) RecordProposalDecision(ProposalDecisionEvent) error { return nil }
