package events

import (
	"time"

	"github.com/google/uuid"
)

// AssignmentCommand is published to a vehicle to engage it on an incident.
type AssignmentCommand struct {
	Immatriculation string  `json:"immatriculation"`
	Latitude        float64 `json:"latitude"`
	Longitude       float64 `json:"longitude"`
}

// AssignmentProposal is the planning engine output for one incident.
type AssignmentProposal struct {
	ProposalID           uuid.UUID         `json:"proposal_id"`
	IncidentID           uuid.UUID         `json:"incident_id"`
	GeneratedAt          time.Time         `json:"generated_at"`
	Proposals            []ProposalItem    `json:"proposals"`
	MissingByVehicleType map[uuid.UUID]int `json:"missing_by_vehicle_type"`
}

// ProposalItem is one vehicle suggested by the planning engine.
type ProposalItem struct {
	IncidentPhaseID  uuid.UUID `json:"incident_phase_id"`
	VehicleID        uuid.UUID `json:"vehicle_id"`
	DistanceKM       float64   `json:"distance_km"`
	EstimatedTimeMin float64   `json:"estimated_time_min"`
	RouteGeometry    any       `json:"route_geometry,omitempty"`
	EnergyLevel      float64   `json:"energy_level"`
	Score            float64   `json:"score"`
	Rationale        string    `json:"rationale,omitempty"`
}

// ProposalAccepted is broadcast when a proposal has been validated.
type ProposalAccepted struct {
	ProposalID         uuid.UUID `json:"proposal_id"`
	IncidentID         uuid.UUID `json:"incident_id"`
	ValidatedAt        time.Time `json:"validated_at"`
	AssignmentsCreated int       `json:"assignments_created"`
}

// ProposalRefused is broadcast when a proposal has been rejected.
type ProposalRefused struct {
	ProposalID uuid.UUID `json:"proposal_id"`
	IncidentID uuid.UUID `json:"incident_id"`
	RejectedAt time.Time `json:"rejected_at"`
}

// ProposalRequest is broadcast once a new proposal was asked for.
type ProposalRequest struct {
	IncidentID  uuid.UUID `json:"incident_id"`
	RequestedBy string    `json:"requested_by"`
}

// VehicleAssignment is broadcast for every committed assignment.
type VehicleAssignment struct {
	IncidentID             uuid.UUID  `json:"incident_id"`
	VehicleAssignmentID    uuid.UUID  `json:"vehicle_assignment_id"`
	VehicleID              uuid.UUID  `json:"vehicle_id"`
	IncidentPhaseID        uuid.UUID  `json:"incident_phase_id"`
	AssignedAt             time.Time  `json:"assigned_at"`
	AssignedByOperatorID   *uuid.UUID `json:"assigned_by_operator_id"`
	ValidatedAt            *time.Time `json:"validated_at"`
	ValidatedByOperatorID  *uuid.UUID `json:"validated_by_operator_id"`
	UnassignedAt           *time.Time `json:"unassigned_at"`
	VehicleImmatriculation string     `json:"vehicle_immatriculation,omitempty"`
}
