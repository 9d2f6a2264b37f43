package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Proposal is a batch of vehicles suggested by the planning engine for an
// incident. ValidatedAt and RejectedAt are mutually exclusive.
type Proposal struct {
	ID          uuid.UUID         `json:"proposal_id"`
	IncidentID  uuid.UUID         `json:"incident_id"`
	GeneratedAt time.Time         `json:"generated_at"`
	ReceivedAt  time.Time         `json:"received_at"`
	ValidatedAt *time.Time        `json:"validated_at"`
	RejectedAt  *time.Time        `json:"rejected_at"`
	Items       []ProposalItem    `json:"items"`
	Missing     []ProposalMissing `json:"missing"`
}

// Terminal reports whether the proposal was already validated or rejected.
func (p Proposal) Terminal() bool {
	return p.ValidatedAt != nil || p.RejectedAt != nil
}

// ProposalItem is one suggested vehicle. Rank is 1-based within a phase.
type ProposalItem struct {
	ProposalID       uuid.UUID       `json:"proposal_id"`
	IncidentPhaseID  uuid.UUID       `json:"incident_phase_id"`
	VehicleID        uuid.UUID       `json:"vehicle_id"`
	Immatriculation  string          `json:"immatriculation,omitempty"`
	Rank             int             `json:"rank"`
	DistanceKM       float64         `json:"distance_km"`
	EstimatedTimeMin float64         `json:"estimated_time_min"`
	RouteGeometry    json.RawMessage `json:"route_geometry,omitempty"`
	EnergyLevel      float64         `json:"energy_level"`
	Score            float64         `json:"score"`
	Rationale        string          `json:"rationale,omitempty"`
}

// ProposalMissing records how many vehicles of a type could not be found.
type ProposalMissing struct {
	ProposalID      uuid.UUID `json:"proposal_id"`
	IncidentPhaseID uuid.UUID `json:"incident_phase_id"`
	VehicleTypeID   uuid.UUID `json:"vehicle_type_id"`
	MissingQuantity int       `json:"missing_quantity"`
}
