package events

import (
	"time"

	"github.com/google/uuid"
)

// VehiclePosition is the payload of a KindVehiclePosition message.
type VehiclePosition struct {
	Immatriculation string    `json:"immatriculation"`
	Latitude        float64   `json:"latitude"`
	Longitude       float64   `json:"longitude"`
	Timestamp       time.Time `json:"timestamp"`
}

// VehicleStatus is the payload of a KindVehicleStatus message.
type VehicleStatus struct {
	Immatriculation string    `json:"immatriculation"`
	StatusLabel     string    `json:"status_label"`
	Timestamp       time.Time `json:"timestamp"`
}

// IncidentStatus is the payload of a KindIncidentStatus message. Status 1
// means the phase is over.
type IncidentStatus struct {
	IncidentPhaseID uuid.UUID `json:"incident_phase_id"`
	Status          int       `json:"status"`
	Timestamp       time.Time `json:"timestamp"`
}

// PhaseEnded is the IncidentStatus value marking the end of a phase.
const PhaseEnded = 1

// IncidentAck is sent back by the planning engine once it took an incident.
type IncidentAck struct {
	IncidentID uuid.UUID `json:"incident_id"`
	Status     string    `json:"status"`
}

// PositionUpdate is broadcast on the hub after a position was stored.
type PositionUpdate struct {
	VehicleID       uuid.UUID `json:"vehicle_id"`
	Immatriculation string    `json:"immatriculation"`
	Latitude        float64   `json:"latitude"`
	Longitude       float64   `json:"longitude"`
	Timestamp       time.Time `json:"timestamp"`
}

// StatusUpdate is broadcast on the hub after a vehicle status changed.
type StatusUpdate struct {
	VehicleID       uuid.UUID `json:"vehicle_id"`
	Immatriculation string    `json:"immatriculation"`
	StatusID        uuid.UUID `json:"vehicle_status_id"`
	StatusLabel     string    `json:"status_label"`
	Timestamp       time.Time `json:"timestamp"`
}

// PhaseUpdate is broadcast on the hub when an incident phase changed.
type PhaseUpdate struct {
	IncidentID      uuid.UUID  `json:"incident_id"`
	IncidentPhaseID uuid.UUID  `json:"incident_phase_id"`
	EndedAt         *time.Time `json:"ended_at"`
	// Unassigned lists the vehicles released by the end of the phase.
	Unassigned    []uuid.UUID `json:"unassigned_vehicle_ids"`
	IncidentEnded bool        `json:"incident_ended"`
}
