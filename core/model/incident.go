package model

import (
	"time"

	"github.com/google/uuid"
)

// Incident is an emergency situation requiring vehicles.
type Incident struct {
	ID        uuid.UUID  `json:"incident_id"`
	Latitude  *float64   `json:"latitude"`
	Longitude *float64   `json:"longitude"`
	CreatedAt time.Time  `json:"created_at"`
	EndedAt   *time.Time `json:"ended_at"`
}

// HasLocation reports whether both coordinates are known.
func (i Incident) HasLocation() bool {
	return i.Latitude != nil && i.Longitude != nil
}

// IncidentPhase is one step of an incident response.
type IncidentPhase struct {
	ID         uuid.UUID  `json:"incident_phase_id"`
	IncidentID uuid.UUID  `json:"incident_id"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at"`
}

// Operator is a dispatch center user.
type Operator struct {
	ID    uuid.UUID `json:"operator_id"`
	Email string    `json:"email"`
}
