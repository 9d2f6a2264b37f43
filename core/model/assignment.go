package model

import (
	"time"

	"github.com/google/uuid"
)

// Assignment binds a vehicle to an incident phase. At most one assignment per
// vehicle may have a nil UnassignedAt.
type Assignment struct {
	ID                    uuid.UUID  `json:"vehicle_assignment_id"`
	VehicleID             uuid.UUID  `json:"vehicle_id"`
	IncidentPhaseID       uuid.UUID  `json:"incident_phase_id"`
	AssignedAt            time.Time  `json:"assigned_at"`
	AssignedByOperatorID  *uuid.UUID `json:"assigned_by_operator_id"`
	ValidatedAt           *time.Time `json:"validated_at"`
	ValidatedByOperatorID *uuid.UUID `json:"validated_by_operator_id"`
	UnassignedAt          *time.Time `json:"unassigned_at"`
}

// Active reports whether the assignment still holds its vehicle.
func (a Assignment) Active() bool { return a.UnassignedAt == nil }

// AssignmentRequestLock marks an incident for which a proposal was requested
// and not yet received.
type AssignmentRequestLock struct {
	IncidentID            uuid.UUID  `json:"incident_id"`
	RequestedByOperatorID *uuid.UUID `json:"requested_by_operator_id"`
	RequestedAt           time.Time  `json:"requested_at"`
}
