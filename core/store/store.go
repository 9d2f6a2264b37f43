package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/kilianp07/qgdispatch/core/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write would break a uniqueness or
	// state invariant.
	ErrConflict = errors.New("conflict")
)

// VehicleStore reads and updates vehicles and their telemetry.
type VehicleStore interface {
	VehicleByID(ctx context.Context, id uuid.UUID) (model.Vehicle, error)
	VehicleByImmatriculation(ctx context.Context, immatriculation string) (model.Vehicle, error)
	// VehicleStatusLabels returns the current status label of each vehicle.
	// Vehicles without a status map to an empty label.
	VehicleStatusLabels(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error)
	StatusByLabel(ctx context.Context, label string) (model.VehicleStatus, error)
	SetVehicleStatus(ctx context.Context, vehicleID, statusID uuid.UUID) error
	AddPosition(ctx context.Context, pos model.VehiclePosition) error
}

// IncidentStore reads incidents and closes phases.
type IncidentStore interface {
	Incident(ctx context.Context, id uuid.UUID) (model.Incident, error)
	Phase(ctx context.Context, id uuid.UUID) (model.IncidentPhase, error)
	EndPhase(ctx context.Context, phaseID uuid.UUID, at time.Time) (model.IncidentPhase, error)
	// EndIncidentIfComplete stamps the incident as ended when none of its
	// phases is still open and reports whether it did.
	EndIncidentIfComplete(ctx context.Context, incidentID uuid.UUID, at time.Time) (bool, error)
}

// AssignmentStore persists vehicle assignments.
type AssignmentStore interface {
	// CreateAssignments inserts all rows or none. A vehicle that already has
	// an active assignment yields ErrConflict.
	CreateAssignments(ctx context.Context, rows []model.Assignment) error
	DeleteAssignments(ctx context.Context, ids []uuid.UUID) error
	ValidateAssignments(ctx context.Context, ids []uuid.UUID, at time.Time, by *uuid.UUID) error
	Assignment(ctx context.Context, id uuid.UUID) (model.Assignment, error)
	// UnassignPhase releases every active assignment of the phase.
	UnassignPhase(ctx context.Context, phaseID uuid.UUID, at time.Time) ([]model.Assignment, error)
}

// ProposalStore persists assignment proposals.
type ProposalStore interface {
	// Proposal returns the proposal with its items and missing rows. Items
	// carry the vehicle immatriculation.
	Proposal(ctx context.Context, id uuid.UUID) (model.Proposal, error)
	ProposalExists(ctx context.Context, id uuid.UUID) (bool, error)
	CreateProposal(ctx context.Context, p model.Proposal) error
	// MarkProposalValidated and MarkProposalRejected return ErrConflict when
	// the proposal is already terminal.
	MarkProposalValidated(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkProposalRejected(ctx context.Context, id uuid.UUID, at time.Time) error
}

// LockStore holds per-incident proposal request locks.
type LockStore interface {
	// AcquireRequestLock inserts the lock row and reports whether it was
	// created by this call.
	AcquireRequestLock(ctx context.Context, incidentID uuid.UUID, requestedBy *uuid.UUID, at time.Time) (bool, error)
	// ReleaseRequestLock deletes the lock row. Releasing a missing lock is
	// not an error.
	ReleaseRequestLock(ctx context.Context, incidentID uuid.UUID) error
}

// OperatorStore resolves operators.
type OperatorStore interface {
	OperatorByEmail(ctx context.Context, email string) (model.Operator, error)
}

// Store aggregates every storage concern.
type Store interface {
	VehicleStore
	IncidentStore
	AssignmentStore
	ProposalStore
	LockStore
	OperatorStore
	Close() error
}
