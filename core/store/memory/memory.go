package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kilianp07/qgdispatch/core/model"
	"github.com/kilianp07/qgdispatch/core/store"
)

// Store keeps every table in memory. It enforces the same invariants as the
// PostgreSQL schema and is used for tests and local runs.
type Store struct {
	mu          sync.RWMutex
	vehicles    map[uuid.UUID]model.Vehicle
	statuses    map[uuid.UUID]model.VehicleStatus
	positions   []model.VehiclePosition
	incidents   map[uuid.UUID]model.Incident
	phases      map[uuid.UUID]model.IncidentPhase
	assignments map[uuid.UUID]model.Assignment
	proposals   map[uuid.UUID]model.Proposal
	locks       map[uuid.UUID]model.AssignmentRequestLock
	operators   map[uuid.UUID]model.Operator
}

var _ store.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		vehicles:    map[uuid.UUID]model.Vehicle{},
		statuses:    map[uuid.UUID]model.VehicleStatus{},
		incidents:   map[uuid.UUID]model.Incident{},
		phases:      map[uuid.UUID]model.IncidentPhase{},
		assignments: map[uuid.UUID]model.Assignment{},
		proposals:   map[uuid.UUID]model.Proposal{},
		locks:       map[uuid.UUID]model.AssignmentRequestLock{},
		operators:   map[uuid.UUID]model.Operator{},
	}
}

// PutStatus adds or replaces a status reference row.
func (s *Store) PutStatus(st model.VehicleStatus) {
	s.mu.Lock()
	s.statuses[st.ID] = st
	s.mu.Unlock()
}

// PutVehicle adds or replaces a vehicle.
func (s *Store) PutVehicle(v model.Vehicle) {
	s.mu.Lock()
	s.vehicles[v.ID] = v
	s.mu.Unlock()
}

// PutIncident adds or replaces an incident.
func (s *Store) PutIncident(i model.Incident) {
	s.mu.Lock()
	s.incidents[i.ID] = i
	s.mu.Unlock()
}

// PutPhase adds or replaces an incident phase.
func (s *Store) PutPhase(p model.IncidentPhase) {
	s.mu.Lock()
	s.phases[p.ID] = p
	s.mu.Unlock()
}

// PutOperator adds or replaces an operator.
func (s *Store) PutOperator(o model.Operator) {
	s.mu.Lock()
	s.operators[o.ID] = o
	s.mu.Unlock()
}

// Assignments lists stored assignments ordered by assignment time.
func (s *Store) Assignments() []model.Assignment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Assignment, 0, len(s.assignments))
	for _, a := range s.assignments {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssignedAt.Before(out[j].AssignedAt) })
	return out
}

// Positions lists the position log.
func (s *Store) Positions() []model.VehiclePosition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.VehiclePosition(nil), s.positions...)
}

func (s *Store) withLabel(v model.Vehicle) model.Vehicle {
	if v.StatusID != nil {
		v.StatusLabel = s.statuses[*v.StatusID].Label
	}
	return v
}

func (s *Store) VehicleByID(_ context.Context, id uuid.UUID) (model.Vehicle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vehicles[id]
	if !ok {
		return model.Vehicle{}, fmt.Errorf("vehicle %s: %w", id, store.ErrNotFound)
	}
	return s.withLabel(v), nil
}

func (s *Store) VehicleByImmatriculation(_ context.Context, imm string) (model.Vehicle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.vehicles {
		if v.Immatriculation == imm {
			return s.withLabel(v), nil
		}
	}
	return model.Vehicle{}, fmt.Errorf("vehicle %s: %w", imm, store.ErrNotFound)
}

func (s *Store) VehicleStatusLabels(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[uuid.UUID]string, len(ids))
	for _, id := range ids {
		if v, ok := s.vehicles[id]; ok {
			out[id] = s.withLabel(v).StatusLabel
		}
	}
	return out, nil
}

func (s *Store) StatusByLabel(_ context.Context, label string) (model.VehicleStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.statuses {
		if st.Label == label {
			return st, nil
		}
	}
	return model.VehicleStatus{}, fmt.Errorf("status %q: %w", label, store.ErrNotFound)
}

func (s *Store) SetVehicleStatus(_ context.Context, vehicleID, statusID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vehicles[vehicleID]
	if !ok {
		return fmt.Errorf("vehicle %s: %w", vehicleID, store.ErrNotFound)
	}
	if _, ok := s.statuses[statusID]; !ok {
		return fmt.Errorf("status %s: %w", statusID, store.ErrNotFound)
	}
	id := statusID
	v.StatusID = &id
	s.vehicles[vehicleID] = v
	return nil
}

func (s *Store) AddPosition(_ context.Context, pos model.VehiclePosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vehicles[pos.VehicleID]; !ok {
		return fmt.Errorf("vehicle %s: %w", pos.VehicleID, store.ErrNotFound)
	}
	if pos.ID == uuid.Nil {
		pos.ID = uuid.New()
	}
	s.positions = append(s.positions, pos)
	return nil
}

func (s *Store) Incident(_ context.Context, id uuid.UUID) (model.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.incidents[id]
	if !ok {
		return model.Incident{}, fmt.Errorf("incident %s: %w", id, store.ErrNotFound)
	}
	return i, nil
}

func (s *Store) Phase(_ context.Context, id uuid.UUID) (model.IncidentPhase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.phases[id]
	if !ok {
		return model.IncidentPhase{}, fmt.Errorf("phase %s: %w", id, store.ErrNotFound)
	}
	return p, nil
}

func (s *Store) EndPhase(_ context.Context, phaseID uuid.UUID, at time.Time) (model.IncidentPhase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.phases[phaseID]
	if !ok {
		return model.IncidentPhase{}, fmt.Errorf("phase %s: %w", phaseID, store.ErrNotFound)
	}
	if p.EndedAt == nil {
		t := at
		p.EndedAt = &t
		s.phases[phaseID] = p
	}
	return p, nil
}

func (s *Store) EndIncidentIfComplete(_ context.Context, incidentID uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[incidentID]
	if !ok {
		return false, fmt.Errorf("incident %s: %w", incidentID, store.ErrNotFound)
	}
	for _, p := range s.phases {
		if p.IncidentID == incidentID && p.EndedAt == nil {
			return false, nil
		}
	}
	if inc.EndedAt == nil {
		t := at
		inc.EndedAt = &t
		s.incidents[incidentID] = inc
	}
	return true, nil
}

func (s *Store) CreateAssignments(_ context.Context, rows []model.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[uuid.UUID]bool{}
	for _, a := range s.assignments {
		if a.Active() {
			seen[a.VehicleID] = true
		}
	}
	for _, r := range rows {
		if r.Active() && seen[r.VehicleID] {
			return fmt.Errorf("vehicle %s already assigned: %w", r.VehicleID, store.ErrConflict)
		}
		if _, dup := s.assignments[r.ID]; dup {
			return fmt.Errorf("assignment %s exists: %w", r.ID, store.ErrConflict)
		}
		if r.Active() {
			seen[r.VehicleID] = true
		}
	}
	for _, r := range rows {
		s.assignments[r.ID] = r
	}
	return nil
}

func (s *Store) DeleteAssignments(_ context.Context, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.assignments, id)
	}
	return nil
}

func (s *Store) ValidateAssignments(_ context.Context, ids []uuid.UUID, at time.Time, by *uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		a, ok := s.assignments[id]
		if !ok {
			return fmt.Errorf("assignment %s: %w", id, store.ErrNotFound)
		}
		t := at
		a.ValidatedAt = &t
		a.ValidatedByOperatorID = by
		s.assignments[id] = a
	}
	return nil
}

func (s *Store) Assignment(_ context.Context, id uuid.UUID) (model.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assignments[id]
	if !ok {
		return model.Assignment{}, fmt.Errorf("assignment %s: %w", id, store.ErrNotFound)
	}
	return a, nil
}

func (s *Store) UnassignPhase(_ context.Context, phaseID uuid.UUID, at time.Time) ([]model.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Assignment
	for id, a := range s.assignments {
		if a.IncidentPhaseID != phaseID || !a.Active() {
			continue
		}
		t := at
		a.UnassignedAt = &t
		s.assignments[id] = a
		out = append(out, a)
	}
	return out, nil
}

func (s *Store) Proposal(_ context.Context, id uuid.UUID) (model.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.proposals[id]
	if !ok {
		return model.Proposal{}, fmt.Errorf("proposal %s: %w", id, store.ErrNotFound)
	}
	items := make([]model.ProposalItem, len(p.Items))
	for i, it := range p.Items {
		if v, ok := s.vehicles[it.VehicleID]; ok {
			it.Immatriculation = v.Immatriculation
		}
		items[i] = it
	}
	p.Items = items
	p.Missing = append([]model.ProposalMissing(nil), p.Missing...)
	return p, nil
}

func (s *Store) ProposalExists(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.proposals[id]
	return ok, nil
}

func (s *Store) CreateProposal(_ context.Context, p model.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.proposals[p.ID]; ok {
		return fmt.Errorf("proposal %s exists: %w", p.ID, store.ErrConflict)
	}
	if _, ok := s.incidents[p.IncidentID]; !ok {
		return fmt.Errorf("incident %s: %w", p.IncidentID, store.ErrNotFound)
	}
	if p.ValidatedAt != nil && p.RejectedAt != nil {
		return fmt.Errorf("proposal %s both validated and rejected: %w", p.ID, store.ErrConflict)
	}
	s.proposals[p.ID] = p
	return nil
}

func (s *Store) markProposal(id uuid.UUID, mark func(*model.Proposal)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[id]
	if !ok {
		return fmt.Errorf("proposal %s: %w", id, store.ErrNotFound)
	}
	if p.Terminal() {
		return fmt.Errorf("proposal %s already decided: %w", id, store.ErrConflict)
	}
	mark(&p)
	s.proposals[id] = p
	return nil
}

func (s *Store) MarkProposalValidated(_ context.Context, id uuid.UUID, at time.Time) error {
	return s.markProposal(id, func(p *model.Proposal) { t := at; p.ValidatedAt = &t })
}

func (s *Store) MarkProposalRejected(_ context.Context, id uuid.UUID, at time.Time) error {
	return s.markProposal(id, func(p *model.Proposal) { t := at; p.RejectedAt = &t })
}

func (s *Store) AcquireRequestLock(_ context.Context, incidentID uuid.UUID, by *uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.locks[incidentID]; ok {
		return false, nil
	}
	s.locks[incidentID] = model.AssignmentRequestLock{IncidentID: incidentID, RequestedByOperatorID: by, RequestedAt: at}
	return true, nil
}

func (s *Store) ReleaseRequestLock(_ context.Context, incidentID uuid.UUID) error {
	s.mu.Lock()
	delete(s.locks, incidentID)
	s.mu.Unlock()
	return nil
}

func (s *Store) OperatorByEmail(_ context.Context, email string) (model.Operator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, o := range s.operators {
		if o.Email == email {
			return o, nil
		}
	}
	return model.Operator{}, fmt.Errorf("operator %s: %w", email, store.ErrNotFound)
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
