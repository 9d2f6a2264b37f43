// Package proposal ingests planning engine proposals and moves them to their
// validated or rejected state, either on operator request or automatically.
package proposal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kilianp07/qgdispatch/core/assignment"
	"github.com/kilianp07/qgdispatch/core/events"
	"github.com/kilianp07/qgdispatch/core/logger"
	"github.com/kilianp07/qgdispatch/core/metrics"
	"github.com/kilianp07/qgdispatch/core/model"
	"github.com/kilianp07/qgdispatch/core/monitoring"
	"github.com/kilianp07/qgdispatch/core/store"
	"github.com/kilianp07/qgdispatch/internal/eventbus"
)

// Store is the persistence used by the lifecycle.
type Store interface {
	store.ProposalStore
	store.OperatorStore
	Incident(ctx context.Context, id uuid.UUID) (model.Incident, error)
}

// Assigner engages a batch of vehicles.
type Assigner interface {
	CreateAndWait(ctx context.Context, req assignment.Request) (assignment.Outcome, error)
}

// LockReleaser frees the proposal request lock of an incident.
type LockReleaser interface {
	Release(ctx context.Context, incidentID uuid.UUID) error
}

// ValidationResult is returned by Validate.
type ValidationResult struct {
	ProposalID         uuid.UUID `json:"proposal_id"`
	IncidentID         uuid.UUID `json:"incident_id"`
	ValidatedAt        time.Time `json:"validated_at"`
	AssignmentsCreated int       `json:"assignments_created"`
	// Failed lists the immatriculations that did not engage.
	Failed []string `json:"failed"`
}

// RejectionResult is returned by Reject.
type RejectionResult struct {
	ProposalID uuid.UUID `json:"proposal_id"`
	IncidentID uuid.UUID `json:"incident_id"`
	RejectedAt time.Time `json:"rejected_at"`
}

// Lifecycle owns the state transitions of proposals.
type Lifecycle struct {
	cfg      Config
	store    Store
	assigner Assigner
	hub      eventbus.Notifier
	sched    *Scheduler
	locks    LockReleaser
	sink     metrics.ProposalDecisionRecorder
	log      logger.Logger
	now      func() time.Time
}

// Option customizes a Lifecycle.
type Option func(*Lifecycle)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option { return func(lc *Lifecycle) { lc.log = logger.OrNop(l) } }

// WithLockReleaser releases the request lock once a proposal is ingested.
func WithLockReleaser(r LockReleaser) Option { return func(lc *Lifecycle) { lc.locks = r } }

// WithScheduler replaces the auto-accept scheduler.
func WithScheduler(s *Scheduler) Option {
	return func(lc *Lifecycle) {
		if s != nil {
			lc.sched = s
		}
	}
}

// WithDecisionRecorder reports decisions to rec.
func WithDecisionRecorder(rec metrics.ProposalDecisionRecorder) Option {
	return func(lc *Lifecycle) {
		if rec != nil {
			lc.sink = rec
		}
	}
}

// WithNow overrides the time source.
func WithNow(now func() time.Time) Option {
	return func(lc *Lifecycle) {
		if now != nil {
			lc.now = now
		}
	}
}

// New creates a Lifecycle.
func New(cfg Config, st Store, assigner Assigner, hub eventbus.Notifier, opts ...Option) *Lifecycle {
	cfg.SetDefaults()
	lc := &Lifecycle{
		cfg:      cfg,
		store:    st,
		assigner: assigner,
		hub:      hub,
		sched:    NewScheduler(),
		sink:     metrics.NopSink{},
		log:      logger.Nop{},
		now:      time.Now,
	}
	for _, o := range opts {
		o(lc)
	}
	return lc
}

// Scheduler exposes the auto-accept scheduler.
func (l *Lifecycle) Scheduler() *Scheduler { return l.sched }

func (l *Lifecycle) notify(kind events.Kind, data any) {
	if l.hub != nil {
		l.hub.Notify(string(kind), data)
	}
}

func (l *Lifecycle) load(ctx context.Context, id uuid.UUID) (model.Proposal, error) {
	p, err := l.store.Proposal(ctx, id)
	if err != nil {
		return model.Proposal{}, fmt.Errorf("proposal %s: %w", id, err)
	}
	if p.Terminal() {
		return model.Proposal{}, fmt.Errorf("proposal %s already decided: %w", id, store.ErrConflict)
	}
	return p, nil
}

func (l *Lifecycle) operatorID(ctx context.Context, who model.Identity) *uuid.UUID {
	if who.IsSystem() || who.Email == "" {
		return nil
	}
	op, err := l.store.OperatorByEmail(ctx, who.Email)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			l.log.Warnf("lookup operator %s: %v", who.Email, err)
		}
		return nil
	}
	return &op.ID
}

func targets(items []model.ProposalItem) []assignment.Target {
	sorted := append([]model.ProposalItem(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].IncidentPhaseID != sorted[j].IncidentPhaseID {
			return sorted[i].IncidentPhaseID.String() < sorted[j].IncidentPhaseID.String()
		}
		return sorted[i].Rank < sorted[j].Rank
	})
	out := make([]assignment.Target, len(sorted))
	for i, it := range sorted {
		out[i] = assignment.Target{
			VehicleID:       it.VehicleID,
			Immatriculation: it.Immatriculation,
			IncidentPhaseID: it.IncidentPhaseID,
		}
	}
	return out
}

// Validate engages the proposal vehicles and marks the proposal validated when
// at least one of them engaged.
func (l *Lifecycle) Validate(ctx context.Context, id uuid.UUID, who model.Identity) (ValidationResult, error) {
	p, err := l.load(ctx, id)
	if err != nil {
		return ValidationResult{}, err
	}
	if len(p.Items) == 0 {
		return ValidationResult{}, fmt.Errorf("%w: proposal %s has no items", assignment.ErrBadRequest, id)
	}
	inc, err := l.store.Incident(ctx, p.IncidentID)
	if err != nil {
		return ValidationResult{}, fmt.Errorf("incident %s: %w", p.IncidentID, err)
	}
	if !inc.HasLocation() {
		return ValidationResult{}, fmt.Errorf("%w: incident %s has no coordinates", assignment.ErrBadRequest, inc.ID)
	}

	var at time.Time
	out, err := l.assigner.CreateAndWait(ctx, assignment.Request{
		IncidentID: p.IncidentID,
		ProposalID: &p.ID,
		Targets:    targets(p.Items),
		Latitude:   *inc.Latitude,
		Longitude:  *inc.Longitude,
		OperatorID: l.operatorID(ctx, who),
		Finalize: func(ctx context.Context) error {
			at = l.now().UTC()
			if err := l.store.MarkProposalValidated(ctx, id, at); err != nil {
				return fmt.Errorf("mark proposal %s validated: %w", id, err)
			}
			return nil
		},
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) && len(out.Engaged) > 0 {
			l.log.Warnw("proposal.validate.withdrawn", map[string]any{
				"proposal_id": id.String(),
				"by":          who.Label(),
				"engaged":     len(out.Engaged),
			})
		}
		return ValidationResult{}, err
	}
	l.sched.Cancel(id)

	res := ValidationResult{
		ProposalID:         id,
		IncidentID:         p.IncidentID,
		ValidatedAt:        at,
		AssignmentsCreated: len(out.Assignments),
	}
	for _, t := range out.Failed {
		res.Failed = append(res.Failed, t.Immatriculation)
	}
	l.notify(events.KindProposalAccepted, events.ProposalAccepted{
		ProposalID:         id,
		IncidentID:         p.IncidentID,
		ValidatedAt:        at,
		AssignmentsCreated: res.AssignmentsCreated,
	})
	l.recordDecision(p, metrics.DecisionValidated, who.IsSystem(), at)
	l.log.Infow("proposal.validated", map[string]any{
		"proposal_id": id.String(),
		"by":          who.Label(),
		"assignments": res.AssignmentsCreated,
	})
	return res, nil
}

// Reject marks the proposal rejected.
func (l *Lifecycle) Reject(ctx context.Context, id uuid.UUID) (RejectionResult, error) {
	p, err := l.load(ctx, id)
	if err != nil {
		return RejectionResult{}, err
	}
	at := l.now().UTC()
	if err := l.store.MarkProposalRejected(ctx, id, at); err != nil {
		return RejectionResult{}, fmt.Errorf("mark proposal %s rejected: %w", id, err)
	}
	l.sched.Cancel(id)

	res := RejectionResult{ProposalID: id, IncidentID: p.IncidentID, RejectedAt: at}
	l.notify(events.KindProposalRefused, events.ProposalRefused(res))
	l.recordDecision(p, metrics.DecisionRejected, false, at)
	l.log.Infow("proposal.rejected", map[string]any{"proposal_id": id.String()})
	return res, nil
}

func (l *Lifecycle) recordDecision(p model.Proposal, decision string, automatic bool, at time.Time) {
	ev := metrics.ProposalDecisionEvent{
		ProposalID: p.ID.String(),
		IncidentID: p.IncidentID.String(),
		Decision:   decision,
		Automatic:  automatic,
		Time:       at,
	}
	if !p.ReceivedAt.IsZero() {
		ev.Latency = at.Sub(p.ReceivedAt)
	}
	if err := l.sink.RecordProposalDecision(ev); err != nil {
		l.log.Warnf("record proposal decision: %v", err)
	}
}

// ScheduleAutoAccept validates the proposal with the system identity once the
// configured delay elapsed, unless it was decided or cancelled before.
func (l *Lifecycle) ScheduleAutoAccept(id uuid.UUID) bool {
	if l.cfg.DisableAutoAccept {
		return false
	}
	return l.sched.Schedule(id, l.cfg.AutoAcceptDelay(), func(ctx context.Context) {
		l.autoAccept(ctx, id)
	})
}

func (l *Lifecycle) autoAccept(ctx context.Context, id uuid.UUID) {
	_, err := l.Validate(ctx, id, model.SystemIdentity())
	switch {
	case err == nil:
	case errors.Is(err, store.ErrConflict):
		l.log.Debugw("proposal.auto_accept.skipped", map[string]any{"proposal_id": id.String()})
	default:
		l.log.Warnw("proposal.auto_accept.failed", map[string]any{"proposal_id": id.String(), "error": err.Error()})
		monitoring.Capture("proposal", err, "proposal_id", id.String())
	}
}
