package proposal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kilianp07/qgdispatch/core/events"
	"github.com/kilianp07/qgdispatch/core/model"
	"github.com/kilianp07/qgdispatch/core/store"
	"github.com/kilianp07/qgdispatch/core/subscriptions"
)

// Register attaches HandleProposal to the dispatcher.
func (l *Lifecycle) Register(d *subscriptions.Dispatcher) error {
	return subscriptions.On(d, events.KindAssignmentProposal, l.HandleProposal)
}

// HandleProposal stores a proposal received from the planning engine,
// announces it on the hub and schedules its auto-acceptance.
func (l *Lifecycle) HandleProposal(ctx context.Context, ev subscriptions.QueueEvent[events.AssignmentProposal]) error {
	in := ev.Payload
	if in.ProposalID == uuid.Nil || in.IncidentID == uuid.Nil {
		l.log.Warnw("proposal.ingest.invalid", map[string]any{"queue": ev.Queue})
		return nil
	}
	fields := map[string]any{"proposal_id": in.ProposalID.String(), "incident_id": in.IncidentID.String()}

	exists, err := l.store.ProposalExists(ctx, in.ProposalID)
	if err != nil {
		return fmt.Errorf("check proposal: %w", err)
	}
	if exists {
		l.log.Debugw("proposal.ingest.duplicate", fields)
		return nil
	}
	if _, err := l.store.Incident(ctx, in.IncidentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			l.log.Warnw("proposal.ingest.unknown_incident", fields)
			return nil
		}
		return fmt.Errorf("load incident: %w", err)
	}

	p, err := build(in, l.now().UTC())
	if err != nil {
		l.log.Warnw("proposal.ingest.invalid", map[string]any{"proposal_id": in.ProposalID.String(), "error": err.Error()})
		return nil
	}
	if err := l.store.CreateProposal(ctx, p); err != nil {
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			l.log.Warnw("proposal.ingest.rejected", map[string]any{"proposal_id": p.ID.String(), "error": err.Error()})
			return nil
		}
		return fmt.Errorf("store proposal: %w", err)
	}

	if l.locks != nil {
		if err := l.locks.Release(ctx, p.IncidentID); err != nil {
			l.log.Warnf("release request lock of %s: %v", p.IncidentID, err)
		}
	}

	l.notify(events.KindAssignmentProposal, announcement(in))
	l.ScheduleAutoAccept(p.ID)
	l.log.Infow("proposal.ingested", map[string]any{
		"proposal_id": p.ID.String(),
		"items":       len(p.Items),
		"missing":     len(p.Missing),
	})
	return nil
}

func build(in events.AssignmentProposal, receivedAt time.Time) (model.Proposal, error) {
	p := model.Proposal{
		ID:          in.ProposalID,
		IncidentID:  in.IncidentID,
		GeneratedAt: in.GeneratedAt,
		ReceivedAt:  receivedAt,
	}
	if p.GeneratedAt.IsZero() {
		p.GeneratedAt = receivedAt
	}
	ranks := map[uuid.UUID]int{}
	phases := map[uuid.UUID]struct{}{}
	for _, it := range in.Proposals {
		ranks[it.IncidentPhaseID]++
		phases[it.IncidentPhaseID] = struct{}{}
		item := model.ProposalItem{
			ProposalID:       p.ID,
			IncidentPhaseID:  it.IncidentPhaseID,
			VehicleID:        it.VehicleID,
			Rank:             ranks[it.IncidentPhaseID],
			DistanceKM:       it.DistanceKM,
			EstimatedTimeMin: it.EstimatedTimeMin,
			EnergyLevel:      it.EnergyLevel,
			Score:            it.Score,
			Rationale:        it.Rationale,
		}
		if it.RouteGeometry != nil {
			raw, err := json.Marshal(it.RouteGeometry)
			if err != nil {
				return model.Proposal{}, fmt.Errorf("route geometry: %w", err)
			}
			item.RouteGeometry = raw
		}
		p.Items = append(p.Items, item)
	}

	// Missing quantities are not tied to a phase on the wire, so they are
	// only kept when the proposal covers exactly one phase.
	if len(phases) == 1 && len(in.MissingByVehicleType) > 0 {
		phase := p.Items[0].IncidentPhaseID
		for vt, q := range in.MissingByVehicleType {
			p.Missing = append(p.Missing, model.ProposalMissing{
				ProposalID:      p.ID,
				IncidentPhaseID: phase,
				VehicleTypeID:   vt,
				MissingQuantity: q,
			})
		}
		sort.Slice(p.Missing, func(i, j int) bool {
			return p.Missing[i].VehicleTypeID.String() < p.Missing[j].VehicleTypeID.String()
		})
	}
	return p, nil
}

func announcement(in events.AssignmentProposal) events.AssignmentProposal {
	out := in
	out.Proposals = make([]events.ProposalItem, len(in.Proposals))
	for i, it := range in.Proposals {
		it.RouteGeometry = nil
		out.Proposals[i] = it
	}
	return out
}
