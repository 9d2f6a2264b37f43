// Package telemetry persists vehicle and incident telemetry received from the
// broker and broadcasts it on the event hub.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kilianp07/qgdispatch/core/events"
	"github.com/kilianp07/qgdispatch/core/logger"
	"github.com/kilianp07/qgdispatch/core/metrics"
	"github.com/kilianp07/qgdispatch/core/model"
	"github.com/kilianp07/qgdispatch/core/store"
	"github.com/kilianp07/qgdispatch/core/subscriptions"
	"github.com/kilianp07/qgdispatch/internal/eventbus"
)

// Store is the persistence used by the handlers.
type Store interface {
	store.VehicleStore
	store.IncidentStore
	UnassignPhase(ctx context.Context, phaseID uuid.UUID, at time.Time) ([]model.Assignment, error)
}

// Recorder receives telemetry samples.
type Recorder interface {
	metrics.VehiclePositionRecorder
	metrics.VehicleStatusRecorder
}

// Handlers holds the telemetry handlers.
type Handlers struct {
	store Store
	hub   eventbus.Notifier
	rec   Recorder
	log   logger.Logger
	now   func() time.Time
}

// Option customizes Handlers.
type Option func(*Handlers)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option { return func(h *Handlers) { h.log = logger.OrNop(l) } }

// WithRecorder reports telemetry samples to rec.
func WithRecorder(rec Recorder) Option {
	return func(h *Handlers) {
		if rec != nil {
			h.rec = rec
		}
	}
}

// WithNow overrides the time source used when a message has no timestamp.
func WithNow(now func() time.Time) Option {
	return func(h *Handlers) {
		if now != nil {
			h.now = now
		}
	}
}

// New creates the handlers.
func New(st Store, hub eventbus.Notifier, opts ...Option) *Handlers {
	h := &Handlers{store: st, hub: hub, rec: metrics.NopSink{}, log: logger.Nop{}, now: time.Now}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Register attaches every handler to the dispatcher.
func (h *Handlers) Register(d *subscriptions.Dispatcher) error {
	if err := subscriptions.On(d, events.KindVehiclePosition, h.HandlePosition); err != nil {
		return err
	}
	if err := subscriptions.On(d, events.KindVehicleStatus, h.HandleStatus); err != nil {
		return err
	}
	if err := subscriptions.On(d, events.KindIncidentStatus, h.HandleIncidentStatus); err != nil {
		return err
	}
	return subscriptions.On(d, events.KindIncidentAck, h.HandleIncidentAck)
}

// HandleIncidentAck forwards the planning engine acknowledgment to live clients.
func (h *Handlers) HandleIncidentAck(_ context.Context, ev subscriptions.QueueEvent[events.IncidentAck]) error {
	if ev.Payload.IncidentID == uuid.Nil {
		h.log.Warnw("telemetry.dropped", map[string]any{"event": ev.Kind.String(), "reason": "missing_incident_id"})
		return nil
	}
	h.notify(events.KindIncidentAck, ev.Payload)
	return nil
}

func (h *Handlers) notify(kind events.Kind, data any) {
	if h.hub != nil {
		h.hub.Notify(string(kind), data)
	}
}

func (h *Handlers) stamp(ts time.Time) time.Time {
	if ts.IsZero() {
		return h.now().UTC()
	}
	return ts.UTC()
}

// vehicle resolves an immatriculation. A nil error with ok false means the
// message must be dropped.
func (h *Handlers) vehicle(ctx context.Context, imm, event string) (model.Vehicle, bool, error) {
	if imm == "" {
		h.log.Warnw("telemetry.dropped", map[string]any{"event": event, "reason": "missing_immatriculation"})
		return model.Vehicle{}, false, nil
	}
	v, err := h.store.VehicleByImmatriculation(ctx, imm)
	if errors.Is(err, store.ErrNotFound) {
		h.log.Warnw("telemetry.dropped", map[string]any{"event": event, "reason": "unknown_vehicle", "immatriculation": imm})
		return model.Vehicle{}, false, nil
	}
	if err != nil {
		return model.Vehicle{}, false, fmt.Errorf("lookup vehicle %s: %w", imm, err)
	}
	return v, true, nil
}

// HandlePosition stores a position report.
func (h *Handlers) HandlePosition(ctx context.Context, ev subscriptions.QueueEvent[events.VehiclePosition]) error {
	p := ev.Payload
	v, ok, err := h.vehicle(ctx, p.Immatriculation, ev.Kind.String())
	if !ok {
		return err
	}
	ts := h.stamp(p.Timestamp)
	if err := h.store.AddPosition(ctx, model.VehiclePosition{
		ID:        uuid.New(),
		VehicleID: v.ID,
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		Timestamp: ts,
	}); err != nil {
		return fmt.Errorf("store position: %w", err)
	}
	if err := h.rec.RecordVehiclePosition(metrics.VehiclePositionEvent{
		VehicleID:       v.ID.String(),
		Immatriculation: v.Immatriculation,
		Latitude:        p.Latitude,
		Longitude:       p.Longitude,
		Time:            ts,
	}); err != nil {
		h.log.Warnf("record position: %v", err)
	}
	h.notify(events.KindVehiclePosition, events.PositionUpdate{
		VehicleID:       v.ID,
		Immatriculation: v.Immatriculation,
		Latitude:        p.Latitude,
		Longitude:       p.Longitude,
		Timestamp:       ts,
	})
	return nil
}

// HandleStatus updates the status of a vehicle.
func (h *Handlers) HandleStatus(ctx context.Context, ev subscriptions.QueueEvent[events.VehicleStatus]) error {
	p := ev.Payload
	st, err := h.store.StatusByLabel(ctx, p.StatusLabel)
	if errors.Is(err, store.ErrNotFound) {
		h.log.Warnw("telemetry.dropped", map[string]any{"event": ev.Kind.String(), "reason": "unknown_status", "status_label": p.StatusLabel})
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup status %q: %w", p.StatusLabel, err)
	}
	v, ok, err := h.vehicle(ctx, p.Immatriculation, ev.Kind.String())
	if !ok {
		return err
	}
	if err := h.store.SetVehicleStatus(ctx, v.ID, st.ID); err != nil {
		return fmt.Errorf("update vehicle status: %w", err)
	}
	ts := h.stamp(p.Timestamp)
	if err := h.rec.RecordVehicleStatus(metrics.VehicleStatusEvent{
		VehicleID:       v.ID.String(),
		Immatriculation: v.Immatriculation,
		Status:          st.Label,
		Time:            ts,
	}); err != nil {
		h.log.Warnf("record status: %v", err)
	}
	h.notify(events.KindVehicleStatus, events.StatusUpdate{
		VehicleID:       v.ID,
		Immatriculation: v.Immatriculation,
		StatusID:        st.ID,
		StatusLabel:     st.Label,
		Timestamp:       ts,
	})
	return nil
}

// HandleIncidentStatus ends a phase when its status says so, releasing the
// vehicles assigned to it and closing the incident once every phase ended.
func (h *Handlers) HandleIncidentStatus(ctx context.Context, ev subscriptions.QueueEvent[events.IncidentStatus]) error {
	p := ev.Payload
	phase, err := h.store.Phase(ctx, p.IncidentPhaseID)
	if errors.Is(err, store.ErrNotFound) {
		h.log.Warnw("telemetry.dropped", map[string]any{"event": ev.Kind.String(), "reason": "unknown_phase", "incident_phase_id": p.IncidentPhaseID.String()})
		return nil
	}
	if err != nil {
		return fmt.Errorf("load phase: %w", err)
	}

	update := events.PhaseUpdate{IncidentID: phase.IncidentID, IncidentPhaseID: phase.ID, EndedAt: phase.EndedAt}
	if p.Status == events.PhaseEnded {
		at := h.stamp(p.Timestamp)
		if phase, err = h.store.EndPhase(ctx, phase.ID, at); err != nil {
			return fmt.Errorf("end phase: %w", err)
		}
		released, err := h.store.UnassignPhase(ctx, phase.ID, at)
		if err != nil {
			return fmt.Errorf("unassign phase: %w", err)
		}
		for _, a := range released {
			update.Unassigned = append(update.Unassigned, a.VehicleID)
		}
		if update.IncidentEnded, err = h.store.EndIncidentIfComplete(ctx, phase.IncidentID, at); err != nil {
			return fmt.Errorf("end incident: %w", err)
		}
		update.EndedAt = phase.EndedAt
		h.log.Infow("incident.phase.ended", map[string]any{
			"incident_phase_id": phase.ID.String(),
			"released":          len(released),
			"incident_ended":    update.IncidentEnded,
		})
	}

	h.notify(events.KindIncidentStatus, p)
	h.notify(events.KindIncidentPhase, update)
	return nil
}
