// Package assignment sends assignment commands to vehicles and waits until
// their persisted status shows they engaged.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/kilianp07/qgdispatch/core/assignment/logging"
	"github.com/kilianp07/qgdispatch/core/broker"
	"github.com/kilianp07/qgdispatch/core/events"
	"github.com/kilianp07/qgdispatch/core/logger"
	"github.com/kilianp07/qgdispatch/core/metrics"
	"github.com/kilianp07/qgdispatch/core/model"
	"github.com/kilianp07/qgdispatch/core/store"
	"github.com/kilianp07/qgdispatch/internal/eventbus"
)

// Store is the persistence used by the coordinator.
type Store interface {
	store.VehicleStore
	store.IncidentStore
	store.AssignmentStore
}

// Request describes one batch of vehicles to engage on an incident.
type Request struct {
	IncidentID uuid.UUID
	// ProposalID is set when the batch comes from a validated proposal.
	ProposalID *uuid.UUID
	Targets    []Target
	Latitude   float64
	Longitude  float64
	OperatorID *uuid.UUID
	// Finalize runs once the engaged rows are validated and before any
	// vehicle_assignment is notified. An error withdraws the engaged rows.
	Finalize func(ctx context.Context) error
}

// Outcome is the result of CreateAndWait.
type Outcome struct {
	Assignments []model.Assignment
	Engaged     []Target
	Failed      []Target
	Attempts    int
}

// Coordinator runs the acknowledgment protocol.
type Coordinator struct {
	cfg     Config
	client  broker.Client
	store   Store
	hub     eventbus.Notifier
	clock   Clock
	log     logger.Logger
	sink    metrics.MetricsSink
	attempt logging.LogStore
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithClock replaces the system clock.
func WithClock(c Clock) Option {
	return func(co *Coordinator) {
		if c != nil {
			co.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(co *Coordinator) { co.log = logger.OrNop(l) }
}

// WithMetricsSink reports batch outcomes to sink.
func WithMetricsSink(sink metrics.MetricsSink) Option {
	return func(co *Coordinator) {
		if sink != nil {
			co.sink = sink
		}
	}
}

// WithLogStore appends every batch to the attempt log.
func WithLogStore(ls logging.LogStore) Option {
	return func(co *Coordinator) { co.attempt = ls }
}

// New creates a Coordinator. cfg defaults are applied.
func New(cfg Config, client broker.Client, st Store, hub eventbus.Notifier, opts ...Option) *Coordinator {
	cfg.SetDefaults()
	c := &Coordinator{
		cfg:    cfg,
		client: client,
		store:  st,
		hub:    hub,
		clock:  SystemClock{},
		log:    logger.Nop{},
		sink:   metrics.NopSink{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

func (c *Coordinator) publish(ctx context.Context, targets []Target, lat, lon float64) {
	for _, t := range targets {
		body, err := broker.Encode(events.KindVehicleAssignment, events.AssignmentCommand{
			Immatriculation: t.Immatriculation,
			Latitude:        round6(lat),
			Longitude:       round6(lon),
		})
		if err == nil {
			err = c.client.Enqueue(ctx, c.cfg.CommandQueue, body, c.cfg.PublishTimeout())
		}
		if err != nil {
			commandsTotal.WithLabelValues("error").Inc()
			c.log.Warnw("assignment.publish.failed", map[string]any{
				"immatriculation": t.Immatriculation,
				"error":           err.Error(),
			})
			continue
		}
		commandsTotal.WithLabelValues("ok").Inc()
	}
}

// SendAndWait publishes an assignment command to every target and polls their
// status until each one engaged or MaxAttempts polls elapsed. engaged and
// failed partition targets, also when ctx is cancelled mid-protocol.
func (c *Coordinator) SendAndWait(ctx context.Context, targets []Target, lat, lon float64) (engaged, failed []Target, err error) {
	engaged, failed, _, err = c.sendAndWait(ctx, targets, lat, lon)
	return engaged, failed, err
}

func (c *Coordinator) sendAndWait(ctx context.Context, targets []Target, lat, lon float64) (engaged, failed []Target, attempts int, err error) {
	if len(targets) == 0 {
		return nil, nil, 0, nil
	}
	start := c.clock.Now()
	pending := append([]Target(nil), targets...)
	c.publish(ctx, pending, lat, lon)

	for attempts < c.cfg.MaxAttempts && len(pending) > 0 {
		select {
		case <-ctx.Done():
			return engaged, pending, attempts, ctx.Err()
		case <-c.clock.After(c.cfg.RetryDelay()):
		}
		attempts++

		labels, err := c.store.VehicleStatusLabels(ctx, vehicleIDs(pending))
		if err != nil {
			return nil, nil, attempts, fmt.Errorf("read vehicle statuses: %w", err)
		}
		var now []Target
		now, pending = Tick(pending, labels, c.cfg.EngagedStatusLabel)
		if len(now) > 0 {
			engagedLatency.Observe(c.clock.Now().Sub(start).Seconds())
			engaged = append(engaged, now...)
		}
		if len(pending) > 0 && attempts < c.cfg.MaxAttempts {
			c.log.Debugw("assignment.retry", map[string]any{
				"attempt": attempts,
				"pending": immatriculations(pending),
			})
			c.publish(ctx, pending, lat, lon)
		}
	}
	pollsPerBatch.Observe(float64(attempts))
	return engaged, pending, attempts, nil
}

func dedupe(targets []Target) []Target {
	seen := make(map[uuid.UUID]struct{}, len(targets))
	out := make([]Target, 0, len(targets))
	for _, t := range targets {
		if _, ok := seen[t.VehicleID]; ok {
			continue
		}
		seen[t.VehicleID] = struct{}{}
		out = append(out, t)
	}
	return out
}

// CreateAndWait inserts provisional assignments for the request targets, runs
// SendAndWait and keeps only the rows of vehicles that engaged. When none
// engaged a *TimeoutError is returned. A cancelled ctx discards the batch
// unless some vehicles already engaged, in which case those are kept and the
// rest count as failed.
func (c *Coordinator) CreateAndWait(ctx context.Context, req Request) (Outcome, error) {
	targets := dedupe(req.Targets)
	if len(targets) == 0 {
		return Outcome{}, fmt.Errorf("%w: no vehicle to assign", ErrBadRequest)
	}
	start := c.clock.Now()
	assignedAt := start.UTC()

	rows := make([]model.Assignment, len(targets))
	byVehicle := make(map[uuid.UUID]model.Assignment, len(targets))
	for i, t := range targets {
		rows[i] = model.Assignment{
			ID:                   uuid.New(),
			VehicleID:            t.VehicleID,
			IncidentPhaseID:      t.IncidentPhaseID,
			AssignedAt:           assignedAt,
			AssignedByOperatorID: req.OperatorID,
		}
		byVehicle[t.VehicleID] = rows[i]
	}
	if err := c.store.CreateAssignments(ctx, rows); err != nil {
		return Outcome{}, fmt.Errorf("create assignments: %w", err)
	}

	engaged, failed, attempts, err := c.sendAndWait(ctx, targets, req.Latitude, req.Longitude)
	if err != nil {
		if ctx.Err() == nil || len(engaged) == 0 {
			c.discard(context.WithoutCancel(ctx), rows)
			return Outcome{}, err
		}
		c.log.Warnw("assignment.cancelled", map[string]any{
			"incident_id": req.IncidentID.String(),
			"engaged":     immatriculations(engaged),
			"failed":      immatriculations(failed),
			"error":       err.Error(),
		})
		ctx = context.WithoutCancel(ctx)
	}

	if len(failed) > 0 {
		ids := make([]uuid.UUID, len(failed))
		for i, t := range failed {
			ids[i] = byVehicle[t.VehicleID].ID
		}
		if err := c.store.DeleteAssignments(ctx, ids); err != nil {
			c.log.Errorf("delete failed assignments of incident %s: %v", req.IncidentID, err)
		}
	}

	out := Outcome{Engaged: engaged, Failed: failed, Attempts: attempts}
	c.record(ctx, req, out, start)

	if len(engaged) == 0 {
		batchesTotal.WithLabelValues("timeout").Inc()
		return out, &TimeoutError{Attempts: attempts, Failed: immatriculations(failed)}
	}

	validatedAt := c.clock.Now().UTC()
	ids := make([]uuid.UUID, len(engaged))
	for i, t := range engaged {
		ids[i] = byVehicle[t.VehicleID].ID
	}
	if err := c.store.ValidateAssignments(ctx, ids, validatedAt, req.OperatorID); err != nil {
		return out, fmt.Errorf("validate assignments: %w", err)
	}
	if req.Finalize != nil {
		if err := req.Finalize(ctx); err != nil {
			batchesTotal.WithLabelValues("withdrawn").Inc()
			c.log.Warnw("assignment.withdrawn", map[string]any{
				"incident_id": req.IncidentID.String(),
				"engaged":     immatriculations(engaged),
				"error":       err.Error(),
			})
			if derr := c.store.DeleteAssignments(context.WithoutCancel(ctx), ids); derr != nil {
				c.log.Errorf("withdraw engaged assignments: %v", derr)
			}
			return out, err
		}
	}

	if len(failed) > 0 {
		batchesTotal.WithLabelValues("partial").Inc()
		c.log.Warnw("assignment.partial", map[string]any{
			"incident_id": req.IncidentID.String(),
			"engaged":     immatriculations(engaged),
			"failed":      immatriculations(failed),
		})
	} else {
		batchesTotal.WithLabelValues("engaged").Inc()
	}

	for _, t := range engaged {
		a := byVehicle[t.VehicleID]
		a.ValidatedAt = &validatedAt
		a.ValidatedByOperatorID = req.OperatorID
		out.Assignments = append(out.Assignments, a)
		if c.hub != nil {
			c.hub.Notify(string(events.KindVehicleAssignment), events.VehicleAssignment{
				IncidentID:             req.IncidentID,
				VehicleAssignmentID:    a.ID,
				VehicleID:              a.VehicleID,
				IncidentPhaseID:        a.IncidentPhaseID,
				AssignedAt:             a.AssignedAt,
				AssignedByOperatorID:   a.AssignedByOperatorID,
				ValidatedAt:            a.ValidatedAt,
				ValidatedByOperatorID:  a.ValidatedByOperatorID,
				VehicleImmatriculation: t.Immatriculation,
			})
		}
	}
	c.log.Infow("assignment.completed", map[string]any{
		"incident_id": req.IncidentID.String(),
		"engaged":     len(engaged),
		"failed":      len(failed),
		"attempts":    attempts,
	})
	return out, nil
}

func (c *Coordinator) discard(ctx context.Context, rows []model.Assignment) {
	ids := make([]uuid.UUID, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	if err := c.store.DeleteAssignments(ctx, ids); err != nil {
		c.log.Errorf("discard provisional assignments: %v", err)
	}
}

func (c *Coordinator) record(ctx context.Context, req Request, out Outcome, start time.Time) {
	now := c.clock.Now()
	dur := now.Sub(start)
	if err := c.sink.RecordAssignmentOutcome(metrics.AssignmentOutcome{
		IncidentID: req.IncidentID.String(),
		Requested:  len(out.Engaged) + len(out.Failed),
		Engaged:    len(out.Engaged),
		Failed:     len(out.Failed),
		Attempts:   out.Attempts,
		Duration:   dur,
		Time:       now,
	}); err != nil {
		c.log.Warnf("record assignment outcome: %v", err)
	}
	if c.attempt == nil {
		return
	}
	rec := logging.LogRecord{
		Timestamp:  now.UTC(),
		IncidentID: req.IncidentID.String(),
		Attempts:   out.Attempts,
		Engaged:    immatriculations(out.Engaged),
		Failed:     immatriculations(out.Failed),
		DurationMS: dur.Milliseconds(),
	}
	if req.ProposalID != nil {
		rec.ProposalID = req.ProposalID.String()
	}
	if len(req.Targets) > 0 {
		rec.PhaseID = req.Targets[0].IncidentPhaseID.String()
	}
	if err := c.attempt.Append(ctx, rec); err != nil {
		c.log.Warnf("append attempt log: %v", err)
	}
}

// AssignVehicle engages one vehicle on an incident phase.
func (c *Coordinator) AssignVehicle(ctx context.Context, vehicleID, phaseID uuid.UUID, operatorID *uuid.UUID) (Outcome, error) {
	v, err := c.store.VehicleByID(ctx, vehicleID)
	if err != nil {
		return Outcome{}, fmt.Errorf("vehicle %s: %w", vehicleID, err)
	}
	ph, err := c.store.Phase(ctx, phaseID)
	if err != nil {
		return Outcome{}, fmt.Errorf("incident phase %s: %w", phaseID, err)
	}
	inc, err := c.store.Incident(ctx, ph.IncidentID)
	if err != nil {
		return Outcome{}, fmt.Errorf("incident %s: %w", ph.IncidentID, err)
	}
	if !inc.HasLocation() {
		return Outcome{}, fmt.Errorf("%w: incident %s has no coordinates", ErrBadRequest, inc.ID)
	}
	out, err := c.CreateAndWait(ctx, Request{
		IncidentID: inc.ID,
		Targets:    []Target{{VehicleID: v.ID, Immatriculation: v.Immatriculation, IncidentPhaseID: ph.ID}},
		Latitude:   *inc.Latitude,
		Longitude:  *inc.Longitude,
		OperatorID: operatorID,
	})
	if err != nil && !errors.Is(err, ErrRequestTimeout) {
		c.log.Warnw("assignment.vehicle.failed", map[string]any{"vehicle_id": vehicleID.String(), "error": err.Error()})
	}
	return out, err
}
