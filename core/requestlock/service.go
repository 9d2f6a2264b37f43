// Package requestlock guards the "request a new proposal" operation so that
// only one request per incident is in flight at any time.
package requestlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kilianp07/qgdispatch/core/broker"
	"github.com/kilianp07/qgdispatch/core/events"
	"github.com/kilianp07/qgdispatch/core/logger"
	"github.com/kilianp07/qgdispatch/core/model"
	"github.com/kilianp07/qgdispatch/core/store"
	"github.com/kilianp07/qgdispatch/internal/eventbus"
)

// ErrInProgress is returned when a request is already pending for the incident.
var ErrInProgress = errors.New("proposal request already in progress")

// DefaultEnqueueTimeout bounds the publish of the engine request.
const DefaultEnqueueTimeout = 5 * time.Second

// Store is the persistence used by the service.
type Store interface {
	store.LockStore
	store.OperatorStore
	Incident(ctx context.Context, id uuid.UUID) (model.Incident, error)
}

// Service acquires and releases request locks and forwards proposal requests
// to the planning engine.
type Service struct {
	store   Store
	client  broker.Client
	hub     eventbus.Notifier
	log     logger.Logger
	queue   string
	timeout time.Duration
	now     func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option { return func(s *Service) { s.log = logger.OrNop(l) } }

// WithQueue overrides the engine queue.
func WithQueue(q string) Option {
	return func(s *Service) {
		if q != "" {
			s.queue = q
		}
	}
}

// WithEnqueueTimeout overrides the publish deadline.
func WithEnqueueTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithNow overrides the time source.
func WithNow(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a Service.
func New(st Store, client broker.Client, hub eventbus.Notifier, opts ...Option) *Service {
	s := &Service{
		store:   st,
		client:  client,
		hub:     hub,
		log:     logger.Nop{},
		queue:   broker.QueueEngine,
		timeout: DefaultEnqueueTimeout,
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Acquire creates the lock of incidentID. It reports false when the lock
// already exists.
func (s *Service) Acquire(ctx context.Context, incidentID uuid.UUID, requestedBy *uuid.UUID) (bool, error) {
	ok, err := s.store.AcquireRequestLock(ctx, incidentID, requestedBy, s.now().UTC())
	if err != nil {
		return false, fmt.Errorf("acquire request lock: %w", err)
	}
	return ok, nil
}

// Release deletes the lock of incidentID. Releasing a missing lock succeeds.
func (s *Service) Release(ctx context.Context, incidentID uuid.UUID) error {
	if err := s.store.ReleaseRequestLock(ctx, incidentID); err != nil {
		return fmt.Errorf("release request lock: %w", err)
	}
	return nil
}

// RequestProposal asks the planning engine for a new proposal on incidentID.
// The lock stays held until the proposal is ingested.
func (s *Service) RequestProposal(ctx context.Context, incidentID uuid.UUID, requester model.Identity) error {
	if _, err := s.store.Incident(ctx, incidentID); err != nil {
		return fmt.Errorf("incident %s: %w", incidentID, err)
	}
	operatorID := s.operatorID(ctx, requester)
	ok, err := s.Acquire(ctx, incidentID, operatorID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: incident %s", ErrInProgress, incidentID)
	}

	body, err := broker.Encode(events.KindNewIncident, map[string]any{"incident_id": incidentID})
	if err == nil {
		err = s.client.Enqueue(ctx, s.queue, body, s.timeout)
	}
	if err != nil {
		if rerr := s.Release(context.WithoutCancel(ctx), incidentID); rerr != nil {
			s.log.Errorf("release lock after failed request: %v", rerr)
		}
		return fmt.Errorf("request proposal: %w", err)
	}

	if s.hub != nil {
		s.hub.Notify(string(events.KindProposalRequest), events.ProposalRequest{
			IncidentID:  incidentID,
			RequestedBy: requester.Label(),
		})
	}
	s.log.Infow("proposal.requested", map[string]any{"incident_id": incidentID.String(), "requested_by": requester.Label()})
	return nil
}

func (s *Service) operatorID(ctx context.Context, id model.Identity) *uuid.UUID {
	if id.Email == "" {
		return nil
	}
	op, err := s.store.OperatorByEmail(ctx, id.Email)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.log.Warnf("lookup operator %s: %v", id.Email, err)
		}
		return nil
	}
	return &op.ID
}
