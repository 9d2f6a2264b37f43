package proposal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/qgdispatch/core/assignment"
	"github.com/kilianp07/qgdispatch/core/broker/brokertest"
	"github.com/kilianp07/qgdispatch/core/events"
	"github.com/kilianp07/qgdispatch/core/metrics"
	"github.com/kilianp07/qgdispatch/core/model"
	"github.com/kilianp07/qgdispatch/core/monitoring"
	"github.com/kilianp07/qgdispatch/core/store"
	"github.com/kilianp07/qgdispatch/core/store/memory"
	"github.com/kilianp07/qgdispatch/core/subscriptions"
	"github.com/kilianp07/qgdispatch/infra/logger"
	"github.com/kilianp07/qgdispatch/internal/eventbus/eventbustest"
)

type fakeAssigner struct {
	mu    sync.Mutex
	calls []assignment.Request
	err   error
}

func (f *fakeAssigner) CreateAndWait(ctx context.Context, req assignment.Request) (assignment.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return assignment.Outcome{}, f.err
	}
	out := assignment.Outcome{Attempts: 1}
	for i, t := range req.Targets {
		if i == 0 {
			out.Engaged = append(out.Engaged, t)
			out.Assignments = append(out.Assignments, model.Assignment{ID: uuid.New(), VehicleID: t.VehicleID})
			continue
		}
		out.Failed = append(out.Failed, t)
	}
	if req.Finalize != nil {
		if err := req.Finalize(ctx); err != nil {
			out.Assignments = nil
			return out, err
		}
	}
	return out, nil
}

func (f *fakeAssigner) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// rejectOnPoll engages a vehicle on the first status poll right after running
// decide, which stands for an operator decision landing mid-protocol.
type rejectOnPoll struct {
	*memory.Store
	once    sync.Once
	decide  func()
	vehicle uuid.UUID
	status  uuid.UUID
}

func (s *rejectOnPoll) VehicleStatusLabels(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	var err error
	s.once.Do(func() {
		s.decide()
		err = s.SetVehicleStatus(ctx, s.vehicle, s.status)
	})
	if err != nil {
		return nil, err
	}
	return s.Store.VehicleStatusLabels(ctx, ids)
}

type recordMonitor struct {
	mu   sync.Mutex
	errs []error
}

func (r *recordMonitor) Report(rep monitoring.Report) {
	r.mu.Lock()
	r.errs = append(r.errs, rep.Err)
	r.mu.Unlock()
}
func (r *recordMonitor) Flush(time.Duration) bool { return true }

func (r *recordMonitor) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

type decisions struct {
	metrics.NopSink
	mu  sync.Mutex
	got []metrics.ProposalDecisionEvent
}

func (d *decisions) RecordProposalDecision(ev metrics.ProposalDecisionEvent) error {
	d.mu.Lock()
	d.got = append(d.got, ev)
	d.mu.Unlock()
	return nil
}

type fixture struct {
	mem      *memory.Store
	incident model.Incident
	phase    uuid.UUID
	v1, v2   model.Vehicle
}

func newFixture() fixture {
	mem := memory.New()
	lat, lon := 45.75, 4.85
	inc := model.Incident{ID: uuid.New(), Latitude: &lat, Longitude: &lon, CreatedAt: time.Now()}
	mem.PutIncident(inc)
	ph := model.IncidentPhase{ID: uuid.New(), IncidentID: inc.ID, StartedAt: time.Now()}
	mem.PutPhase(ph)
	v1 := model.Vehicle{ID: uuid.New(), Immatriculation: "AA-111-AA"}
	v2 := model.Vehicle{ID: uuid.New(), Immatriculation: "BB-222-BB"}
	mem.PutVehicle(v1)
	mem.PutVehicle(v2)
	return fixture{mem: mem, incident: inc, phase: ph.ID, v1: v1, v2: v2}
}

func (f fixture) payload() events.AssignmentProposal {
	return events.AssignmentProposal{
		ProposalID:  uuid.New(),
		IncidentID:  f.incident.ID,
		GeneratedAt: time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC),
		Proposals: []events.ProposalItem{
			{IncidentPhaseID: f.phase, VehicleID: f.v1.ID, DistanceKM: 1.2, RouteGeometry: map[string]any{"type": "LineString"}},
			{IncidentPhaseID: f.phase, VehicleID: f.v2.ID, DistanceKM: 3.4},
		},
		MissingByVehicleType: map[uuid.UUID]int{uuid.New(): 2},
	}
}

func (f fixture) ingest(t *testing.T, l *Lifecycle) uuid.UUID {
	t.Helper()
	p := f.payload()
	require.NoError(t, l.HandleProposal(context.Background(), subscriptions.QueueEvent[events.AssignmentProposal]{
		Kind: events.KindAssignmentProposal, Payload: p,
	}))
	return p.ProposalID
}

func TestHandleProposalStoresRanksAndAnnounces(t *testing.T) {
	f := newFixture()
	hub := &eventbustest.Recorder{}
	l := New(Config{DisableAutoAccept: true}, f.mem, &fakeAssigner{}, hub, WithLogger(logger.NopLogger{}))

	id := f.ingest(t, l)
	p, err := f.mem.Proposal(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, p.Items, 2)
	assert.Equal(t, 1, p.Items[0].Rank)
	assert.Equal(t, 2, p.Items[1].Rank)
	assert.JSONEq(t, `{"type":"LineString"}`, string(p.Items[0].RouteGeometry))
	require.Len(t, p.Missing, 1)
	assert.Equal(t, f.phase, p.Missing[0].IncidentPhaseID)
	assert.Equal(t, 2, p.Missing[0].MissingQuantity)

	notes := hub.Events("vehicle_assignment_proposal")
	require.Len(t, notes, 1)
	ann := notes[0].Data.(events.AssignmentProposal)
	for _, it := range ann.Proposals {
		assert.Nil(t, it.RouteGeometry)
	}
	assert.Equal(t, 0, l.Scheduler().Pending())
}

func TestHandleProposalSkipsMissingWhenSeveralPhases(t *testing.T) {
	f := newFixture()
	other := model.IncidentPhase{ID: uuid.New(), IncidentID: f.incident.ID, StartedAt: time.Now()}
	f.mem.PutPhase(other)
	l := New(Config{DisableAutoAccept: true}, f.mem, &fakeAssigner{}, nil)

	p := f.payload()
	p.Proposals[1].IncidentPhaseID = other.ID
	require.NoError(t, l.HandleProposal(context.Background(), subscriptions.QueueEvent[events.AssignmentProposal]{Payload: p}))

	got, err := f.mem.Proposal(context.Background(), p.ProposalID)
	require.NoError(t, err)
	assert.Empty(t, got.Missing)
	assert.Equal(t, 1, got.Items[0].Rank)
	assert.Equal(t, 1, got.Items[1].Rank)
}

func TestHandleProposalIgnoresDuplicatesAndUnknownIncident(t *testing.T) {
	f := newFixture()
	hub := &eventbustest.Recorder{}
	l := New(Config{DisableAutoAccept: true}, f.mem, &fakeAssigner{}, hub)

	p := f.payload()
	ev := subscriptions.QueueEvent[events.AssignmentProposal]{Payload: p}
	require.NoError(t, l.HandleProposal(context.Background(), ev))
	require.NoError(t, l.HandleProposal(context.Background(), ev))
	assert.Len(t, hub.Events("vehicle_assignment_proposal"), 1)

	p2 := f.payload()
	p2.IncidentID = uuid.New()
	require.NoError(t, l.HandleProposal(context.Background(), subscriptions.QueueEvent[events.AssignmentProposal]{Payload: p2}))
	exists, err := f.mem.ProposalExists(context.Background(), p2.ProposalID)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestHandleProposalReleasesLockAndSchedules(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	ok, err := f.mem.AcquireRequestLock(ctx, f.incident.ID, nil, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	l := New(Config{AutoAcceptDelaySecs: 3600}, f.mem, &fakeAssigner{}, nil, WithLockReleaser(lockRelease{f.mem}))
	t.Cleanup(func() { _ = l.Scheduler().Shutdown(ctx) })
	f.ingest(t, l)

	assert.Equal(t, 1, l.Scheduler().Pending())
	ok, err = f.mem.AcquireRequestLock(ctx, f.incident.ID, nil, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
}

type lockRelease struct{ mem *memory.Store }

func (r lockRelease) Release(ctx context.Context, id uuid.UUID) error {
	return r.mem.ReleaseRequestLock(ctx, id)
}

func TestValidate(t *testing.T) {
	f := newFixture()
	op := model.Operator{ID: uuid.New(), Email: "op@qg.fr"}
	f.mem.PutOperator(op)
	hub := &eventbustest.Recorder{}
	asg := &fakeAssigner{}
	dec := &decisions{}
	now := time.Date(2025, 1, 2, 10, 5, 0, 0, time.UTC)
	l := New(Config{AutoAcceptDelaySecs: 3600}, f.mem, asg, hub,
		WithDecisionRecorder(dec), WithNow(func() time.Time { return now }))
	t.Cleanup(func() { _ = l.Scheduler().Shutdown(context.Background()) })

	id := f.ingest(t, l)
	require.Equal(t, 1, l.Scheduler().Pending())

	res, err := l.Validate(context.Background(), id, model.Identity{Subject: "u", Email: op.Email})
	require.NoError(t, err)
	assert.Equal(t, 1, res.AssignmentsCreated)
	assert.Equal(t, []string{"BB-222-BB"}, res.Failed)
	assert.Equal(t, now, res.ValidatedAt)
	assert.Equal(t, 0, l.Scheduler().Pending())

	require.Len(t, asg.calls, 1)
	req := asg.calls[0]
	assert.Equal(t, &id, req.ProposalID)
	assert.Equal(t, &op.ID, req.OperatorID)
	assert.Equal(t, 45.75, req.Latitude)
	require.Len(t, req.Targets, 2)
	assert.Equal(t, "AA-111-AA", req.Targets[0].Immatriculation)

	notes := hub.Events("assignment_proposal_accepted")
	require.Len(t, notes, 1)
	assert.Equal(t, events.ProposalAccepted{ProposalID: id, IncidentID: f.incident.ID, ValidatedAt: now, AssignmentsCreated: 1}, notes[0].Data)
	require.Len(t, dec.got, 1)
	assert.Equal(t, metrics.DecisionValidated, dec.got[0].Decision)
	assert.False(t, dec.got[0].Automatic)

	_, err = l.Validate(context.Background(), id, model.Anonymous())
	assert.ErrorIs(t, err, store.ErrConflict)
	_, err = l.Reject(context.Background(), id)
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestValidateErrors(t *testing.T) {
	f := newFixture()
	asg := &fakeAssigner{}
	l := New(Config{DisableAutoAccept: true}, f.mem, asg, nil)
	ctx := context.Background()

	_, err := l.Validate(ctx, uuid.New(), model.Anonymous())
	assert.ErrorIs(t, err, store.ErrNotFound)

	empty := model.Proposal{ID: uuid.New(), IncidentID: f.incident.ID, GeneratedAt: time.Now()}
	require.NoError(t, f.mem.CreateProposal(ctx, empty))
	_, err = l.Validate(ctx, empty.ID, model.Anonymous())
	assert.ErrorIs(t, err, assignment.ErrBadRequest)

	noLoc := model.Incident{ID: uuid.New(), CreatedAt: time.Now()}
	f.mem.PutIncident(noLoc)
	p := model.Proposal{ID: uuid.New(), IncidentID: noLoc.ID, GeneratedAt: time.Now(),
		Items: []model.ProposalItem{{IncidentPhaseID: f.phase, VehicleID: f.v1.ID, Rank: 1}}}
	require.NoError(t, f.mem.CreateProposal(ctx, p))
	_, err = l.Validate(ctx, p.ID, model.Anonymous())
	assert.ErrorIs(t, err, assignment.ErrBadRequest)

	id := f.ingest(t, l)
	asg.err = &assignment.TimeoutError{Attempts: 5, Failed: []string{"AA-111-AA"}}
	_, err = l.Validate(ctx, id, model.Anonymous())
	assert.ErrorIs(t, err, assignment.ErrRequestTimeout)
	got, err := f.mem.Proposal(ctx, id)
	require.NoError(t, err)
	assert.False(t, got.Terminal())
}

func TestReject(t *testing.T) {
	f := newFixture()
	hub := &eventbustest.Recorder{}
	dec := &decisions{}
	l := New(Config{AutoAcceptDelaySecs: 3600}, f.mem, &fakeAssigner{}, hub, WithDecisionRecorder(dec))
	t.Cleanup(func() { _ = l.Scheduler().Shutdown(context.Background()) })
	id := f.ingest(t, l)

	res, err := l.Reject(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, res.ProposalID)
	assert.Equal(t, 0, l.Scheduler().Pending())

	notes := hub.Events("assignment_proposal_refused")
	require.Len(t, notes, 1)
	assert.Equal(t, events.ProposalRefused{ProposalID: id, IncidentID: f.incident.ID, RejectedAt: res.RejectedAt}, notes[0].Data)
	require.Len(t, dec.got, 1)
	assert.Equal(t, metrics.DecisionRejected, dec.got[0].Decision)

	_, err = l.Reject(context.Background(), id)
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestAutoAcceptAfterRejectionIsNoop(t *testing.T) {
	mon := &recordMonitor{}
	t.Cleanup(monitoring.Use(mon))

	f := newFixture()
	hub := &eventbustest.Recorder{}
	asg := &fakeAssigner{}
	l := New(Config{AutoAcceptDelaySecs: 3600}, f.mem, asg, hub)
	id := f.ingest(t, l)

	// The operator decision lands without going through Reject, so the timer
	// is still armed when it fires.
	require.NoError(t, f.mem.MarkProposalRejected(context.Background(), id, time.Now()))
	l.autoAccept(context.Background(), id)

	assert.Equal(t, 0, asg.Calls())
	assert.Empty(t, hub.Events("assignment_proposal_accepted"))
	assert.Equal(t, 0, mon.count())
	require.NoError(t, l.Scheduler().Shutdown(context.Background()))
}

func TestAutoAcceptFiresAndReportsFailures(t *testing.T) {
	mon := &recordMonitor{}
	t.Cleanup(monitoring.Use(mon))

	f := newFixture()
	hub := &eventbustest.Recorder{}
	asg := &fakeAssigner{}
	dec := &decisions{}
	l := New(Config{}, f.mem, asg, hub, WithDecisionRecorder(dec))
	l.cfg.AutoAcceptDelaySecs = 0
	id := f.ingest(t, l)

	require.Eventually(t, func() bool { return len(hub.Events("assignment_proposal_accepted")) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, l.Scheduler().Shutdown(context.Background()))
	require.Len(t, dec.got, 1)
	assert.True(t, dec.got[0].Automatic)
	got, err := f.mem.Proposal(context.Background(), id)
	require.NoError(t, err)
	assert.NotNil(t, got.ValidatedAt)

	asg.err = errors.New("broker down")
	l2 := New(Config{}, f.mem, asg, nil)
	t.Cleanup(func() { _ = l2.Scheduler().Shutdown(context.Background()) })
	id2 := f.ingest(t, l2)
	l2.autoAccept(context.Background(), id2)
	assert.Equal(t, 1, mon.count())
}

func TestValidateWithCoordinator(t *testing.T) {
	f := newFixture()
	engaged := model.VehicleStatus{ID: uuid.New(), Label: model.StatusEngaged}
	f.mem.PutStatus(engaged)
	v := f.v1
	v.StatusID = &engaged.ID
	f.mem.PutVehicle(v)

	fake := brokertest.New()
	hub := &eventbustest.Recorder{}
	coord := assignment.New(assignment.Config{MaxAttempts: 2, RetryDelayMS: 1}, fake, f.mem, hub)
	l := New(Config{DisableAutoAccept: true}, f.mem, coord, hub)
	id := f.ingest(t, l)

	res, err := l.Validate(context.Background(), id, model.Anonymous())
	require.NoError(t, err)
	assert.Equal(t, 1, res.AssignmentsCreated)
	assert.Equal(t, []string{"BB-222-BB"}, res.Failed)
	rows := f.mem.Assignments()
	require.Len(t, rows, 1)
	assert.Equal(t, f.v1.ID, rows[0].VehicleID)
	assert.Len(t, hub.Events("vehicle_assignment"), 1)
}

func TestRejectDuringValidateLeavesNoAssignment(t *testing.T) {
	f := newFixture()
	engaged := model.VehicleStatus{ID: uuid.New(), Label: model.StatusEngaged}
	f.mem.PutStatus(engaged)
	st := &rejectOnPoll{Store: f.mem, vehicle: f.v1.ID, status: engaged.ID}
	hub := &eventbustest.Recorder{}
	dec := &decisions{}
	coord := assignment.New(assignment.Config{MaxAttempts: 2, RetryDelayMS: 1}, brokertest.New(), st, hub)
	l := New(Config{DisableAutoAccept: true}, f.mem, coord, hub, WithDecisionRecorder(dec))
	id := f.ingest(t, l)

	var rejectErr error
	st.decide = func() { _, rejectErr = l.Reject(context.Background(), id) }

	_, err := l.Validate(context.Background(), id, model.Anonymous())
	assert.ErrorIs(t, err, store.ErrConflict)
	require.NoError(t, rejectErr)

	got, err := f.mem.Proposal(context.Background(), id)
	require.NoError(t, err)
	assert.NotNil(t, got.RejectedAt)
	assert.Nil(t, got.ValidatedAt)
	assert.Empty(t, f.mem.Assignments())
	assert.Empty(t, hub.Events("vehicle_assignment"))
	assert.Empty(t, hub.Events("assignment_proposal_accepted"))
	assert.Len(t, hub.Events("assignment_proposal_refused"), 1)
	require.Len(t, dec.got, 1)
	assert.Equal(t, metrics.DecisionRejected, dec.got[0].Decision)
}

func TestAutoAcceptRacingRejectionLeavesNoAssignment(t *testing.T) {
	mon := &recordMonitor{}
	t.Cleanup(monitoring.Use(mon))

	f := newFixture()
	asg := &fakeAssigner{}
	hub := &eventbustest.Recorder{}
	l := New(Config{DisableAutoAccept: true}, f.mem, asg, nil)
	id := f.ingest(t, l)
	require.NoError(t, f.mem.MarkProposalRejected(context.Background(), id, time.Now()))

	// The rejection is invisible at load time, so only Finalize sees it.
	l2 := New(Config{DisableAutoAccept: true}, &staleProposals{Store: f.mem}, asg, hub)
	l2.autoAccept(context.Background(), id)

	assert.Equal(t, 1, asg.Calls())
	assert.Empty(t, hub.Events("assignment_proposal_accepted"))
	assert.Equal(t, 0, mon.count())
}

// staleProposals serves proposals as if they were never decided.
type staleProposals struct {
	*memory.Store
}

func (s *staleProposals) Proposal(ctx context.Context, id uuid.UUID) (model.Proposal, error) {
	p, err := s.Store.Proposal(ctx, id)
	p.RejectedAt, p.ValidatedAt = nil, nil
	return p, err
}
