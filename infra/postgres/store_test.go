package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/qgdispatch/core/model"
	"github.com/kilianp07/qgdispatch/core/store"
	"github.com/kilianp07/qgdispatch/infra/logger"
	"github.com/kilianp07/qgdispatch/internal/testenv"
)

func TestMigrateURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@h:5432/db", migrateURL("postgres://u:p@h:5432/db"))
	assert.Equal(t, "pgx5://h/db", migrateURL("postgresql://h/db"))
	assert.Equal(t, "pgx5://h/db", migrateURL("pgx5://h/db"))
}

func TestConfigDefaults(t *testing.T) {
	var c Config
	c.SetDefaults()
	assert.NotEmpty(t, c.DSN)
	assert.Equal(t, int32(10), c.MaxConns)
	assert.NoError(t, c.Validate())

	c.MinConns = 20
	assert.Error(t, c.Validate())
}

type fixture struct {
	s       *Store
	vehicle uuid.UUID
	engaged uuid.UUID
	inc     uuid.UUID
	phase   uuid.UUID
}

func setup(t *testing.T) fixture {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	dsn, cleanup, err := testenv.StartPostgres(ctx)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(cleanup)

	s, err := Open(ctx, Config{DSN: dsn, AutoMigrate: true}, logger.NopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, Migrate(dsn), "migrations must be re-runnable")

	f := fixture{s: s, vehicle: uuid.New(), engaged: uuid.New(), inc: uuid.New(), phase: uuid.New()}
	avail := uuid.New()
	lat, lon := 45.75, 4.85
	for _, q := range []struct {
		sql  string
		args []any
	}{
		{`INSERT INTO vehicle_status VALUES ($1, $2)`, []any{avail, model.StatusAvailable}},
		{`INSERT INTO vehicle_status VALUES ($1, $2)`, []any{f.engaged, model.StatusEngaged}},
		{`INSERT INTO vehicle (vehicle_id, immatriculation, vehicle_status_id) VALUES ($1, 'AB-123-CD', $2)`, []any{f.vehicle, avail}},
		{`INSERT INTO incident (incident_id, latitude, longitude) VALUES ($1, $2, $3)`, []any{f.inc, lat, lon}},
		{`INSERT INTO incident_phase (incident_phase_id, incident_id) VALUES ($1, $2)`, []any{f.phase, f.inc}},
	} {
		_, err := s.pool.Exec(ctx, q.sql, q.args...)
		require.NoError(t, err)
	}
	return f
}

func TestStoreVehicleStatus(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	v, err := f.s.VehicleByImmatriculation(ctx, "AB-123-CD")
	require.NoError(t, err)
	assert.Equal(t, model.StatusAvailable, v.StatusLabel)

	require.NoError(t, f.s.SetVehicleStatus(ctx, f.vehicle, f.engaged))
	labels, err := f.s.VehicleStatusLabels(ctx, []uuid.UUID{f.vehicle})
	require.NoError(t, err)
	assert.Equal(t, model.StatusEngaged, labels[f.vehicle])

	_, err = f.s.VehicleByID(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, f.s.AddPosition(ctx, model.VehiclePosition{VehicleID: f.vehicle, Latitude: 1, Longitude: 2, Timestamp: time.Now()}))
}

func TestStoreActiveAssignmentUnique(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a := model.Assignment{ID: uuid.New(), VehicleID: f.vehicle, IncidentPhaseID: f.phase, AssignedAt: time.Now()}
	require.NoError(t, f.s.CreateAssignments(ctx, []model.Assignment{a}))

	b := model.Assignment{ID: uuid.New(), VehicleID: f.vehicle, IncidentPhaseID: f.phase, AssignedAt: time.Now()}
	assert.ErrorIs(t, f.s.CreateAssignments(ctx, []model.Assignment{b}), store.ErrConflict)

	op := uuid.New()
	require.NoError(t, f.s.ValidateAssignments(ctx, []uuid.UUID{a.ID}, time.Now(), &op))
	got, err := f.s.Assignment(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ValidatedByOperatorID)
	assert.Equal(t, op, *got.ValidatedByOperatorID)

	released, err := f.s.UnassignPhase(ctx, f.phase, time.Now())
	require.NoError(t, err)
	assert.Len(t, released, 1)
	require.NoError(t, f.s.CreateAssignments(ctx, []model.Assignment{b}))
	require.NoError(t, f.s.DeleteAssignments(ctx, []uuid.UUID{b.ID}))
}

func TestStoreProposalLifecycle(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	p := model.Proposal{
		ID:          uuid.New(),
		IncidentID:  f.inc,
		GeneratedAt: time.Now(),
		Items: []model.ProposalItem{{
			IncidentPhaseID: f.phase, VehicleID: f.vehicle, Rank: 1, DistanceKM: 2.5,
			RouteGeometry: json.RawMessage(`{"type":"LineString","coordinates":[]}`),
		}},
		Missing: []model.ProposalMissing{{IncidentPhaseID: f.phase, VehicleTypeID: uuid.New(), MissingQuantity: 2}},
	}
	require.NoError(t, f.s.CreateProposal(ctx, p))
	assert.ErrorIs(t, f.s.CreateProposal(ctx, p), store.ErrConflict)

	got, err := f.s.Proposal(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, got.Items, 1)
	assert.Equal(t, "AB-123-CD", got.Items[0].Immatriculation)
	assert.JSONEq(t, `{"type":"LineString","coordinates":[]}`, string(got.Items[0].RouteGeometry))
	require.Len(t, got.Missing, 1)

	require.NoError(t, f.s.MarkProposalValidated(ctx, p.ID, time.Now()))
	assert.ErrorIs(t, f.s.MarkProposalRejected(ctx, p.ID, time.Now()), store.ErrConflict)
	assert.ErrorIs(t, f.s.MarkProposalRejected(ctx, uuid.New(), time.Now()), store.ErrNotFound)
}

func TestStoreRequestLock(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ok, err := f.s.AcquireRequestLock(ctx, f.inc, nil, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = f.s.AcquireRequestLock(ctx, f.inc, nil, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, f.s.ReleaseRequestLock(ctx, f.inc))
	require.NoError(t, f.s.ReleaseRequestLock(ctx, f.inc))
}

func TestStoreEndPhaseAndIncident(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ph, err := f.s.EndPhase(ctx, f.phase, time.Now())
	require.NoError(t, err)
	assert.NotNil(t, ph.EndedAt)
	done, err := f.s.EndIncidentIfComplete(ctx, f.inc, time.Now())
	require.NoError(t, err)
	assert.True(t, done)
}
