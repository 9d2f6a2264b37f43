// Package postgres implements store.Store on PostgreSQL through pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kilianp07/qgdispatch/core/model"
	"github.com/kilianp07/qgdispatch/core/store"
	"github.com/kilianp07/qgdispatch/infra/logger"
)

// Store is a pgxpool backed store.Store.
type Store struct {
	pool *pgxpool.Pool
	log  logger.Logger
}

var _ store.Store = (*Store)(nil)

// Open connects to PostgreSQL, applying migrations first when configured.
func Open(ctx context.Context, cfg Config, log logger.Logger) (*Store, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log = logger.OrNop(log)
	if cfg.AutoMigrate {
		if err := Migrate(cfg.DSN); err != nil {
			return nil, err
		}
		log.Infof("database migrations applied")
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pcfg.MaxConns = cfg.MaxConns
	pcfg.MinConns = cfg.MinConns
	pcfg.ConnConfig.ConnectTimeout = cfg.connectTimeout()

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	log.Infow("postgres.connected", map[string]any{"host": pcfg.ConnConfig.Host, "database": pcfg.ConnConfig.Database})
	return &Store{pool: pool, log: log}, nil
}

// Ping verifies the connection is healthy.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" || pgErr.Code == "23514"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// mapErr translates driver errors into store sentinels.
func mapErr(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	case isUniqueViolation(err):
		return fmt.Errorf("%s: %w: %v", what, store.ErrConflict, err)
	case isForeignKeyViolation(err):
		return fmt.Errorf("%s: %w: %v", what, store.ErrNotFound, err)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}

func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

const vehicleSelect = `
SELECT v.vehicle_id, v.immatriculation, v.vehicle_type_id, v.vehicle_status_id, COALESCE(s.label, '')
FROM vehicle v
LEFT JOIN vehicle_status s ON s.vehicle_status_id = v.vehicle_status_id`

func scanVehicle(row pgx.Row) (model.Vehicle, error) {
	var v model.Vehicle
	err := row.Scan(&v.ID, &v.Immatriculation, &v.VehicleTypeID, &v.StatusID, &v.StatusLabel)
	return v, err
}

func (s *Store) VehicleByID(ctx context.Context, id uuid.UUID) (model.Vehicle, error) {
	v, err := scanVehicle(s.pool.QueryRow(ctx, vehicleSelect+` WHERE v.vehicle_id = $1`, id))
	return v, mapErr(err, "vehicle "+id.String())
}

func (s *Store) VehicleByImmatriculation(ctx context.Context, imm string) (model.Vehicle, error) {
	v, err := scanVehicle(s.pool.QueryRow(ctx, vehicleSelect+` WHERE v.immatriculation = $1`, imm))
	return v, mapErr(err, "vehicle "+imm)
}

func (s *Store) VehicleStatusLabels(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	out := make(map[uuid.UUID]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `
SELECT v.vehicle_id, COALESCE(s.label, '')
FROM vehicle v
LEFT JOIN vehicle_status s ON s.vehicle_status_id = v.vehicle_status_id
WHERE v.vehicle_id = ANY($1::uuid[])`, uuidStrings(ids))
	if err != nil {
		return nil, mapErr(err, "status labels")
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		var label string
		if err := rows.Scan(&id, &label); err != nil {
			return nil, mapErr(err, "status labels")
		}
		out[id] = label
	}
	return out, mapErr(rows.Err(), "status labels")
}

func (s *Store) StatusByLabel(ctx context.Context, label string) (model.VehicleStatus, error) {
	var st model.VehicleStatus
	err := s.pool.QueryRow(ctx,
		`SELECT vehicle_status_id, label FROM vehicle_status WHERE label = $1`, label).
		Scan(&st.ID, &st.Label)
	return st, mapErr(err, "status "+label)
}

func (s *Store) SetVehicleStatus(ctx context.Context, vehicleID, statusID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE vehicle SET vehicle_status_id = $2 WHERE vehicle_id = $1`, vehicleID, statusID)
	if err != nil {
		return mapErr(err, "set vehicle status")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("vehicle %s: %w", vehicleID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) AddPosition(ctx context.Context, pos model.VehiclePosition) error {
	if pos.ID == uuid.Nil {
		pos.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO vehicle_position_log (vehicle_position_id, vehicle_id, latitude, longitude, timestamp)
VALUES ($1, $2, $3, $4, $5)`, pos.ID, pos.VehicleID, pos.Latitude, pos.Longitude, pos.Timestamp)
	return mapErr(err, "add position")
}

func (s *Store) Incident(ctx context.Context, id uuid.UUID) (model.Incident, error) {
	var i model.Incident
	err := s.pool.QueryRow(ctx, `
SELECT incident_id, latitude, longitude, created_at, ended_at FROM incident WHERE incident_id = $1`, id).
		Scan(&i.ID, &i.Latitude, &i.Longitude, &i.CreatedAt, &i.EndedAt)
	return i, mapErr(err, "incident "+id.String())
}

func (s *Store) Phase(ctx context.Context, id uuid.UUID) (model.IncidentPhase, error) {
	var p model.IncidentPhase
	err := s.pool.QueryRow(ctx, `
SELECT incident_phase_id, incident_id, started_at, ended_at FROM incident_phase WHERE incident_phase_id = $1`, id).
		Scan(&p.ID, &p.IncidentID, &p.StartedAt, &p.EndedAt)
	return p, mapErr(err, "phase "+id.String())
}

func (s *Store) EndPhase(ctx context.Context, phaseID uuid.UUID, at time.Time) (model.IncidentPhase, error) {
	var p model.IncidentPhase
	err := s.pool.QueryRow(ctx, `
UPDATE incident_phase SET ended_at = COALESCE(ended_at, $2)
WHERE incident_phase_id = $1
RETURNING incident_phase_id, incident_id, started_at, ended_at`, phaseID, at).
		Scan(&p.ID, &p.IncidentID, &p.StartedAt, &p.EndedAt)
	return p, mapErr(err, "end phase "+phaseID.String())
}

func (s *Store) EndIncidentIfComplete(ctx context.Context, incidentID uuid.UUID, at time.Time) (bool, error) {
	var open int
	err := s.pool.QueryRow(ctx, `
SELECT count(*) FROM incident_phase WHERE incident_id = $1 AND ended_at IS NULL`, incidentID).Scan(&open)
	if err != nil {
		return false, mapErr(err, "open phases")
	}
	if open > 0 {
		return false, nil
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE incident SET ended_at = COALESCE(ended_at, $2) WHERE incident_id = $1`, incidentID, at)
	if err != nil {
		return false, mapErr(err, "end incident")
	}
	if tag.RowsAffected() == 0 {
		return false, fmt.Errorf("incident %s: %w", incidentID, store.ErrNotFound)
	}
	return true, nil
}

func (s *Store) CreateAssignments(ctx context.Context, rows []model.Assignment) error {
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		for _, a := range rows {
			if _, err := tx.Exec(ctx, `
INSERT INTO vehicle_assignment (vehicle_assignment_id, vehicle_id, incident_phase_id, assigned_at,
    assigned_by_operator_id, validated_at, validated_by_operator_id, unassigned_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				a.ID, a.VehicleID, a.IncidentPhaseID, a.AssignedAt,
				a.AssignedByOperatorID, a.ValidatedAt, a.ValidatedByOperatorID, a.UnassignedAt); err != nil {
				return err
			}
		}
		return nil
	})
	return mapErr(err, "create assignments")
}

func (s *Store) DeleteAssignments(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`DELETE FROM vehicle_assignment WHERE vehicle_assignment_id = ANY($1::uuid[])`, uuidStrings(ids))
	return mapErr(err, "delete assignments")
}

func (s *Store) ValidateAssignments(ctx context.Context, ids []uuid.UUID, at time.Time, by *uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
UPDATE vehicle_assignment SET validated_at = $2, validated_by_operator_id = $3
WHERE vehicle_assignment_id = ANY($1::uuid[])`, uuidStrings(ids), at, by)
	return mapErr(err, "validate assignments")
}

const assignmentColumns = `vehicle_assignment_id, vehicle_id, incident_phase_id, assigned_at,
    assigned_by_operator_id, validated_at, validated_by_operator_id, unassigned_at`

func scanAssignment(row pgx.Row) (model.Assignment, error) {
	var a model.Assignment
	err := row.Scan(&a.ID, &a.VehicleID, &a.IncidentPhaseID, &a.AssignedAt,
		&a.AssignedByOperatorID, &a.ValidatedAt, &a.ValidatedByOperatorID, &a.UnassignedAt)
	return a, err
}

func (s *Store) Assignment(ctx context.Context, id uuid.UUID) (model.Assignment, error) {
	a, err := scanAssignment(s.pool.QueryRow(ctx,
		`SELECT `+assignmentColumns+` FROM vehicle_assignment WHERE vehicle_assignment_id = $1`, id))
	return a, mapErr(err, "assignment "+id.String())
}

func (s *Store) UnassignPhase(ctx context.Context, phaseID uuid.UUID, at time.Time) ([]model.Assignment, error) {
	rows, err := s.pool.Query(ctx, `
UPDATE vehicle_assignment SET unassigned_at = $2
WHERE incident_phase_id = $1 AND unassigned_at IS NULL
RETURNING `+assignmentColumns, phaseID, at)
	if err != nil {
		return nil, mapErr(err, "unassign phase")
	}
	defer rows.Close()
	var out []model.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, mapErr(err, "unassign phase")
		}
		out = append(out, a)
	}
	return out, mapErr(rows.Err(), "unassign phase")
}

func (s *Store) Proposal(ctx context.Context, id uuid.UUID) (model.Proposal, error) {
	var p model.Proposal
	err := s.pool.QueryRow(ctx, `
SELECT proposal_id, incident_id, generated_at, received_at, validated_at, rejected_at
FROM vehicle_assignment_proposal WHERE proposal_id = $1`, id).
		Scan(&p.ID, &p.IncidentID, &p.GeneratedAt, &p.ReceivedAt, &p.ValidatedAt, &p.RejectedAt)
	if err != nil {
		return model.Proposal{}, mapErr(err, "proposal "+id.String())
	}

	rows, err := s.pool.Query(ctx, `
SELECT i.incident_phase_id, i.vehicle_id, COALESCE(v.immatriculation, ''), i.rank, i.distance_km,
    i.estimated_time_min, i.route_geometry, i.energy_level, i.score, i.rationale
FROM vehicle_assignment_proposal_item i
LEFT JOIN vehicle v ON v.vehicle_id = i.vehicle_id
WHERE i.proposal_id = $1
ORDER BY i.incident_phase_id, i.rank`, id)
	if err != nil {
		return model.Proposal{}, mapErr(err, "proposal items")
	}
	defer rows.Close()
	for rows.Next() {
		it := model.ProposalItem{ProposalID: id}
		var geom []byte
		if err := rows.Scan(&it.IncidentPhaseID, &it.VehicleID, &it.Immatriculation, &it.Rank, &it.DistanceKM,
			&it.EstimatedTimeMin, &geom, &it.EnergyLevel, &it.Score, &it.Rationale); err != nil {
			return model.Proposal{}, mapErr(err, "proposal items")
		}
		if len(geom) > 0 {
			it.RouteGeometry = geom
		}
		p.Items = append(p.Items, it)
	}
	if err := rows.Err(); err != nil {
		return model.Proposal{}, mapErr(err, "proposal items")
	}

	mrows, err := s.pool.Query(ctx, `
SELECT incident_phase_id, vehicle_type_id, missing_quantity
FROM vehicle_assignment_proposal_missing WHERE proposal_id = $1`, id)
	if err != nil {
		return model.Proposal{}, mapErr(err, "proposal missing")
	}
	defer mrows.Close()
	for mrows.Next() {
		m := model.ProposalMissing{ProposalID: id}
		if err := mrows.Scan(&m.IncidentPhaseID, &m.VehicleTypeID, &m.MissingQuantity); err != nil {
			return model.Proposal{}, mapErr(err, "proposal missing")
		}
		p.Missing = append(p.Missing, m)
	}
	return p, mapErr(mrows.Err(), "proposal missing")
}

func (s *Store) ProposalExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM vehicle_assignment_proposal WHERE proposal_id = $1)`, id).Scan(&ok)
	return ok, mapErr(err, "proposal exists")
}

func (s *Store) CreateProposal(ctx context.Context, p model.Proposal) error {
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		received := p.ReceivedAt
		if received.IsZero() {
			received = time.Now().UTC()
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO vehicle_assignment_proposal (proposal_id, incident_id, generated_at, received_at, validated_at, rejected_at)
VALUES ($1, $2, $3, $4, $5, $6)`, p.ID, p.IncidentID, p.GeneratedAt, received, p.ValidatedAt, p.RejectedAt); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for _, it := range p.Items {
			var geom any
			if len(it.RouteGeometry) > 0 {
				geom = string(it.RouteGeometry)
			}
			batch.Queue(`
INSERT INTO vehicle_assignment_proposal_item (proposal_id, incident_phase_id, vehicle_id, rank, distance_km,
    estimated_time_min, route_geometry, energy_level, score, rationale)
VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10)`,
				p.ID, it.IncidentPhaseID, it.VehicleID, it.Rank, it.DistanceKM,
				it.EstimatedTimeMin, geom, it.EnergyLevel, it.Score, it.Rationale)
		}
		for _, m := range p.Missing {
			batch.Queue(`
INSERT INTO vehicle_assignment_proposal_missing (proposal_id, incident_phase_id, vehicle_type_id, missing_quantity)
VALUES ($1, $2, $3, $4)`, p.ID, m.IncidentPhaseID, m.VehicleTypeID, m.MissingQuantity)
		}
		if batch.Len() == 0 {
			return nil
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	return mapErr(err, "create proposal")
}

func (s *Store) markProposal(ctx context.Context, id uuid.UUID, column string, at time.Time) error {
	// Guarded on both columns so concurrent decisions cannot both win.
	tag, err := s.pool.Exec(ctx, `
UPDATE vehicle_assignment_proposal SET `+column+` = $2
WHERE proposal_id = $1 AND validated_at IS NULL AND rejected_at IS NULL`, id, at)
	if err != nil {
		return mapErr(err, "mark proposal")
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	ok, err := s.ProposalExists(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("proposal %s: %w", id, store.ErrNotFound)
	}
	return fmt.Errorf("proposal %s already decided: %w", id, store.ErrConflict)
}

func (s *Store) MarkProposalValidated(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.markProposal(ctx, id, "validated_at", at)
}

func (s *Store) MarkProposalRejected(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.markProposal(ctx, id, "rejected_at", at)
}

func (s *Store) AcquireRequestLock(ctx context.Context, incidentID uuid.UUID, by *uuid.UUID, at time.Time) (bool, error) {
	var got uuid.UUID
	err := s.pool.QueryRow(ctx, `
INSERT INTO incident_assignment_request_lock (incident_id, requested_by_operator_id, requested_at)
VALUES ($1, $2, $3)
ON CONFLICT (incident_id) DO NOTHING
RETURNING incident_id`, incidentID, by, at).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mapErr(err, "acquire request lock")
	}
	return true, nil
}

func (s *Store) ReleaseRequestLock(ctx context.Context, incidentID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM incident_assignment_request_lock WHERE incident_id = $1`, incidentID)
	return mapErr(err, "release request lock")
}

func (s *Store) OperatorByEmail(ctx context.Context, email string) (model.Operator, error) {
	var o model.Operator
	err := s.pool.QueryRow(ctx,
		`SELECT operator_id, email FROM operator WHERE email = $1`, email).Scan(&o.ID, &o.Email)
	return o, mapErr(err, "operator "+email)
}
