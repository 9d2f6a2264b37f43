package logging

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ack_batches (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	ts          INTEGER NOT NULL,
	incident_id TEXT NOT NULL,
	record      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS ack_batches_ts ON ack_batches (ts);
CREATE INDEX IF NOT EXISTS ack_batches_incident ON ack_batches (incident_id);
CREATE TABLE IF NOT EXISTS ack_batch_vehicles (
	batch_id        INTEGER NOT NULL REFERENCES ack_batches (id) ON DELETE CASCADE,
	immatriculation TEXT NOT NULL,
	engaged         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS ack_batch_vehicles_imm ON ack_batch_vehicles (immatriculation);`

// SQLiteStore keeps batches in a SQLite file with one row per vehicle so
// immatriculation filters run in SQL.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", sqliteSchema} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("attempt log schema: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Append stores rec and its vehicles in one transaction.
func (s *SQLiteStore) Append(ctx context.Context, rec LogRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO ack_batches (ts, incident_id, record) VALUES (?, ?, ?)`,
		rec.Timestamp.UnixNano(), rec.IncidentID, string(body))
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	for engaged, list := range map[int][]string{1: rec.Engaged, 0: rec.Failed} {
		for _, imm := range list {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO ack_batch_vehicles (batch_id, immatriculation, engaged) VALUES (?, ?, ?)`,
				id, imm, engaged); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// Query returns the matching batches, oldest first.
func (s *SQLiteStore) Query(ctx context.Context, q LogQuery) ([]LogRecord, error) {
	var (
		where []string
		args  []any
	)
	if !q.Start.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, q.Start.UnixNano())
	}
	if !q.End.IsZero() {
		where = append(where, "ts <= ?")
		args = append(args, q.End.UnixNano())
	}
	if q.IncidentID != "" {
		where = append(where, "incident_id = ?")
		args = append(args, q.IncidentID)
	}
	if q.Immatriculation != "" {
		where = append(where, "EXISTS (SELECT 1 FROM ack_batch_vehicles v WHERE v.batch_id = b.id AND v.immatriculation = ?)")
		args = append(args, q.Immatriculation)
	}
	inner := "SELECT id, ts, record FROM ack_batches b"
	if len(where) > 0 {
		inner += " WHERE " + strings.Join(where, " AND ")
	}
	inner += " ORDER BY ts DESC, id DESC"
	if q.Limit > 0 {
		inner += " LIMIT ?"
		args = append(args, q.Limit)
	}
	rows, err := s.db.QueryContext(ctx, "SELECT record FROM ("+inner+") ORDER BY ts, id", args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var res []LogRecord
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var r LogRecord
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			return nil, fmt.Errorf("decode attempt record: %w", err)
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }
