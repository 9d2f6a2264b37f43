// Package logging persists the outcome of every assignment acknowledgment
// batch so operators can audit which vehicles engaged and which did not.
package logging

import (
	"context"
	"time"
)

// LogRecord captures one acknowledgment batch.
type LogRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	IncidentID string    `json:"incident_id"`
	PhaseID    string    `json:"incident_phase_id,omitempty"`
	ProposalID string    `json:"proposal_id,omitempty"`
	Attempts   int       `json:"attempts"`
	// Engaged and Failed hold vehicle immatriculations.
	Engaged    []string `json:"engaged"`
	Failed     []string `json:"failed"`
	DurationMS int64    `json:"duration_ms"`
}

// Involves reports whether the immatriculation took part in the batch.
func (r LogRecord) Involves(immatriculation string) bool {
	for _, list := range [][]string{r.Engaged, r.Failed} {
		for _, v := range list {
			if v == immatriculation {
				return true
			}
		}
	}
	return false
}

// LogQuery filters records. Zero fields match everything. A positive Limit
// keeps only the most recent records.
type LogQuery struct {
	Start           time.Time
	End             time.Time
	IncidentID      string
	Immatriculation string
	Limit           int
}

func (q LogQuery) matches(r LogRecord) bool {
	switch {
	case !q.Start.IsZero() && r.Timestamp.Before(q.Start):
		return false
	case !q.End.IsZero() && r.Timestamp.After(q.End):
		return false
	case q.IncidentID != "" && r.IncidentID != q.IncidentID:
		return false
	case q.Immatriculation != "" && !r.Involves(q.Immatriculation):
		return false
	}
	return true
}

// latest trims recs, sorted oldest first, to the query limit.
func (q LogQuery) latest(recs []LogRecord) []LogRecord {
	if q.Limit > 0 && len(recs) > q.Limit {
		return recs[len(recs)-q.Limit:]
	}
	return recs
}

// LogStore persists LogRecords and answers audit queries, oldest first.
type LogStore interface {
	Append(ctx context.Context, rec LogRecord) error
	Query(ctx context.Context, q LogQuery) ([]LogRecord, error)
	Close() error
}
