// Package assignments exposes the audit trail of acknowledgment batches.
package assignments

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kilianp07/qgdispatch/api/httperr"
	"github.com/kilianp07/qgdispatch/core/assignment/logging"
)

const maxLimit = 1000

// Logs serves GET /api/assignments/logs.
type Logs struct {
	store logging.LogStore
	token string
}

// NewLogs returns the handler. A non-empty token is required as a bearer
// token; a nil store answers 404.
func NewLogs(store logging.LogStore, token string) *Logs {
	return &Logs{store: store, token: token}
}

// Register mounts the route on g.
func (l *Logs) Register(g *gin.RouterGroup) {
	g.GET("/logs", l.bearer, l.list)
}

func (l *Logs) bearer(c *gin.Context) {
	if l.token == "" {
		return
	}
	got := []byte(c.GetHeader("Authorization"))
	if subtle.ConstantTimeCompare(got, []byte("Bearer "+l.token)) != 1 {
		httperr.AbortWith(c, http.StatusUnauthorized, "unauthorized")
	}
}

type logParams struct {
	Start           time.Time `form:"start" time_format:"2006-01-02T15:04:05Z07:00"`
	End             time.Time `form:"end" time_format:"2006-01-02T15:04:05Z07:00"`
	IncidentID      string    `form:"incident_id"`
	Immatriculation string    `form:"immatriculation"`
	Limit           int       `form:"limit" binding:"min=0"`
}

func (l *Logs) list(c *gin.Context) {
	if l.store == nil {
		httperr.AbortWith(c, http.StatusNotFound, "attempt log disabled")
		return
	}
	var p logParams
	if err := c.ShouldBindQuery(&p); err != nil {
		httperr.AbortWith(c, http.StatusBadRequest, "invalid query: "+err.Error())
		return
	}
	if !p.Start.IsZero() && !p.End.IsZero() && p.End.Before(p.Start) {
		httperr.AbortWith(c, http.StatusBadRequest, "end precedes start")
		return
	}
	if p.Limit > maxLimit {
		p.Limit = maxLimit
	}
	records, err := l.store.Query(c.Request.Context(), logging.LogQuery{
		Start:           p.Start,
		End:             p.End,
		IncidentID:      p.IncidentID,
		Immatriculation: p.Immatriculation,
		Limit:           p.Limit,
	})
	if err != nil {
		httperr.Abort(c, err)
		return
	}
	if records == nil {
		records = []logging.LogRecord{}
	}
	c.JSON(http.StatusOK, records)
}
