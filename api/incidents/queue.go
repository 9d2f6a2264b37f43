// Package incidents forwards declared incidents to the planning engine.
package incidents

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kilianp07/qgdispatch/api/httperr"
	"github.com/kilianp07/qgdispatch/api/middleware"
	"github.com/kilianp07/qgdispatch/core/broker"
	"github.com/kilianp07/qgdispatch/core/events"
	"github.com/kilianp07/qgdispatch/core/logger"
	"github.com/kilianp07/qgdispatch/internal/eventbus"
)

// DefaultTimeout bounds the enqueue of an incident.
const DefaultTimeout = 5 * time.Second

// Enqueuer publishes a message on a queue under a deadline.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, body []byte, timeout time.Duration) error
}

// Handler serves POST /incidents/new.
type Handler struct {
	client  Enqueuer
	hub     eventbus.Notifier
	log     logger.Logger
	queue   string
	timeout time.Duration
}

// NewHandler creates the handler.
func NewHandler(client Enqueuer, hub eventbus.Notifier, log logger.Logger) *Handler {
	return &Handler{
		client:  client,
		hub:     hub,
		log:     logger.OrNop(log),
		queue:   broker.QueueEngine,
		timeout: DefaultTimeout,
	}
}

// Register mounts the routes on g.
func (h *Handler) Register(g gin.IRoutes) {
	g.POST("/new", h.New)
}

// New enqueues the posted incident for the planning engine and announces it.
func (h *Handler) New(c *gin.Context) {
	var incident map[string]any
	if err := c.ShouldBindJSON(&incident); err != nil {
		httperr.AbortWith(c, http.StatusUnprocessableEntity, "incident payload must be a JSON object")
		return
	}
	payload := map[string]any{
		"incident":     incident,
		"submitted_by": middleware.IdentityFrom(c).Label(),
		"status":       "enqueued",
	}
	body, err := broker.EncodeLegacy(events.KindNewIncident, payload)
	if err != nil {
		httperr.AbortWith(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err := h.client.Enqueue(c.Request.Context(), h.queue, body, h.timeout); err != nil {
		if !errors.Is(err, broker.ErrUnavailable) {
			err = fmt.Errorf("%w: %v", broker.ErrUnavailable, err)
		}
		h.log.Warnw("incident.enqueue.failed", map[string]any{"error": err.Error()})
		httperr.Abort(c, err)
		return
	}
	if h.hub != nil {
		h.hub.Notify(string(events.KindNewIncident), payload)
	}
	c.JSON(http.StatusOK, gin.H{"message": "New incident created and enqueued"})
}
