// Package qg serves the operator endpoints of the dispatch center.
package qg

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kilianp07/qgdispatch/api/httperr"
	"github.com/kilianp07/qgdispatch/api/middleware"
	"github.com/kilianp07/qgdispatch/core/model"
	"github.com/kilianp07/qgdispatch/core/proposal"
)

// Decider validates and rejects proposals.
type Decider interface {
	Validate(ctx context.Context, id uuid.UUID, who model.Identity) (proposal.ValidationResult, error)
	Reject(ctx context.Context, id uuid.UUID) (proposal.RejectionResult, error)
}

// Requester asks the planning engine for a new proposal.
type Requester interface {
	RequestProposal(ctx context.Context, incidentID uuid.UUID, who model.Identity) error
}

// Proposals serves /qg/assignment-proposals.
type Proposals struct {
	decider   Decider
	requester Requester
}

// NewProposals creates the handler.
func NewProposals(decider Decider, requester Requester) *Proposals {
	return &Proposals{decider: decider, requester: requester}
}

// Register mounts the routes on g.
func (p *Proposals) Register(g gin.IRoutes) {
	g.POST("/new", p.Request)
	g.POST("/:id/validate", p.Validate)
	g.POST("/:id/reject", p.Reject)
}

type requestBody struct {
	IncidentID uuid.UUID `json:"incident_id"`
}

// Request forwards a proposal request for an incident.
func (p *Proposals) Request(c *gin.Context) {
	var body requestBody
	if err := c.ShouldBindJSON(&body); err != nil || body.IncidentID == uuid.Nil {
		httperr.AbortWith(c, http.StatusUnprocessableEntity, "incident_id is required")
		return
	}
	if err := p.requester.RequestProposal(c.Request.Context(), body.IncidentID, middleware.IdentityFrom(c)); err != nil {
		httperr.Abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"message":     "Assignment proposal request enqueued",
		"incident_id": body.IncidentID.String(),
	})
}

// Validate engages the vehicles of a proposal. The acknowledgment protocol
// runs to completion even if the client goes away.
func (p *Proposals) Validate(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	res, err := p.decider.Validate(context.WithoutCancel(c.Request.Context()), id, middleware.IdentityFrom(c))
	if err != nil {
		httperr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Reject refuses a proposal.
func (p *Proposals) Reject(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	res, err := p.decider.Reject(c.Request.Context(), id)
	if err != nil {
		httperr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httperr.AbortWith(c, http.StatusUnprocessableEntity, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}
