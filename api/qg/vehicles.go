package qg

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kilianp07/qgdispatch/api/httperr"
	"github.com/kilianp07/qgdispatch/api/middleware"
	"github.com/kilianp07/qgdispatch/core/assignment"
	"github.com/kilianp07/qgdispatch/core/logger"
	"github.com/kilianp07/qgdispatch/core/model"
	"github.com/kilianp07/qgdispatch/core/store"
)

// Assigner engages a single vehicle on an incident phase.
type Assigner interface {
	AssignVehicle(ctx context.Context, vehicleID, phaseID uuid.UUID, operatorID *uuid.UUID) (assignment.Outcome, error)
}

// Vehicles serves /qg/vehicles.
type Vehicles struct {
	assigner  Assigner
	operators store.OperatorStore
	log       logger.Logger
}

// NewVehicles creates the handler.
func NewVehicles(assigner Assigner, operators store.OperatorStore, log logger.Logger) *Vehicles {
	return &Vehicles{assigner: assigner, operators: operators, log: logger.OrNop(log)}
}

// Register mounts the routes on g.
func (v *Vehicles) Register(g gin.IRoutes) {
	g.POST("/assign", v.Assign)
}

type assignBody struct {
	VehicleID       uuid.UUID `json:"vehicle_id"`
	IncidentPhaseID uuid.UUID `json:"incident_phase_id"`
}

// Assign sends an assignment command to one vehicle and waits for it to engage.
func (v *Vehicles) Assign(c *gin.Context) {
	var body assignBody
	if err := c.ShouldBindJSON(&body); err != nil || body.VehicleID == uuid.Nil || body.IncidentPhaseID == uuid.Nil {
		httperr.AbortWith(c, http.StatusUnprocessableEntity, "vehicle_id and incident_phase_id are required")
		return
	}
	who := middleware.IdentityFrom(c)
	v.log.Infow("qg.vehicle_assign.requested", map[string]any{
		"vehicle_id":        body.VehicleID.String(),
		"incident_phase_id": body.IncidentPhaseID.String(),
		"by":                who.Label(),
	})
	ctx := context.WithoutCancel(c.Request.Context())
	out, err := v.assigner.AssignVehicle(ctx, body.VehicleID, body.IncidentPhaseID, v.operatorID(ctx, who))
	if err != nil {
		httperr.Abort(c, err)
		return
	}
	if len(out.Assignments) == 0 {
		httperr.Abort(c, &assignment.TimeoutError{Attempts: out.Attempts})
		return
	}
	c.JSON(http.StatusCreated, out.Assignments[0])
}

func (v *Vehicles) operatorID(ctx context.Context, who model.Identity) *uuid.UUID {
	if v.operators == nil || who.Email == "" {
		return nil
	}
	op, err := v.operators.OperatorByEmail(ctx, who.Email)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			v.log.Warnf("lookup operator %s: %v", who.Email, err)
		}
		return nil
	}
	return &op.ID
}
