package assignment

import "github.com/google/uuid"

// Target is a vehicle an assignment command is sent to.
type Target struct {
	VehicleID       uuid.UUID `json:"vehicle_id"`
	Immatriculation string    `json:"immatriculation"`
	// IncidentPhaseID is the phase the vehicle is assigned to.
	IncidentPhaseID uuid.UUID `json:"incident_phase_id"`
}

// Tick splits pending into the targets whose status equals label and the
// others. Order is preserved in both results.
func Tick(pending []Target, statuses map[uuid.UUID]string, label string) (engaged, stillPending []Target) {
	for _, t := range pending {
		if statuses[t.VehicleID] == label {
			engaged = append(engaged, t)
		} else {
			stillPending = append(stillPending, t)
		}
	}
	return engaged, stillPending
}

func vehicleIDs(ts []Target) []uuid.UUID {
	out := make([]uuid.UUID, len(ts))
	for i, t := range ts {
		out[i] = t.VehicleID
	}
	return out
}

func immatriculations(ts []Target) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.Immatriculation
	}
	return out
}
