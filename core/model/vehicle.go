package model

import (
	"time"

	"github.com/google/uuid"
)

// Vehicle status labels reported by vehicles.
const (
	StatusAvailable = "Disponible"
	StatusEngaged   = "Engagé"
)

// Vehicle is an emergency vehicle known to the dispatch center.
type Vehicle struct {
	ID              uuid.UUID  `json:"vehicle_id"`
	Immatriculation string     `json:"immatriculation"`
	VehicleTypeID   *uuid.UUID `json:"vehicle_type_id,omitempty"`
	StatusID        *uuid.UUID `json:"status_id,omitempty"`
	// StatusLabel is resolved from StatusID when the vehicle is loaded.
	StatusLabel string `json:"status_label,omitempty"`
}

// VehicleStatus is one entry of the status reference table.
type VehicleStatus struct {
	ID    uuid.UUID `json:"vehicle_status_id"`
	Label string    `json:"label"`
}

// VehiclePosition is one row of the position log.
type VehiclePosition struct {
	ID        uuid.UUID `json:"vehicle_position_id"`
	VehicleID uuid.UUID `json:"vehicle_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
}
