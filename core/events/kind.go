package events

import "fmt"

// Kind identifies an event by the name it carries on the wire.
type Kind string

const (
	KindNewIncident        Kind = "new_incident"
	KindIncidentAck        Kind = "incident_ack"
	KindVehicleAssignment  Kind = "vehicle_assignment"
	KindAssignmentProposal Kind = "vehicle_assignment_proposal"
	KindProposalRequest    Kind = "vehicle_assignment_proposal_request"
	KindProposalAccepted   Kind = "assignment_proposal_accepted"
	KindProposalRefused    Kind = "assignment_proposal_refused"
	KindVehiclePosition    Kind = "vehicle_position_update"
	KindVehicleStatus      Kind = "vehicle_status_update"
	KindIncidentStatus     Kind = "incident_status_update"
	KindIncidentPhase      Kind = "incident_phase_update"
)

var known = map[Kind]struct{}{
	KindNewIncident:        {},
	KindIncidentAck:        {},
	KindVehicleAssignment:  {},
	KindAssignmentProposal: {},
	KindProposalRequest:    {},
	KindProposalAccepted:   {},
	KindProposalRefused:    {},
	KindVehiclePosition:    {},
	KindVehicleStatus:      {},
	KindIncidentStatus:     {},
	KindIncidentPhase:      {},
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	_, ok := known[k]
	return ok
}

func (k Kind) String() string { return string(k) }

// ParseKind converts a wire name into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown event kind %q", s)
	}
	return k, nil
}
