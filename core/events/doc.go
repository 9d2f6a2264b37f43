// Package events defines the closed set of event kinds exchanged with the
// message broker and broadcast on the event hub, together with their typed
// payloads.
//
// Inbound kinds (consumed from the broker):
//   - KindVehiclePosition: vehicle position telemetry
//   - KindVehicleStatus: vehicle status telemetry
//   - KindIncidentStatus: incident phase status telemetry
//   - KindAssignmentProposal: proposal generated by the planning engine
//   - KindIncidentAck: acknowledgment of an enqueued incident
//
// Outbound kinds (published to the broker or the hub):
//   - KindNewIncident, KindVehicleAssignment, KindProposalRequest,
//     KindProposalAccepted, KindProposalRefused, KindIncidentPhase
package events
