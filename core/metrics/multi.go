package metrics

// MultiSink fans records out to multiple sinks.
type MultiSink struct {
	Sinks []MetricsSink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...MetricsSink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordAssignmentOutcome forwards the record to all sinks, returning the
// first error encountered.
func (m *MultiSink) RecordAssignmentOutcome(ev AssignmentOutcome) error {
	for _, s := range m.Sinks {
		if err := s.RecordAssignmentOutcome(ev); err != nil {
			return err
		}
	}
	return nil
}

// RecordVehiclePosition forwards positions when supported by the sink.
func (m *MultiSink) RecordVehiclePosition(ev VehiclePositionEvent) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(VehiclePositionRecorder); ok {
			if err := rec.RecordVehiclePosition(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordVehicleStatus forwards status changes when supported by the sink.
func (m *MultiSink) RecordVehicleStatus(ev VehicleStatusEvent) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(VehicleStatusRecorder); ok {
			if err := rec.RecordVehicleStatus(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordHubEvent forwards hub notifications when supported by the sink.
func (m *MultiSink) RecordHubEvent(ev HubEvent) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(HubEventRecorder); ok {
			if err := rec.RecordHubEvent(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordProposalDecision forwards decisions when supported by the sink.
func (m *MultiSink) RecordProposalDecision(ev ProposalDecisionEvent) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(ProposalDecisionRecorder); ok {
			if err := rec.RecordProposalDecision(ev); err != nil {
				return err
			}
		}
	}
	return nil
}
