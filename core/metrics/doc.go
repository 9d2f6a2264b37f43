// Package metrics defines interfaces for collecting dispatch metrics. Sinks
// like PromSink and InfluxSink record assignment outcomes, vehicle telemetry
// and hub notifications and can be combined with NewMultiSink. The factory
// helpers return a MultiSink automatically when multiple sinks are
// configured.
package metrics
