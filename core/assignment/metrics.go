package assignment

import "github.com/prometheus/client_golang/prometheus"

var (
	batchesTotal   *prometheus.CounterVec
	commandsTotal  *prometheus.CounterVec
	pollsPerBatch  prometheus.Histogram
	engagedLatency prometheus.Histogram
)

func newCollectors() (*prometheus.CounterVec, *prometheus.CounterVec, prometheus.Histogram, prometheus.Histogram) {
	batches := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assignment_batches_total",
			Help: "Acknowledgment batches by outcome",
		},
		[]string{"outcome"},
	)
	commands := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assignment_commands_total",
			Help: "Assignment commands published to vehicles",
		},
		[]string{"result"},
	)
	polls := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "assignment_polls_per_batch",
			Help:    "Status polls needed to settle a batch",
			Buckets: []float64{1, 2, 3, 4, 5, 8, 10},
		},
	)
	latency := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "assignment_engagement_latency_seconds",
			Help:    "Time between the first command and the observed engagement",
			Buckets: prometheus.DefBuckets,
		},
	)
	return batches, commands, polls, latency
}

func init() {
	batchesTotal, commandsTotal, pollsPerBatch, engagedLatency = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers assignment metrics on the provided registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(batchesTotal, commandsTotal, pollsPerBatch, engagedLatency)
}

// ResetMetrics reinitializes metrics collectors for testing purposes and
// registers them on the provided registry if not nil.
func ResetMetrics(reg prometheus.Registerer) {
	batchesTotal, commandsTotal, pollsPerBatch, engagedLatency = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
