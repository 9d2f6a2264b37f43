package subscriptions

import "github.com/prometheus/client_golang/prometheus"

var (
	routedTotal  *prometheus.CounterVec
	droppedTotal *prometheus.CounterVec
	failedTotal  *prometheus.CounterVec
)

func newCollectors() (*prometheus.CounterVec, *prometheus.CounterVec, *prometheus.CounterVec) {
	routed := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_routed_total",
			Help: "Number of envelopes handled successfully",
		},
		[]string{"event"},
	)
	dropped := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_dropped_total",
			Help: "Number of envelopes discarded without handling",
		},
		[]string{"reason"},
	)
	failed := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_failed_total",
			Help: "Number of envelopes whose handler returned an error",
		},
		[]string{"event"},
	)
	return routed, dropped, failed
}

func init() {
	routedTotal, droppedTotal, failedTotal = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers dispatcher metrics on the provided registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(routedTotal, droppedTotal, failedTotal)
}

// ResetMetrics reinitializes metrics collectors for testing purposes and
// registers them on the provided registry if not nil.
func ResetMetrics(reg prometheus.Registerer) {
	routedTotal, droppedTotal, failedTotal = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
