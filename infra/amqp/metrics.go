package amqp

import "github.com/prometheus/client_golang/prometheus"

var (
	publishTotal    *prometheus.CounterVec
	deliveriesTotal *prometheus.CounterVec
)

func newCollectors() (*prometheus.CounterVec, *prometheus.CounterVec) {
	pub := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_publish_total",
			Help: "Number of broker publish operations",
		},
		[]string{"queue", "result"},
	)
	del := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_deliveries_total",
			Help: "Number of broker deliveries by outcome",
		},
		[]string{"queue", "outcome"},
	)
	return pub, del
}

func init() {
	publishTotal, deliveriesTotal = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers broker metrics on the provided registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(publishTotal, deliveriesTotal)
}

// ResetMetrics reinitializes metrics collectors for testing purposes and
// registers them on the provided registry if not nil.
func ResetMetrics(reg prometheus.Registerer) {
	publishTotal, deliveriesTotal = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
