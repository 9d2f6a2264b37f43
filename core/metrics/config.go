package metrics

// Config defines settings for metrics sinks.
type Config struct {
	Sinks []SinkSpec `json:"sinks"`
	// PrometheusAddr is the listen address of the /metrics endpoint. Empty
	// disables the endpoint.
	PrometheusAddr string `json:"prometheus_addr"`
}
