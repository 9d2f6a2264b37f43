package metrics

import (
	"errors"

	coremetrics "github.com/kilianp07/qgdispatch/core/metrics"
)

func init() {
	_ = coremetrics.RegisterSink("prometheus", func(map[string]any) (coremetrics.MetricsSink, error) {
		return NewPromSink()
	})
	_ = coremetrics.RegisterSink("influx", func(raw map[string]any) (coremetrics.MetricsSink, error) {
		var c InfluxConfig
		if err := coremetrics.DecodeSettings(raw, &c); err != nil {
			return nil, err
		}
		if c.URL == "" || c.Bucket == "" {
			return nil, errors.New("influx sink requires url and bucket")
		}
		return NewInfluxSinkWithFallback(c), nil
	})
}
