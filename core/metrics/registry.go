package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
)

// SinkSpec selects a sink type and carries its raw settings.
type SinkSpec struct {
	Type     string         `json:"type"`
	Settings map[string]any `json:"settings"`
}

// SinkBuilder creates a sink from raw settings.
type SinkBuilder func(settings map[string]any) (MetricsSink, error)

var (
	buildersMu sync.RWMutex
	builders   = map[string]SinkBuilder{
		"nop": func(map[string]any) (MetricsSink, error) { return NopSink{}, nil },
	}
)

// RegisterSink makes a sink type available to NewMetricsSink.
func RegisterSink(name string, b SinkBuilder) error {
	if b == nil {
		return fmt.Errorf("metrics sink %s: nil builder", name)
	}
	buildersMu.Lock()
	defer buildersMu.Unlock()
	if _, ok := builders[name]; ok {
		return fmt.Errorf("metrics sink %s already registered", name)
	}
	builders[name] = b
	return nil
}

// SinkTypes lists the registered sink types.
func SinkTypes() []string {
	buildersMu.RLock()
	defer buildersMu.RUnlock()
	names := make([]string, 0, len(builders))
	for n := range builders {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DecodeSettings fills out from raw settings using json tags. Scalar strings
// are converted since environment overrides arrive as text. Unknown keys are
// rejected.
func DecodeSettings(settings map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(settings)
}

// NewMetricsSink builds the configured sinks. No spec yields a NopSink and
// several specs are combined in a MultiSink.
func NewMetricsSink(specs []SinkSpec) (MetricsSink, error) {
	sinks := make([]MetricsSink, 0, len(specs))
	for i, spec := range specs {
		buildersMu.RLock()
		b, ok := builders[spec.Type]
		buildersMu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("metrics sink %d: unknown type %q (known: %s)", i, spec.Type, strings.Join(SinkTypes(), ", "))
		}
		s, err := b(spec.Settings)
		if err != nil {
			return nil, fmt.Errorf("metrics sink %d (%s): %w", i, spec.Type, err)
		}
		sinks = append(sinks, s)
	}
	switch len(sinks) {
	case 0:
		return NopSink{}, nil
	case 1:
		return sinks[0], nil
	}
	return NewMultiSink(sinks...), nil
}
