package metrics

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink exports merge metrics as prometheus collectors.
// Counters are accumulated, gauges are set to the last observed value.
type PrometheusSink struct {
	counters *prometheus.CounterVec
	gauges   *prometheus.GaugeVec
}

var _ Sink = &PrometheusSink{}

// NewPrometheusSink registers the shardmerge collectors with reg.
// Registering twice with the same registerer reuses the existing collectors.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	counters := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shardmerge",
		Name:      "query_events_total",
		Help:      "Counters reported by the stream merge engines.",
	}, append([]string{"name"}, Labels...))
	gauges := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "shardmerge",
		Name:      "query_last_value",
		Help:      "Last value of gauges reported by the stream merge engines.",
	}, append([]string{"name"}, Labels...))

	var err error
	if counters, err = register(reg, counters); err != nil {
		return nil, err
	}
	if gauges, err = register(reg, gauges); err != nil {
		return nil, err
	}
	return &PrometheusSink{counters: counters, gauges: gauges}, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("could not register collector: %w", err)
	}
	return c, nil
}

func (p *PrometheusSink) Send(ctx context.Context, m *Metrics) error {
	for _, v := range m.Values {
		switch v.Type {
		case COUNTER:
			if v.Value < 0 {
				return fmt.Errorf("counter %q cannot decrease: %v", v.Name, v.Value)
			}
			p.counters.WithLabelValues(labelValues(v)...).Add(v.Value)
		case GAUGE:
			p.gauges.WithLabelValues(labelValues(v)...).Set(v.Value)
		default:
			return fmt.Errorf("invalid metric type %d for %q", v.Type, v.Name)
		}
	}
	return nil
}

// labelValues returns the name of v followed by its value of each of Labels.
func labelValues(v MetricValue) []string {
	out := make([]string, 0, len(Labels)+1)
	out = append(out, v.Name)
	for _, l := range Labels {
		out = append(out, v.Label(l))
	}
	return out
}
