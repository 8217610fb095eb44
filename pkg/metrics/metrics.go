// Package metrics reports what each merged query did: how many units it
// was routed to, the sessions it opened, the rows each data source
// returned and how long the merge took. Sinks decide where the numbers go;
// NoopSink, a log sink and a Prometheus sink are provided.
package metrics

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"time"
)

// Metric types.
const (
	UNKNOWN byte = iota
	COUNTER
	GAUGE
)

const (
	SinkTimeout = 1 * time.Second

	// Per query.
	RouteUnitsMetricName     = "route_units"
	SessionsOpenedMetricName = "sessions_opened"
	RowsMergedMetricName     = "rows_merged"
	MergeTimeMetricName      = "merge_time_ms"
	QueryFailedMetricName    = "query_failed"

	// Per data source, labelled with LabelDataSource.
	ShardRowsMetricName  = "shard_rows_read"
	ShardUnitsMetricName = "shard_units_queried"
)

// Label names. Every value carries LabelMode; per data source values
// also carry LabelDataSource.
const (
	LabelMode       = "mode"
	LabelDataSource = "data_source"
)

// Labels lists the label names a sink may see, in a stable order.
var Labels = []string{LabelMode, LabelDataSource}

// Metrics is what one merged query reports.
type Metrics struct {
	Values []MetricValue
}

// Add appends a value. labels are name, value pairs.
func (m *Metrics) Add(name string, value float64, typ byte, labels ...string) {
	v := MetricValue{Name: name, Value: value, Type: typ}
	if len(labels) > 0 {
		v.Labels = make(map[string]string, len(labels)/2)
		for i := 0; i+1 < len(labels); i += 2 {
			v.Labels[labels[i]] = labels[i+1]
		}
	}
	m.Values = append(m.Values, v)
}

type MetricValue struct {
	Name  string
	Value float64
	// Type is COUNTER or GAUGE.
	Type   byte
	Labels map[string]string
}

// Label returns the value of a label, "" when it is not set.
func (v MetricValue) Label(name string) string {
	return v.Labels[name]
}

// Sink sends metrics to an external destination.
type Sink interface {
	// Send sends metrics to the sink. It must respect the context timeout, if any.
	Send(ctx context.Context, metrics *Metrics) error
}

// NoopSink is the default sink which does nothing
type NoopSink struct{}

func (s *NoopSink) Send(ctx context.Context, m *Metrics) error {
	return nil
}

var _ Sink = &NoopSink{}

// logSink writes every value as a debug log line.
type logSink struct {
	logger *slog.Logger
}

func (l *logSink) Send(ctx context.Context, m *Metrics) error {
	for _, v := range m.Values {
		attrs := []any{"name", v.Name, "value", v.Value}
		for _, k := range slices.Sorted(maps.Keys(v.Labels)) {
			attrs = append(attrs, k, v.Labels[k])
		}
		switch v.Type {
		case COUNTER:
			l.logger.DebugContext(ctx, "merge counter", attrs...)
		case GAUGE:
			l.logger.DebugContext(ctx, "merge gauge", attrs...)
		default:
			l.logger.ErrorContext(ctx, "received invalid metric type", append(attrs, "type", v.Type)...)
		}
	}
	return nil
}

var _ Sink = &logSink{}

func NewLogSink(logger *slog.Logger) *logSink {
	return &logSink{
		logger: logger,
	}
}
