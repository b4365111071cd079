// Package metrics provides metrics collection for benchmark runs.
package metrics

// Metric names recorded by the benchmark runner.
const (
	BackendDurationSeconds = "tripbench_backend_duration_seconds"
	BackendRunsTotal       = "tripbench_backend_runs_total"
	BackendResultRows      = "tripbench_backend_result_rows"
	BackendAllocatedBytes  = "tripbench_backend_allocated_bytes"
	BackendPeakBytes       = "tripbench_backend_peak_bytes"
	RelativeSpeed          = "tripbench_backend_relative_speed"
)

// Collector defines the interface for collecting metrics.
//
// Labels are passed as alternating name/value pairs.
type Collector interface {
	// IncrementCounter increments a counter metric.
	IncrementCounter(name string, labels ...string)

	// RecordHistogram records a value in a histogram metric.
	RecordHistogram(name string, value float64, labels ...string)

	// RecordGauge records a gauge metric value.
	RecordGauge(name string, value float64, labels ...string)
}

// NoOpCollector is a no-op implementation of Collector.
type NoOpCollector struct{}

// NewNoOpCollector creates a new no-op collector.
func NewNoOpCollector() Collector {
	return &NoOpCollector{}
}

// IncrementCounter does nothing.
func (n *NoOpCollector) IncrementCounter(name string, labels ...string) {}

// RecordHistogram does nothing.
func (n *NoOpCollector) RecordHistogram(name string, value float64, labels ...string) {}

// RecordGauge does nothing.
func (n *NoOpCollector) RecordGauge(name string, value float64, labels ...string) {}
