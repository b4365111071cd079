package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNoOpCollector(t *testing.T) {
	collector := NewNoOpCollector()

	assert.NotPanics(t, func() {
		collector.IncrementCounter(BackendRunsTotal, "backend", "duckdb-scan", "status", "ok")
		collector.RecordHistogram(BackendDurationSeconds, 0.25, "backend", "duckdb-scan")
		collector.RecordGauge(BackendResultRows, 42, "backend", "duckdb-scan")
	})
}
