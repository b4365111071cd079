package benchmark

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/tripbench/pkg/datasource"
	"github.com/TFMV/tripbench/pkg/errors"
	"github.com/TFMV/tripbench/pkg/infrastructure/metrics"
	"github.com/TFMV/tripbench/pkg/models"
)

type fakeTable struct {
	rows, cols int64
	released   *int
}

func (f *fakeTable) NumRows() int64 { return f.rows }
func (f *fakeTable) NumCols() int64 { return f.cols }
func (f *fakeTable) Release() {
	if f.released != nil {
		*f.released++
	}
}

type countingBackend struct {
	name    string
	calls   int
	fn      func(call int) (Table, error)
	alloc   int64
	version string
}

func (b *countingBackend) Name() string { return b.name }

func (b *countingBackend) Execute(_ context.Context, _ models.QuerySpec, _ datasource.Source) (Table, error) {
	b.calls++
	b.alloc += 100
	return b.fn(b.calls)
}

func (b *countingBackend) TotalAllocated() int64 { return b.alloc }

func (b *countingBackend) EngineVersion(context.Context) (string, error) {
	if b.version == "" {
		return "", fmt.Errorf("no version")
	}
	return b.version, nil
}

func okBackend(name string, rows int64) *countingBackend {
	return &countingBackend{name: name, fn: func(int) (Table, error) {
		return &fakeTable{rows: rows, cols: 3}, nil
	}}
}

func failingBackend(name string, err error) *countingBackend {
	return &countingBackend{name: name, fn: func(int) (Table, error) {
		return nil, err
	}}
}

// newTestRunner returns a runner whose clock reports the given durations in
// order, one per backend invocation.
func newTestRunner(t *testing.T, opts Options, collector metrics.Collector, durations ...time.Duration) *Runner {
	r := NewRunner(opts, zerolog.New(zerolog.NewTestWriter(t)), collector)
	var mu sync.Mutex
	next := 0
	r.since = func(time.Time) time.Duration {
		mu.Lock()
		defer mu.Unlock()
		if next >= len(durations) {
			return time.Millisecond
		}
		d := durations[next]
		next++
		return d
	}
	r.environment = func(context.Context, []Backend) Environment {
		return Environment{GoVersion: "go-test", OS: "linux", Arch: "amd64"}
	}
	return r
}

func testSource() datasource.Source {
	return datasource.Source{Path: "/data", Files: []string{"/data/a.parquet"}}
}

func TestRunner_TwoBackendsRatios(t *testing.T) {
	a := okBackend("A", 10)
	b := okBackend("B", 10)
	r := newTestRunner(t, Options{}, nil, 2*time.Second, time.Second)

	report, err := r.Run(context.Background(), []Backend{a, b}, models.DefaultTripQuery(), testSource())
	require.NoError(t, err)
	require.Len(t, report.Results, 2)

	assert.Equal(t, "A", report.Results[0].Name)
	assert.Equal(t, 2*time.Second, report.Results[0].Elapsed)
	assert.InDelta(t, 2.0, report.Results[0].ElapsedSeconds, 1e-9)
	assert.Equal(t, int64(10), report.Results[0].RowCount)
	assert.Equal(t, int64(3), report.Results[0].ColumnCount)

	ratio, ok := report.Ratio("A", "B")
	require.True(t, ok)
	assert.InDelta(t, 2.0, ratio, 1e-9)
	ratio, ok = report.Ratio("B", "A")
	require.True(t, ok)
	assert.InDelta(t, 0.5, ratio, 1e-9)
	assert.Len(t, report.Ratios, 2)

	assert.Equal(t, "A", report.Baseline)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, "go-test", report.Environment.GoVersion)
}

func TestRunner_FailureIsolated(t *testing.T) {
	a := okBackend("A", 5)
	b := failingBackend("B", errors.New(errors.CodeSchemaMismatch, "column fare_amount missing"))
	c := okBackend("C", 5)
	r := newTestRunner(t, Options{}, nil, time.Second, time.Second, 4*time.Second)

	report, err := r.Run(context.Background(), []Backend{a, b, c}, models.DefaultTripQuery(), testSource())
	require.NoError(t, err)

	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
	assert.Equal(t, 1, c.calls)

	res, ok := report.Result("B")
	require.True(t, ok)
	assert.False(t, res.OK())
	require.NotNil(t, res.Error)
	assert.Equal(t, errors.CodeSchemaMismatch, res.Error.Kind)
	assert.Contains(t, res.Error.Message, "fare_amount")
	assert.Nil(t, res.Rows)

	for _, ratio := range report.Ratios {
		assert.NotEqual(t, "B", ratio.Numerator)
		assert.NotEqual(t, "B", ratio.Denominator)
	}
	v, ok := report.Ratio("C", "A")
	require.True(t, ok)
	assert.InDelta(t, 4.0, v, 1e-9)

	assert.Len(t, report.Succeeded(), 2)
	assert.Len(t, report.Failed(), 1)
}

func TestRunner_AllFail(t *testing.T) {
	a := failingBackend("A", fmt.Errorf("boom"))
	b := failingBackend("B", errors.New(errors.CodeDataSourceNotFound, "no files"))
	r := newTestRunner(t, Options{}, nil)

	report, err := r.Run(context.Background(), []Backend{a, b}, models.DefaultTripQuery(), testSource())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNoSuccessfulBackends)
	require.NotNil(t, report)
	assert.Len(t, report.Failed(), 2)
	assert.Empty(t, report.Ratios)
	assert.Empty(t, report.Baseline)

	res, _ := report.Result("A")
	assert.Equal(t, errors.CodeBackendFailed, res.Error.Kind)
	res, _ = report.Result("B")
	assert.Equal(t, errors.CodeDataSourceNotFound, res.Error.Kind)
}

func TestRunner_PanicRecovered(t *testing.T) {
	p := &countingBackend{name: "panicky", fn: func(int) (Table, error) {
		panic("index out of range")
	}}
	ok := okBackend("ok", 1)
	r := newTestRunner(t, Options{}, nil)

	report, err := r.Run(context.Background(), []Backend{p, ok}, models.DefaultTripQuery(), testSource())
	require.NoError(t, err)

	res, _ := report.Result("panicky")
	require.NotNil(t, res.Error)
	assert.Equal(t, errors.CodeBackendFailed, res.Error.Kind)
	assert.Contains(t, res.Error.Message, "index out of range")
	assert.Equal(t, 1, ok.calls)
}

func TestRunner_NilTableIsFailure(t *testing.T) {
	b := &countingBackend{name: "empty", fn: func(int) (Table, error) { return nil, nil }}
	r := newTestRunner(t, Options{}, nil)

	report, err := r.Run(context.Background(), []Backend{b}, models.DefaultTripQuery(), testSource())
	require.Error(t, err)
	res, _ := report.Result("empty")
	require.NotNil(t, res.Error)
	assert.Contains(t, res.Error.Message, "no result")
}

func TestRunner_RepetitionsAndWarmup(t *testing.T) {
	released := 0
	b := &countingBackend{name: "A", fn: func(call int) (Table, error) {
		return &fakeTable{rows: int64(call), cols: 3, released: &released}, nil
	}}
	// Two warmup runs, then three timed runs.
	r := newTestRunner(t, Options{Repetitions: 3, Warmup: 2}, nil,
		time.Hour, time.Hour,
		1*time.Second, 2*time.Second, 6*time.Second)

	report, err := r.Run(context.Background(), []Backend{b}, models.DefaultTripQuery(), testSource())
	require.NoError(t, err)

	assert.Equal(t, 5, b.calls)
	res, _ := report.Result("A")
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 6 * time.Second}, res.Runs)
	assert.Equal(t, 3*time.Second, res.Elapsed)
	assert.InDelta(t, 3.0, res.ElapsedSeconds, 1e-9)
	assert.Equal(t, []float64{1, 2, 6}, res.RunSeconds())
	// Only the last table is kept.
	assert.Equal(t, int64(5), res.RowCount)
	assert.Equal(t, 4, released)
	assert.Equal(t, int64(100), res.AllocatedBytes)

	report.Release()
	assert.Equal(t, 5, released)
	assert.Equal(t, 3, report.Repetitions)
	assert.Equal(t, 2, report.Warmup)
}

func TestRunner_FailureDuringRepetition(t *testing.T) {
	released := 0
	b := &countingBackend{name: "flaky", fn: func(call int) (Table, error) {
		if call == 2 {
			return nil, fmt.Errorf("transient")
		}
		return &fakeTable{rows: 1, cols: 1, released: &released}, nil
	}}
	r := newTestRunner(t, Options{Repetitions: 3}, nil)

	report, err := r.Run(context.Background(), []Backend{b}, models.DefaultTripQuery(), testSource())
	require.Error(t, err)
	res, _ := report.Result("flaky")
	assert.False(t, res.OK())
	assert.Equal(t, 2, b.calls)
	assert.Equal(t, 1, released)
}

func TestRunner_BaselineFallback(t *testing.T) {
	a := okBackend("A", 1)
	b := failingBackend("B", fmt.Errorf("down"))
	c := okBackend("C", 1)

	tests := []struct {
		name     string
		baseline string
		want     string
	}{
		{name: "configured baseline", baseline: "C", want: "C"},
		{name: "failed baseline falls back", baseline: "B", want: "A"},
		{name: "unknown baseline falls back", baseline: "Z", want: "A"},
		{name: "no baseline", want: "A"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRunner(t, Options{Baseline: tt.baseline}, nil, time.Second, time.Second, 3*time.Second)
			report, err := r.Run(context.Background(), []Backend{a, b, c}, models.DefaultTripQuery(), testSource())
			require.NoError(t, err)
			assert.Equal(t, tt.want, report.Baseline)

			v, ok := report.RelativeToBaseline(tt.want)
			require.True(t, ok)
			assert.Equal(t, 1.0, v)
			_, ok = report.RelativeToBaseline("B")
			assert.False(t, ok)
		})
	}
}

func TestRunner_ZeroDurationDenominator(t *testing.T) {
	a := okBackend("A", 1)
	b := okBackend("B", 1)
	r := newTestRunner(t, Options{}, nil, time.Second, 0)

	report, err := r.Run(context.Background(), []Backend{a, b}, models.DefaultTripQuery(), testSource())
	require.NoError(t, err)

	_, ok := report.Ratio("A", "B")
	assert.False(t, ok)
	v, ok := report.Ratio("B", "A")
	require.True(t, ok)
	assert.Equal(t, 0.0, v)
}

func TestRunner_InvalidBackends(t *testing.T) {
	r := newTestRunner(t, Options{}, nil)

	_, err := r.Run(context.Background(), nil, models.DefaultTripQuery(), testSource())
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequest(err))

	_, err = r.Run(context.Background(), []Backend{okBackend("A", 1), okBackend("A", 1)}, models.DefaultTripQuery(), testSource())
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequest(err))
	assert.Contains(t, err.Error(), "duplicate")
}

func TestRunner_SourceNotShared(t *testing.T) {
	mutator := BackendFunc("mutator", func(_ context.Context, _ models.QuerySpec, src datasource.Source) (Table, error) {
		src.Files[0] = "/tampered.parquet"
		return &fakeTable{}, nil
	})
	var seen string
	observer := BackendFunc("observer", func(_ context.Context, _ models.QuerySpec, src datasource.Source) (Table, error) {
		seen = src.Files[0]
		return &fakeTable{}, nil
	})

	src := testSource()
	r := newTestRunner(t, Options{}, nil)
	_, err := r.Run(context.Background(), []Backend{mutator, observer}, models.DefaultTripQuery(), src)
	require.NoError(t, err)
	assert.Equal(t, "/data/a.parquet", seen)
	assert.Equal(t, "/data/a.parquet", src.Files[0])
}

type recordingCollector struct {
	counters   map[string]int
	histograms map[string]int
	gauges     map[string]float64
}

func newRecordingCollector() *recordingCollector {
	return &recordingCollector{
		counters:   make(map[string]int),
		histograms: make(map[string]int),
		gauges:     make(map[string]float64),
	}
}

func key(name string, labels []string) string {
	return fmt.Sprint(name, labels)
}

func (c *recordingCollector) IncrementCounter(name string, labels ...string) {
	c.counters[key(name, labels)]++
}

func (c *recordingCollector) RecordHistogram(name string, _ float64, labels ...string) {
	c.histograms[key(name, labels)]++
}

func (c *recordingCollector) RecordGauge(name string, value float64, labels ...string) {
	c.gauges[key(name, labels)] = value
}

func TestRunner_Metrics(t *testing.T) {
	collector := newRecordingCollector()
	a := okBackend("A", 7)
	b := failingBackend("B", fmt.Errorf("down"))
	r := newTestRunner(t, Options{Repetitions: 2}, collector)

	_, err := r.Run(context.Background(), []Backend{a, b}, models.DefaultTripQuery(), testSource())
	require.NoError(t, err)

	assert.Equal(t, 1, collector.counters[key(metrics.BackendRunsTotal, []string{"backend", "A", "status", "ok"})])
	assert.Equal(t, 1, collector.counters[key(metrics.BackendRunsTotal, []string{"backend", "B", "status", "error"})])
	assert.Equal(t, 2, collector.histograms[key(metrics.BackendDurationSeconds, []string{"backend", "A"})])
	assert.Equal(t, 7.0, collector.gauges[key(metrics.BackendResultRows, []string{"backend", "A"})])
	assert.Equal(t, 100.0, collector.gauges[key(metrics.BackendAllocatedBytes, []string{"backend", "A"})])
	assert.Equal(t, 1.0, collector.gauges[key(metrics.RelativeSpeed, []string{"backend", "A", "baseline", "A"})])
}

func TestCollectEnvironment_EngineVersions(t *testing.T) {
	a := okBackend("duck", 1)
	a.version = "v1.3.0"
	b := okBackend("arrow", 1)

	env := CollectEnvironment(context.Background(), []Backend{a, b}, zerolog.Nop())
	assert.NotEmpty(t, env.GoVersion)
	assert.NotEmpty(t, env.OS)
	assert.Positive(t, env.CPUCount)
	assert.Equal(t, map[string]string{"duck": "v1.3.0"}, env.EngineVersions)
}

func TestRunner_NegativeElapsedClamped(t *testing.T) {
	// A clock step backwards must not produce negative timings.
	r := newTestRunner(t, Options{Repetitions: 2}, nil, -5*time.Second, -time.Millisecond)

	report, err := r.Run(context.Background(), []Backend{okBackend("A", 3)}, models.DefaultTripQuery(), testSource())
	require.NoError(t, err)

	res, ok := report.Result("A")
	require.True(t, ok)
	assert.True(t, res.OK())
	assert.Equal(t, []time.Duration{0, 0}, res.Runs)
	assert.Equal(t, time.Duration(0), res.Elapsed)
	assert.Equal(t, 0.0, res.ElapsedSeconds)
	for _, s := range res.RunSeconds() {
		assert.GreaterOrEqual(t, s, 0.0)
	}
}

type peakBackend struct {
	*countingBackend
	peak   int64
	resets int
}

func (b *peakBackend) PeakBytes() int64 { return b.peak }

func (b *peakBackend) ResetPeak() {
	b.resets++
	b.peak = 0
}

func TestRunner_PeakBytes(t *testing.T) {
	b := &peakBackend{countingBackend: &countingBackend{name: "A"}}
	b.fn = func(call int) (Table, error) {
		b.peak = max(b.peak, int64(call)*1000)
		return &fakeTable{rows: 1, cols: 3}, nil
	}
	collector := newRecordingCollector()
	r := newTestRunner(t, Options{Repetitions: 2, Warmup: 1}, collector)

	report, err := r.Run(context.Background(), []Backend{b, okBackend("B", 1)}, models.DefaultTripQuery(), testSource())
	require.NoError(t, err)

	// The warmup peak is discarded before the timed runs.
	res, _ := report.Result("A")
	assert.Equal(t, 1, b.resets)
	assert.Equal(t, int64(3000), res.PeakBytes)
	assert.Equal(t, 3000.0, collector.gauges[key(metrics.BackendPeakBytes, []string{"backend", "A"})])

	untracked, _ := report.Result("B")
	assert.Zero(t, untracked.PeakBytes)
	_, recorded := collector.gauges[key(metrics.BackendPeakBytes, []string{"backend", "B"})]
	assert.False(t, recorded)
}

func TestReport_OKAfterRelease(t *testing.T) {
	released := 0
	a := &countingBackend{name: "A", fn: func(int) (Table, error) {
		return &fakeTable{rows: 2, cols: 3, released: &released}, nil
	}}
	r := newTestRunner(t, Options{}, nil)

	report, err := r.Run(context.Background(), []Backend{a, failingBackend("B", fmt.Errorf("down"))}, models.DefaultTripQuery(), testSource())
	require.NoError(t, err)

	report.Release()
	assert.Equal(t, 1, released)
	res, _ := report.Result("A")
	assert.Nil(t, res.Rows)
	assert.True(t, res.OK())
	require.Len(t, report.Succeeded(), 1)
	assert.Equal(t, "A", report.Succeeded()[0].Name)
	require.Len(t, report.Failed(), 1)
	assert.Equal(t, "B", report.Failed()[0].Name)
}
