// Package benchmark runs a fixed filter, group and aggregate query against
// several tabular-query backends and compares their timings.
package benchmark

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/TFMV/tripbench/pkg/datasource"
	"github.com/TFMV/tripbench/pkg/errors"
	"github.com/TFMV/tripbench/pkg/infrastructure/metrics"
	"github.com/TFMV/tripbench/pkg/models"
)

// Table is the opaque tabular result of a backend. arrow.Table and
// arrow.Record both satisfy it.
type Table interface {
	NumRows() int64
	NumCols() int64
}

// Backend executes the query against a data source.
type Backend interface {
	// Name identifies the backend in reports. Names must be unique per run.
	Name() string
	// Execute runs spec against source and returns the materialized result.
	// It must not modify spec or source.
	Execute(ctx context.Context, spec models.QuerySpec, source datasource.Source) (Table, error)
}

// AllocationReporter is implemented by backends that can report the
// cumulative number of bytes they have allocated.
type AllocationReporter interface {
	TotalAllocated() int64
}

// PeakReporter is implemented by backends that track the high-water mark of
// their live allocations.
type PeakReporter interface {
	PeakBytes() int64
	ResetPeak()
}

// releaser is implemented by Arrow tables and records.
type releaser interface {
	Release()
}

type funcBackend struct {
	name string
	fn   func(ctx context.Context, spec models.QuerySpec, source datasource.Source) (Table, error)
}

func (b funcBackend) Name() string { return b.name }

func (b funcBackend) Execute(ctx context.Context, spec models.QuerySpec, source datasource.Source) (Table, error) {
	return b.fn(ctx, spec, source)
}

// BackendFunc adapts a function into a named Backend.
func BackendFunc(name string, fn func(ctx context.Context, spec models.QuerySpec, source datasource.Source) (Table, error)) Backend {
	return funcBackend{name: name, fn: fn}
}

// Options controls how many times each backend runs.
type Options struct {
	// Repetitions is the number of timed runs per backend; the reported
	// elapsed time is their mean. Values below 1 mean 1.
	Repetitions int `json:"repetitions"`
	// Warmup is the number of untimed runs executed before timing.
	Warmup int `json:"warmup"`
	// Baseline names the backend ratios are reported against. When empty or
	// failed, the first successful backend is used.
	Baseline string `json:"baseline"`
}

// Runner executes backends sequentially and builds a ComparisonReport.
type Runner struct {
	opts    Options
	logger  zerolog.Logger
	metrics metrics.Collector

	// since measures elapsed time from a time.Now reading. time.Since uses
	// the monotonic clock reading carried by time.Now.
	since func(time.Time) time.Duration
	// environment collects host details for the report.
	environment func(ctx context.Context, backends []Backend) Environment
}

// NewRunner creates a new benchmark runner.
func NewRunner(opts Options, logger zerolog.Logger, collector metrics.Collector) *Runner {
	if opts.Repetitions < 1 {
		opts.Repetitions = 1
	}
	if opts.Warmup < 0 {
		opts.Warmup = 0
	}
	if collector == nil {
		collector = metrics.NewNoOpCollector()
	}

	r := &Runner{
		opts:    opts,
		logger:  logger.With().Str("component", "benchmark").Logger(),
		metrics: collector,
		since:   time.Since,
	}
	r.environment = func(ctx context.Context, backends []Backend) Environment {
		return CollectEnvironment(ctx, backends, r.logger)
	}
	return r
}

// Run invokes every backend, in order, with the same spec and source. A
// backend failure is recorded on its result and never stops the remaining
// backends. When every backend fails the populated report is returned along
// with ErrNoSuccessfulBackends.
func (r *Runner) Run(ctx context.Context, backends []Backend, spec models.QuerySpec, source datasource.Source) (*ComparisonReport, error) {
	if len(backends) == 0 {
		return nil, errors.New(errors.CodeInvalidRequest, "no backends to run")
	}
	seen := make(map[string]struct{}, len(backends))
	for _, b := range backends {
		if _, dup := seen[b.Name()]; dup {
			return nil, errors.Newf(errors.CodeInvalidRequest, "duplicate backend name %q", b.Name())
		}
		seen[b.Name()] = struct{}{}
	}

	report := &ComparisonReport{
		RunID:       uuid.NewString(),
		Query:       spec,
		DataSource:  source.Clone(),
		Repetitions: r.opts.Repetitions,
		Warmup:      r.opts.Warmup,
		StartTime:   time.Now(),
		Environment: r.environment(ctx, backends),
	}

	r.logger.Info().
		Str("run_id", report.RunID).
		Str("query", spec.String()).
		Str("source", source.Path).
		Int("files", len(source.Files)).
		Int("backends", len(backends)).
		Int("repetitions", r.opts.Repetitions).
		Int("warmup", r.opts.Warmup).
		Msg("Starting benchmark")

	for _, backend := range backends {
		result := r.runBackend(ctx, backend, spec, source)
		r.record(result)
		report.Results = append(report.Results, result)
	}

	report.EndTime = time.Now()
	report.Ratios = pairwiseRatios(report.Results)
	report.Baseline = chooseBaseline(report.Results, r.opts.Baseline)

	for _, res := range report.Results {
		if ratio, ok := report.RelativeToBaseline(res.Name); ok {
			r.metrics.RecordGauge(metrics.RelativeSpeed, ratio, "backend", res.Name, "baseline", report.Baseline)
		}
	}

	if len(report.Succeeded()) == 0 {
		r.logger.Error().Str("run_id", report.RunID).Msg("Every backend failed")
		return report, errors.Wrapf(errors.ErrNoSuccessfulBackends, errors.CodeNoSuccessfulBackends,
			"all %d backends failed", len(backends))
	}

	r.logger.Info().
		Str("run_id", report.RunID).
		Str("baseline", report.Baseline).
		Int("succeeded", len(report.Succeeded())).
		Int("failed", len(report.Failed())).
		Dur("total_time", report.EndTime.Sub(report.StartTime)).
		Msg("Benchmark completed")

	return report, nil
}

// runBackend performs the warmup and timed runs of a single backend.
func (r *Runner) runBackend(ctx context.Context, backend Backend, spec models.QuerySpec, source datasource.Source) BackendResult {
	name := backend.Name()
	result := BackendResult{Name: name}
	logger := r.logger.With().Str("backend", name).Logger()

	for i := 1; i <= r.opts.Warmup; i++ {
		table, _, err := r.invoke(ctx, backend, spec, source)
		release(table)
		if err != nil {
			result.Error = newFailure(err)
			logger.Warn().Err(err).Int("warmup", i).Msg("Backend failed during warmup")
			return result
		}
	}

	reporter, tracksAllocations := backend.(AllocationReporter)
	var allocatedBefore int64
	if tracksAllocations {
		allocatedBefore = reporter.TotalAllocated()
	}
	peaker, tracksPeak := backend.(PeakReporter)
	if tracksPeak {
		peaker.ResetPeak()
	}

	var total time.Duration
	for i := 1; i <= r.opts.Repetitions; i++ {
		table, elapsed, err := r.invoke(ctx, backend, spec, source)
		if err != nil {
			release(table)
			release(result.Rows)
			result.Rows = nil
			result.Runs = append(result.Runs, elapsed)
			result.Error = newFailure(err)
			logger.Warn().
				Err(err).
				Str("kind", result.Error.Kind).
				Int("iteration", i).
				Msg("Backend failed")
			return result
		}

		// Only the last run's table is kept.
		release(result.Rows)
		result.Rows = table
		result.RowCount = table.NumRows()
		result.ColumnCount = table.NumCols()
		result.Runs = append(result.Runs, elapsed)
		total += elapsed

		logger.Debug().
			Int("iteration", i).
			Dur("elapsed", elapsed).
			Int64("rows", result.RowCount).
			Msg("Run completed")
	}

	result.Elapsed = total / time.Duration(len(result.Runs))
	result.ElapsedSeconds = total.Seconds() / float64(len(result.Runs))
	if tracksAllocations {
		result.AllocatedBytes = (reporter.TotalAllocated() - allocatedBefore) / int64(len(result.Runs))
	}
	if tracksPeak {
		result.PeakBytes = peaker.PeakBytes()
	}

	logger.Info().
		Dur("elapsed", result.Elapsed).
		Int64("rows", result.RowCount).
		Int64("columns", result.ColumnCount).
		Int64("allocated_bytes", result.AllocatedBytes).
		Int64("peak_bytes", result.PeakBytes).
		Msg("Backend completed")

	return result
}

// invoke runs the backend once, converting panics and nil tables into errors.
func (r *Runner) invoke(ctx context.Context, backend Backend, spec models.QuerySpec, source datasource.Source) (table Table, elapsed time.Duration, err error) {
	start := time.Now()
	defer func() {
		elapsed = r.since(start)
		if elapsed < 0 {
			elapsed = 0
		}
		if p := recover(); p != nil {
			r.logger.Error().
				Str("backend", backend.Name()).
				Interface("panic", p).
				Str("stack", string(debug.Stack())).
				Msg("Panic recovered")
			table = nil
			err = errors.New(errors.CodeBackendFailed, fmt.Sprintf("backend panicked: %v", p))
		}
	}()

	table, err = backend.Execute(ctx, spec, source.Clone())
	if err == nil && table == nil {
		err = errors.New(errors.CodeBackendFailed, "backend returned no result")
	}
	return table, elapsed, err
}

func (r *Runner) record(result BackendResult) {
	status := "ok"
	if result.Error != nil {
		status = "error"
	}
	r.metrics.IncrementCounter(metrics.BackendRunsTotal, "backend", result.Name, "status", status)
	if result.Error != nil {
		return
	}
	for _, run := range result.Runs {
		r.metrics.RecordHistogram(metrics.BackendDurationSeconds, run.Seconds(), "backend", result.Name)
	}
	r.metrics.RecordGauge(metrics.BackendResultRows, float64(result.RowCount), "backend", result.Name)
	if result.AllocatedBytes > 0 {
		r.metrics.RecordGauge(metrics.BackendAllocatedBytes, float64(result.AllocatedBytes), "backend", result.Name)
	}
	if result.PeakBytes > 0 {
		r.metrics.RecordGauge(metrics.BackendPeakBytes, float64(result.PeakBytes), "backend", result.Name)
	}
}

func release(t Table) {
	if rel, ok := t.(releaser); ok && rel != nil {
		rel.Release()
	}
}
