// Package backends builds the benchmark backends by name.
package backends

import (
	"io"
	"strings"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/TFMV/tripbench/pkg/backends/columnar"
	"github.com/TFMV/tripbench/pkg/backends/duckdb"
	"github.com/TFMV/tripbench/pkg/benchmark"
	"github.com/TFMV/tripbench/pkg/errors"
)

// Backend names.
const (
	DuckDBScan        = "duckdb-scan"
	DuckDBMaterialize = "duckdb-materialize"
	ArrowEager        = "arrow-eager"
	ArrowProjected    = "arrow-projected"
)

var descriptions = map[string]string{
	DuckDBScan:        "DuckDB over read_parquet with predicate and projection pushdown",
	DuckDBMaterialize: "DuckDB over a temporary table loaded with every column",
	ArrowEager:        "pqarrow full-file read, filter kernel, Go hash aggregation",
	ArrowProjected:    "pqarrow record reader over the referenced columns only",
}

// Names returns every backend name in default run order.
func Names() []string {
	return []string{DuckDBScan, DuckDBMaterialize, ArrowEager, ArrowProjected}
}

// Describe returns a one-line description of a backend.
func Describe(name string) string {
	return descriptions[name]
}

// Options configures every backend built by Build.
type Options struct {
	// Threads caps DuckDB worker threads. Zero leaves the engine default.
	Threads int
	// MemoryLimit is the DuckDB memory_limit setting.
	MemoryLimit string
	// BatchSize is the Arrow record batch size. Zero uses each backend's
	// default.
	BatchSize int64
	// Parallel enables concurrent column decoding in the Arrow backends.
	Parallel bool
	// Fs is the filesystem the Arrow backends read from.
	Fs afero.Fs
	// Allocator backs every Arrow buffer. Nil means the default allocator.
	Allocator memory.Allocator
}

// Set is an ordered list of built backends that must be closed after use.
type Set struct {
	Backends []benchmark.Backend
	closers  []io.Closer
}

// Build creates the named backends in the given order. No names means all of
// them. Unknown or repeated names are an InvalidRequest error.
func Build(names []string, opts Options, logger zerolog.Logger) (*Set, error) {
	if len(names) == 0 {
		names = Names()
	}

	set := &Set{}
	seen := make(map[string]struct{}, len(names))
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		if _, dup := seen[name]; dup {
			set.Close()
			return nil, errors.Newf(errors.CodeInvalidRequest, "backend %q listed twice", name)
		}
		seen[name] = struct{}{}

		b, err := build(name, opts, logger)
		if err != nil {
			set.Close()
			return nil, err
		}
		set.Backends = append(set.Backends, b)
		if c, ok := b.(io.Closer); ok {
			set.closers = append(set.closers, c)
		}
	}
	return set, nil
}

func build(name string, opts Options, logger zerolog.Logger) (benchmark.Backend, error) {
	duckCfg := duckdb.Config{
		Threads:     opts.Threads,
		MemoryLimit: opts.MemoryLimit,
		BatchSize:   int(opts.BatchSize),
		Allocator:   opts.Allocator,
	}
	arrowCfg := columnar.Config{
		BatchSize: opts.BatchSize,
		Parallel:  opts.Parallel,
		Fs:        opts.Fs,
		Allocator: opts.Allocator,
	}

	switch name {
	case DuckDBScan:
		return duckdb.New(duckdb.ModeScan, duckCfg, logger)
	case DuckDBMaterialize:
		return duckdb.New(duckdb.ModeMaterialize, duckCfg, logger)
	case ArrowEager:
		return columnar.New(columnar.ModeEager, arrowCfg, logger)
	case ArrowProjected:
		return columnar.New(columnar.ModeProjected, arrowCfg, logger)
	}
	return nil, errors.Newf(errors.CodeInvalidRequest, "unknown backend %q (available: %s)",
		name, strings.Join(Names(), ", ")).WithDetail("backend", name)
}

// Close closes every backend that holds resources and returns the first error.
func (s *Set) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	s.closers = nil
	return first
}
