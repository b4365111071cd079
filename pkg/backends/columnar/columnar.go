// Package columnar runs the trip query in-process over Arrow record batches
// decoded from Parquet with pqarrow.
package columnar

import (
	"context"
	"io"
	"runtime/debug"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute/exec"
	arrowmem "github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/TFMV/tripbench/pkg/benchmark"
	"github.com/TFMV/tripbench/pkg/datasource"
	"github.com/TFMV/tripbench/pkg/errors"
	"github.com/TFMV/tripbench/pkg/infrastructure/converter"
	"github.com/TFMV/tripbench/pkg/infrastructure/memory"
	"github.com/TFMV/tripbench/pkg/models"
)

// Mode selects how much of each file is decoded.
type Mode string

const (
	// ModeEager decodes every column of every file into a table before
	// filtering.
	ModeEager Mode = "eager"
	// ModeProjected decodes only the columns the query references, one
	// record batch at a time.
	ModeProjected Mode = "projected"
)

// DefaultBatchSize is the number of rows per record batch.
const DefaultBatchSize = 64 * 1024

const arrowModule = "github.com/apache/arrow-go/v18"

// Config holds reader settings.
type Config struct {
	// BatchSize is the number of rows decoded per record batch.
	BatchSize int64 `json:"batch_size"`
	// Parallel reads the columns of a file concurrently.
	Parallel bool `json:"parallel"`
	// Fs is the filesystem files are opened from. Nil means the OS filesystem.
	Fs afero.Fs `json:"-"`
	// Allocator is wrapped in a tracking allocator. Nil means the default
	// allocator.
	Allocator arrowmem.Allocator `json:"-"`
}

// Backend filters and aggregates Arrow batches in Go.
type Backend struct {
	mode   Mode
	cfg    Config
	alloc  *memory.TrackedAllocator
	logger zerolog.Logger
}

// New creates an Arrow backend for the given mode.
func New(mode Mode, cfg Config, logger zerolog.Logger) (*Backend, error) {
	if mode != ModeEager && mode != ModeProjected {
		return nil, errors.Newf(errors.CodeInvalidRequest, "unknown arrow mode %q", mode)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Allocator == nil {
		cfg.Allocator = arrowmem.DefaultAllocator
	}

	b := &Backend{
		mode:  mode,
		cfg:   cfg,
		alloc: memory.NewTrackedAllocator(cfg.Allocator),
	}
	b.logger = logger.With().Str("component", "backend").Str("backend", b.Name()).Logger()
	return b, nil
}

// Name returns arrow-eager or arrow-projected.
func (b *Backend) Name() string {
	return "arrow-" + string(b.mode)
}

// Mode returns the backend's execution mode.
func (b *Backend) Mode() Mode {
	return b.mode
}

// TotalAllocated returns the cumulative bytes requested from the allocator.
func (b *Backend) TotalAllocated() int64 {
	return b.alloc.TotalAllocated()
}

// PeakBytes returns the highest number of live bytes seen so far.
func (b *Backend) PeakBytes() int64 {
	return b.alloc.PeakBytes()
}

// ResetPeak starts a new peak measurement from the bytes currently live.
func (b *Backend) ResetPeak() {
	b.alloc.ResetPeak()
}

// EngineVersion reports the arrow-go module version linked into the binary.
func (b *Backend) EngineVersion(context.Context) (string, error) {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "arrow-go (unknown)", nil
	}
	for _, dep := range info.Deps {
		if dep.Path == arrowModule {
			return "arrow-go " + dep.Version, nil
		}
	}
	return "arrow-go (unknown)", nil
}

// Execute runs spec over source and returns an Arrow table with spec's
// result schema.
func (b *Backend) Execute(ctx context.Context, spec models.QuerySpec, source datasource.Source) (benchmark.Table, error) {
	if source.Empty() {
		return nil, errors.New(errors.CodeDataSourceNotFound, "no parquet files to read")
	}

	ctx = exec.WithAllocator(ctx, b.alloc)
	agg := newAggregator(b.alloc, spec)

	for _, path := range source.Files {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, errors.CodeBackendFailed, "execution cancelled")
		}
		if err := b.scanFile(ctx, path, spec, agg); err != nil {
			return nil, err
		}
	}

	tbl := agg.Table(spec.ResultSchema())
	b.logger.Debug().
		Int("files", len(source.Files)).
		Int64("rows_scanned", agg.scanned).
		Int64("rows_matched", agg.matched).
		Int64("groups", tbl.NumRows()).
		Msg("Aggregated batches")
	return tbl, nil
}

func (b *Backend) scanFile(ctx context.Context, path string, spec models.QuerySpec, agg *aggregator) error {
	f, err := b.cfg.Fs.Open(path)
	if err != nil {
		return errors.Wrapf(err, errors.CodeDataSourceNotFound, "failed to open %s", path)
	}

	pf, err := file.NewParquetReader(f, file.WithReadProps(parquet.NewReaderProperties(b.alloc)))
	if err != nil {
		f.Close()
		return errors.Wrapf(err, errors.CodeBackendFailed, "failed to read parquet footer of %s", path)
	}
	defer pf.Close()

	fr, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{
		Parallel:  b.cfg.Parallel,
		BatchSize: b.cfg.BatchSize,
	}, b.alloc)
	if err != nil {
		return errors.Wrapf(err, errors.CodeBackendFailed, "failed to create arrow reader for %s", path)
	}

	schema, err := fr.Schema()
	if err != nil {
		return errors.Wrapf(err, errors.CodeBackendFailed, "failed to convert schema of %s", path)
	}
	if err := checkSchema(schema, spec.Columns(), path); err != nil {
		return err
	}

	b.logger.Debug().
		Str("path", path).
		Int("row_groups", pf.NumRowGroups()).
		Int64("rows", pf.NumRows()).
		Msg("Scanning file")

	if b.mode == ModeEager {
		return b.scanEager(ctx, fr, path, agg)
	}
	return b.scanProjected(ctx, fr, path, spec.Columns(), agg)
}

func (b *Backend) scanEager(ctx context.Context, fr *pqarrow.FileReader, path string, agg *aggregator) error {
	tbl, err := fr.ReadTable(ctx)
	if err != nil {
		return errors.Wrapf(err, errors.CodeBackendFailed, "failed to read %s", path)
	}
	defer tbl.Release()

	tr := array.NewTableReader(tbl, b.cfg.BatchSize)
	defer tr.Release()

	for tr.Next() {
		if err := agg.Consume(ctx, tr.Record()); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) scanProjected(ctx context.Context, fr *pqarrow.FileReader, path string, columns []string, agg *aggregator) error {
	leaves := make([]int, 0, len(columns))
	for _, name := range columns {
		idx := fr.ParquetReader().MetaData().Schema.ColumnIndexByName(name)
		if idx < 0 {
			return errors.Newf(errors.CodeSchemaMismatch, "column %q is not a leaf column of %s", name, path).
				WithDetail("column", name).
				WithDetail("file", path)
		}
		leaves = append(leaves, idx)
	}

	rr, err := fr.GetRecordReader(ctx, leaves, nil)
	if err != nil {
		return errors.Wrapf(err, errors.CodeBackendFailed, "failed to open record reader for %s", path)
	}
	defer rr.Release()

	for rr.Next() {
		if err := agg.Consume(ctx, rr.Record()); err != nil {
			return err
		}
	}
	if err := rr.Err(); err != nil && err != io.EOF {
		return errors.Wrapf(err, errors.CodeBackendFailed, "failed to read %s", path)
	}
	return nil
}

// checkSchema verifies every referenced column exists with a numeric type.
func checkSchema(schema *arrow.Schema, columns []string, path string) error {
	for _, name := range columns {
		idx := schema.FieldIndices(name)
		if len(idx) == 0 {
			return errors.Newf(errors.CodeSchemaMismatch, "column %q not found in %s", name, path).
				WithDetail("column", name).
				WithDetail("file", path)
		}
		field := schema.Field(idx[0])
		if !converter.IsNumeric(field.Type) {
			return errors.Newf(errors.CodeSchemaMismatch, "column %q has non-numeric type %s", name, field.Type).
				WithDetail("column", name).
				WithDetail("type", field.Type.String()).
				WithDetail("file", path)
		}
	}
	return nil
}
