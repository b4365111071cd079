// Package duckdb runs the trip query through an embedded DuckDB engine,
// either directly over the Parquet files or over a materialized copy.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/rs/zerolog"

	"github.com/TFMV/tripbench/pkg/benchmark"
	"github.com/TFMV/tripbench/pkg/datasource"
	"github.com/TFMV/tripbench/pkg/errors"
	"github.com/TFMV/tripbench/pkg/infrastructure/converter"
	"github.com/TFMV/tripbench/pkg/models"
)

// Mode selects how the engine reaches the data.
type Mode string

const (
	// ModeScan queries read_parquet directly so the engine can push the
	// predicate and projection into the scan.
	ModeScan Mode = "scan"
	// ModeMaterialize loads every column into a temporary table first.
	ModeMaterialize Mode = "materialize"
)

// materializedTable is the temporary table used by ModeMaterialize.
const materializedTable = "trips"

// Config holds engine settings.
type Config struct {
	// Threads caps DuckDB's worker threads. Zero leaves the engine default.
	Threads int `json:"threads"`
	// MemoryLimit is passed to DuckDB's memory_limit setting, e.g. "4GB".
	MemoryLimit string `json:"memory_limit"`
	// BatchSize is the number of result rows per Arrow record batch.
	BatchSize int `json:"batch_size"`
	// Allocator backs the Arrow result tables. Nil means the default allocator.
	Allocator memory.Allocator `json:"-"`
}

// Backend executes the query in DuckDB and converts the result to Arrow.
type Backend struct {
	mode   Mode
	cfg    Config
	db     *sql.DB
	logger zerolog.Logger
}

// New opens an in-memory DuckDB database for the given mode.
func New(mode Mode, cfg Config, logger zerolog.Logger) (*Backend, error) {
	if mode != ModeScan && mode != ModeMaterialize {
		return nil, errors.Newf(errors.CodeInvalidRequest, "unknown duckdb mode %q", mode)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = converter.DefaultBatchSize
	}
	if cfg.Allocator == nil {
		cfg.Allocator = memory.DefaultAllocator
	}

	dsn := buildDSN(cfg)
	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeBackendFailed, "failed to open duckdb with %q", dsn)
	}

	b := &Backend{
		mode: mode,
		cfg:  cfg,
		db:   db,
	}
	b.logger = logger.With().Str("component", "backend").Str("backend", b.Name()).Logger()

	b.logger.Debug().
		Str("dsn", dsn).
		Int("batch_size", cfg.BatchSize).
		Msg("Opened DuckDB")

	return b, nil
}

func buildDSN(cfg Config) string {
	params := url.Values{}
	if cfg.Threads > 0 {
		params.Set("threads", strconv.Itoa(cfg.Threads))
	}
	if cfg.MemoryLimit != "" {
		params.Set("memory_limit", cfg.MemoryLimit)
	}
	if len(params) == 0 {
		return ""
	}
	return "?" + params.Encode()
}

// Name returns duckdb-scan or duckdb-materialize.
func (b *Backend) Name() string {
	return "duckdb-" + string(b.mode)
}

// Mode returns the backend's execution mode.
func (b *Backend) Mode() Mode {
	return b.mode
}

// EngineVersion returns the DuckDB library version.
func (b *Backend) EngineVersion(ctx context.Context) (string, error) {
	var version string
	if err := b.db.QueryRowContext(ctx, "SELECT version()").Scan(&version); err != nil {
		return "", errors.Wrap(err, errors.CodeBackendFailed, "failed to get DuckDB version")
	}
	return version, nil
}

// Close closes the database.
func (b *Backend) Close() error {
	return b.db.Close()
}

// Execute runs spec over source and returns an Arrow table with spec's
// result schema.
func (b *Backend) Execute(ctx context.Context, spec models.QuerySpec, source datasource.Source) (benchmark.Table, error) {
	if source.Empty() {
		return nil, errors.New(errors.CodeDataSourceNotFound, "no parquet files to read")
	}

	// Temporary tables are connection scoped, so every statement of one
	// execution runs on the same connection.
	conn, err := b.db.Conn(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeBackendFailed, "failed to get connection")
	}
	defer conn.Close()

	scan := readParquet(source.Files)
	if err := b.checkSchema(ctx, conn, scan, spec); err != nil {
		return nil, err
	}

	relation := scan
	if b.mode == ModeMaterialize {
		start := time.Now()
		create := fmt.Sprintf("CREATE OR REPLACE TEMP TABLE %s AS SELECT * FROM %s", materializedTable, scan)
		if _, err := conn.ExecContext(ctx, create); err != nil {
			return nil, classify(err, "failed to materialize parquet files")
		}
		defer func() {
			if _, err := conn.ExecContext(context.Background(), "DROP TABLE IF EXISTS "+materializedTable); err != nil {
				b.logger.Warn().Err(err).Msg("Failed to drop materialized table")
			}
		}()
		b.logger.Debug().Dur("duration", time.Since(start)).Msg("Materialized parquet files")
		relation = materializedTable
	}

	query := BuildQuery(spec, relation)
	b.logger.Debug().Str("query", query).Msg("Executing query")

	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, classify(err, "failed to execute query")
	}

	reader, err := converter.NewBatchReader(b.cfg.Allocator, spec.ResultSchema(), rows, b.logger)
	if err != nil {
		return nil, err
	}
	defer reader.Release()
	reader.SetBatchSize(b.cfg.BatchSize)

	table, err := converter.ReadTable(reader)
	if err != nil {
		return nil, classify(err, "failed to read query result")
	}
	return table, nil
}

// checkSchema verifies that every referenced column exists and is numeric.
func (b *Backend) checkSchema(ctx context.Context, conn *sql.Conn, scan string, spec models.QuerySpec) error {
	rows, err := conn.QueryContext(ctx, "SELECT * FROM "+scan+" LIMIT 0")
	if err != nil {
		return classify(err, "failed to read parquet schema")
	}
	defer rows.Close()

	cols, err := rows.ColumnTypes()
	if err != nil {
		return errors.Wrap(err, errors.CodeBackendFailed, "failed to get column types")
	}
	schema := converter.New(b.logger).SchemaFromColumns(cols)

	for _, name := range spec.Columns() {
		idx := schema.FieldIndices(name)
		if len(idx) == 0 {
			return errors.Newf(errors.CodeSchemaMismatch, "column %q not found", name).
				WithDetail("column", name)
		}
		field := schema.Field(idx[0])
		if !converter.IsNumeric(field.Type) {
			dbType := converter.DatabaseTypeName(field)
			return errors.Newf(errors.CodeSchemaMismatch, "column %q has non-numeric type %s", name, dbType).
				WithDetail("column", name).
				WithDetail("type", dbType)
		}
	}
	return nil
}

// BuildQuery renders spec as DuckDB SQL over relation. Keys are truncated
// toward zero before the integer cast so float columns group the same way in
// every backend.
func BuildQuery(spec models.QuerySpec, relation string) string {
	keys := make([]string, len(spec.GroupBy()))
	selects := make([]string, 0, len(keys)+1)
	orders := make([]string, len(keys))
	for i, col := range spec.GroupBy() {
		keys[i] = intExpr(col)
		selects = append(selects, keys[i]+" AS "+quoteIdent(col))
		orders[i] = strconv.Itoa(i+1) + " ASC NULLS LAST"
	}

	agg := spec.Aggregation()
	selects = append(selects, fmt.Sprintf("SUM(CAST(%s AS DOUBLE)) AS %s", quoteIdent(agg.Column), quoteIdent(agg.Alias)))

	pred := spec.Predicate()
	values := make([]string, len(pred.Values))
	for i, v := range pred.Values {
		values[i] = strconv.FormatInt(v, 10)
	}

	return fmt.Sprintf("SELECT %s FROM %s WHERE %s IN (%s) GROUP BY %s ORDER BY %s",
		strings.Join(selects, ", "),
		relation,
		intExpr(pred.Column),
		strings.Join(values, ", "),
		strings.Join(keys, ", "),
		strings.Join(orders, ", "))
}

func intExpr(col string) string {
	return "CAST(trunc(" + quoteIdent(col) + ") AS BIGINT)"
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func readParquet(files []string) string {
	quoted := make([]string, len(files))
	for i, f := range files {
		quoted[i] = quoteLiteral(f)
	}
	return "read_parquet([" + strings.Join(quoted, ", ") + "])"
}

// classify maps engine errors onto benchmark error codes.
func classify(err error, message string) error {
	if _, ok := err.(*errors.BenchError); ok {
		return err
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "No files found"):
		return errors.Wrap(err, errors.CodeDataSourceNotFound, message)
	case strings.Contains(msg, "Binder Error") && strings.Contains(msg, "not found"):
		return errors.Wrap(err, errors.CodeSchemaMismatch, message)
	default:
		return errors.Wrap(err, errors.CodeBackendFailed, message)
	}
}
