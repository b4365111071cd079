package duckdb

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/tripbench/pkg/dataset"
	"github.com/TFMV/tripbench/pkg/datasource"
	"github.com/TFMV/tripbench/pkg/errors"
	"github.com/TFMV/tripbench/pkg/models"
	"github.com/TFMV/tripbench/test/utils"
)

func newBackend(t *testing.T, mode Mode, cfg Config) *Backend {
	t.Helper()
	b, err := New(mode, cfg, zerolog.New(zerolog.NewTestWriter(t)))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func sampleSource(t *testing.T) datasource.Source {
	dir := t.TempDir()
	files := utils.WriteSample(t, afero.NewOsFs(), dir)
	return datasource.Source{Path: dir, Files: files}
}

func TestBackend_Execute(t *testing.T) {
	src := sampleSource(t)

	for _, mode := range []Mode{ModeScan, ModeMaterialize} {
		t.Run(string(mode), func(t *testing.T) {
			mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
			defer mem.AssertSize(t, 0)

			b := newBackend(t, mode, Config{Threads: 2, BatchSize: 2, Allocator: mem})
			assert.Equal(t, "duckdb-"+string(mode), b.Name())

			result, err := b.Execute(context.Background(), models.DefaultTripQuery(), src)
			require.NoError(t, err)
			tbl := result.(arrow.Table)
			defer tbl.Release()

			assert.Equal(t, int64(3), tbl.NumRows())
			assert.Equal(t, int64(3), tbl.NumCols())
			assert.True(t, tbl.Schema().Equal(models.DefaultTripQuery().ResultSchema()))
			utils.RequireRowsEqual(t, utils.SampleExpected(), utils.Rows(t, tbl))
		})
	}
}

func TestBackend_MaterializeIsRepeatable(t *testing.T) {
	src := sampleSource(t)
	b := newBackend(t, ModeMaterialize, Config{})

	for i := 0; i < 2; i++ {
		result, err := b.Execute(context.Background(), models.DefaultTripQuery(), src)
		require.NoError(t, err)
		assert.Equal(t, int64(3), result.NumRows())
		result.(arrow.Table).Release()
	}
}

func TestBackend_NullKeysAndEmptyResult(t *testing.T) {
	dir := t.TempDir()
	files := utils.WriteFiles(t, afero.NewOsFs(), dir, [][]dataset.Trip{{
		{RatecodeID: utils.Int64(2), PULocationID: 7, FareAmount: 1.5},
		{RatecodeID: utils.Int64(2), PULocationID: 7, FareAmount: 2.5},
		{RatecodeID: utils.Int64(5), PULocationID: 7, FareAmount: 100},
		{PULocationID: 7, FareAmount: 9},
		{PULocationID: 8, FareAmount: 1000},
	}})
	src := datasource.Source{Path: dir, Files: files}
	b := newBackend(t, ModeScan, Config{})

	// Grouping by a nullable column puts the null group last.
	spec, err := models.NewQuerySpec(
		models.Predicate{Column: "PULocationID", Values: []int64{7}},
		[]string{"RatecodeID"},
		models.Aggregation{Column: "fare_amount"},
	)
	require.NoError(t, err)

	result, err := b.Execute(context.Background(), spec, src)
	require.NoError(t, err)
	tbl := result.(arrow.Table)
	defer tbl.Release()
	utils.RequireRowsEqual(t, []utils.Row{
		{Keys: []*int64{utils.Int64(2)}, Sum: utils.Float64(4)},
		{Keys: []*int64{utils.Int64(5)}, Sum: utils.Float64(100)},
		{Keys: []*int64{nil}, Sum: utils.Float64(9)},
	}, utils.Rows(t, tbl))

	// No matching rows is an empty table, not an error.
	spec, err = models.NewQuerySpec(
		models.Predicate{Column: "RatecodeID", Values: []int64{42}},
		[]string{"RatecodeID", "PULocationID"},
		models.Aggregation{Column: "fare_amount"},
	)
	require.NoError(t, err)
	result, err = b.Execute(context.Background(), spec, src)
	require.NoError(t, err)
	empty := result.(arrow.Table)
	defer empty.Release()
	assert.Equal(t, int64(0), empty.NumRows())
	assert.Equal(t, int64(3), empty.NumCols())
}

func TestBackend_Errors(t *testing.T) {
	src := sampleSource(t)
	b := newBackend(t, ModeScan, Config{})

	t.Run("missing column", func(t *testing.T) {
		spec, err := models.NewQuerySpec(
			models.Predicate{Column: "RateCode", Values: []int64{2}},
			[]string{"PULocationID"},
			models.Aggregation{Column: "fare_amount"},
		)
		require.NoError(t, err)
		_, err = b.Execute(context.Background(), spec, src)
		require.Error(t, err)
		assert.True(t, errors.IsSchemaMismatch(err))
		assert.Contains(t, err.Error(), "RateCode")
	})

	t.Run("non-numeric column", func(t *testing.T) {
		spec, err := models.NewQuerySpec(
			models.Predicate{Column: "RatecodeID", Values: []int64{2}},
			[]string{"store_and_fwd_flag"},
			models.Aggregation{Column: "fare_amount"},
		)
		require.NoError(t, err)
		_, err = b.Execute(context.Background(), spec, src)
		require.Error(t, err)
		assert.True(t, errors.IsSchemaMismatch(err))
		assert.Contains(t, err.Error(), "VARCHAR")
	})

	t.Run("empty source", func(t *testing.T) {
		_, err := b.Execute(context.Background(), models.DefaultTripQuery(), datasource.Source{Path: "/nowhere"})
		require.Error(t, err)
		assert.True(t, errors.IsDataSourceNotFound(err))
	})

	t.Run("malformed file", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.parquet")
		require.NoError(t, os.WriteFile(bad, []byte("definitely not parquet"), 0o644))
		_, err := b.Execute(context.Background(), models.DefaultTripQuery(), datasource.Source{Path: bad, Files: []string{bad}})
		require.Error(t, err)
		assert.Equal(t, errors.CodeBackendFailed, errors.GetCode(err))
	})
}

func TestBackend_EngineVersion(t *testing.T) {
	b := newBackend(t, ModeScan, Config{})
	version, err := b.EngineVersion(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, version)
}

func TestNew_InvalidMode(t *testing.T) {
	_, err := New(Mode("lazy"), Config{}, zerolog.Nop())
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequest(err))
}

func TestBuildQuery(t *testing.T) {
	got := BuildQuery(models.DefaultTripQuery(), "trips")
	want := `SELECT CAST(trunc("RatecodeID") AS BIGINT) AS "RatecodeID", ` +
		`CAST(trunc("PULocationID") AS BIGINT) AS "PULocationID", ` +
		`SUM(CAST("fare_amount" AS DOUBLE)) AS "fare_amount_sum" ` +
		`FROM trips WHERE CAST(trunc("RatecodeID") AS BIGINT) IN (2, 3) ` +
		`GROUP BY CAST(trunc("RatecodeID") AS BIGINT), CAST(trunc("PULocationID") AS BIGINT) ` +
		`ORDER BY 1 ASC NULLS LAST, 2 ASC NULLS LAST`
	assert.Equal(t, want, got)
}

func TestBuildDSN(t *testing.T) {
	assert.Equal(t, "", buildDSN(Config{}))
	assert.Equal(t, "?memory_limit=2GB&threads=4", buildDSN(Config{Threads: 4, MemoryLimit: "2GB"}))
}

func TestReadParquetQuoting(t *testing.T) {
	assert.Equal(t, `read_parquet(['/a.parquet', '/it''s.parquet'])`, readParquet([]string{"/a.parquet", "/it's.parquet"}))
}

func TestBackend_UnmappedColumnTypes(t *testing.T) {
	b := newBackend(t, ModeScan, Config{})
	path := filepath.Join(t.TempDir(), "nested.parquet")
	_, err := b.db.ExecContext(context.Background(), `COPY (
		SELECT * FROM (VALUES
			(2::BIGINT, 10::BIGINT, 1.5::DOUBLE, [1, 2], {'a': 1}),
			(1::BIGINT, 10::BIGINT, 9.0::DOUBLE, [3], {'a': 2})
		) t(RatecodeID, PULocationID, fare_amount, tags, extra)
	) TO '`+path+`' (FORMAT PARQUET)`)
	require.NoError(t, err)

	result, err := b.Execute(context.Background(), models.DefaultTripQuery(), datasource.Source{Path: path, Files: []string{path}})
	require.NoError(t, err)
	tbl := result.(arrow.Table)
	defer tbl.Release()

	assert.Equal(t, int64(1), tbl.NumRows())

	spec, err := models.NewQuerySpec(
		models.Predicate{Column: "RatecodeID", Values: []int64{2}},
		[]string{"tags"},
		models.Aggregation{Column: "fare_amount"},
	)
	require.NoError(t, err)
	_, err = b.Execute(context.Background(), spec, datasource.Source{Path: path, Files: []string{path}})
	require.Error(t, err)
	assert.True(t, errors.IsSchemaMismatch(err))
}
