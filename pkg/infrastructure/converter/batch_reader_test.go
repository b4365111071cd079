package converter

import (
	"context"
	"database/sql"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/tripbench/pkg/errors"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

var resultSchema = arrow.NewSchema([]arrow.Field{
	{Name: "k", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	{Name: "v", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
}, nil)

// readCounting drains reader like ReadTable while recording batch sizes.
func readCounting(reader array.RecordReader, batches *[]int64) (arrow.Table, error) {
	return ReadTable(&countingReader{RecordReader: reader, batches: batches})
}

type countingReader struct {
	array.RecordReader
	batches *[]int64
}

func (c *countingReader) Next() bool {
	if !c.RecordReader.Next() {
		return false
	}
	*c.batches = append(*c.batches, c.Record().NumRows())
	return true
}

func TestBatchReader(t *testing.T) {
	db := openDB(t)
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	rows, err := db.QueryContext(context.Background(), `
		SELECT * FROM (VALUES
			(1::BIGINT, 2.5::DOUBLE),
			(NULL, NULL),
			(3::BIGINT, 4.0::DOUBLE)
		) t(k, v)`)
	require.NoError(t, err)

	reader, err := NewBatchReader(mem, resultSchema, rows, zerolog.New(zerolog.NewTestWriter(t)))
	require.NoError(t, err)
	defer reader.Release()
	reader.SetBatchSize(2)
	assert.True(t, reader.Schema().Equal(resultSchema))

	var batches []int64
	tbl, err := readCounting(reader, &batches)
	require.NoError(t, err)
	defer tbl.Release()

	assert.Equal(t, []int64{2, 1}, batches)
	require.Equal(t, int64(3), tbl.NumRows())

	keys := tbl.Column(0).Data().Chunk(0).(*array.Int64)
	values := tbl.Column(1).Data().Chunk(0).(*array.Float64)
	assert.Equal(t, int64(1), keys.Value(0))
	assert.True(t, keys.IsNull(1))
	assert.Equal(t, 2.5, values.Value(0))
	assert.True(t, values.IsNull(1))
}

func TestBatchReader_EmptyResult(t *testing.T) {
	db := openDB(t)

	rows, err := db.QueryContext(context.Background(), `SELECT 1::BIGINT AS k, 1.0::DOUBLE AS v WHERE false`)
	require.NoError(t, err)

	reader, err := NewBatchReader(memory.NewGoAllocator(), resultSchema, rows, zerolog.Nop())
	require.NoError(t, err)
	defer reader.Release()

	tbl, err := ReadTable(reader)
	require.NoError(t, err)
	defer tbl.Release()

	assert.Equal(t, int64(0), tbl.NumRows())
	assert.Equal(t, int64(2), tbl.NumCols())
	assert.False(t, reader.Next())
	assert.NoError(t, reader.Err())
}

func TestBatchReader_UnsupportedField(t *testing.T) {
	db := openDB(t)

	rows, err := db.QueryContext(context.Background(), `SELECT 'a' AS s`)
	require.NoError(t, err)

	schema := arrow.NewSchema([]arrow.Field{{Name: "s", Type: arrow.BinaryTypes.String, Nullable: true}}, nil)
	_, err = NewBatchReader(memory.NewGoAllocator(), schema, rows, zerolog.Nop())
	require.Error(t, err)
	assert.Equal(t, errors.CodeInternal, errors.GetCode(err))
	assert.Contains(t, err.Error(), `column "s"`)
}

func TestBatchReader_ScanError(t *testing.T) {
	db := openDB(t)

	rows, err := db.QueryContext(context.Background(), `SELECT 'not a number' AS k, 1.0::DOUBLE AS v`)
	require.NoError(t, err)

	reader, err := NewBatchReader(memory.NewGoAllocator(), resultSchema, rows, zerolog.Nop())
	require.NoError(t, err)
	defer reader.Release()

	_, err = ReadTable(reader)
	require.Error(t, err)
	assert.Equal(t, errors.CodeBackendFailed, errors.GetCode(err))
}
