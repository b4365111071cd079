package converter

import (
	"database/sql"
	"sync/atomic"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"

	"github.com/TFMV/tripbench/pkg/errors"
)

// DefaultBatchSize is the number of rows per record batch.
const DefaultBatchSize = 1024

// BatchReader reads SQL rows and converts them to Arrow record batches. It
// implements array.RecordReader.
type BatchReader struct {
	refCount  atomic.Int64
	schema    *arrow.Schema
	rows      *sql.Rows
	record    arrow.Record
	builder   *array.RecordBuilder
	err       error
	rowDest   []any
	logger    zerolog.Logger
	batchSize int
}

// NewBatchReader creates a batch reader that scans rows into schema. The
// column order of rows must match the schema, and every field must be Int64
// or Float64. The reader owns rows and closes them on release.
func NewBatchReader(allocator memory.Allocator, schema *arrow.Schema, rows *sql.Rows, logger zerolog.Logger) (*BatchReader, error) {
	if allocator == nil {
		allocator = memory.DefaultAllocator
	}

	rowDest := make([]any, schema.NumFields())
	for i, field := range schema.Fields() {
		dest, err := createScanDest(field)
		if err != nil {
			rows.Close()
			return nil, err
		}
		rowDest[i] = dest
	}

	r := &BatchReader{
		schema:    schema,
		rows:      rows,
		builder:   array.NewRecordBuilder(allocator, schema),
		rowDest:   rowDest,
		logger:    logger,
		batchSize: DefaultBatchSize,
	}
	r.refCount.Store(1)

	return r, nil
}

// SetBatchSize sets the number of rows to read per batch.
func (r *BatchReader) SetBatchSize(size int) {
	if size > 0 {
		r.batchSize = size
	}
}

// Schema returns the Arrow schema.
func (r *BatchReader) Schema() *arrow.Schema {
	return r.schema
}

// Retain increases the reference count.
func (r *BatchReader) Retain() {
	r.refCount.Add(1)
}

// Release decreases the reference count and cleans up when it reaches 0.
func (r *BatchReader) Release() {
	if r.refCount.Add(-1) == 0 {
		r.cleanup()
	}
}

func (r *BatchReader) cleanup() {
	if r.rows != nil {
		r.rows.Close()
		r.rows = nil
	}
	if r.record != nil {
		r.record.Release()
		r.record = nil
	}
	if r.builder != nil {
		r.builder.Release()
		r.builder = nil
	}
}

// Record returns the current record batch. It is valid until the next call
// to Next.
func (r *BatchReader) Record() arrow.Record {
	return r.record
}

// Err returns any error that occurred during reading.
func (r *BatchReader) Err() error {
	return r.err
}

// Next reads the next batch of rows.
func (r *BatchReader) Next() bool {
	if r.record != nil {
		r.record.Release()
		r.record = nil
	}
	if r.rows == nil || r.err != nil {
		return false
	}

	rows := 0
	start := time.Now()

	for rows < r.batchSize && r.rows.Next() {
		if err := r.rows.Scan(r.rowDest...); err != nil {
			r.err = errors.Wrap(err, errors.CodeBackendFailed, "failed to scan row")
			return false
		}
		for i, dest := range r.rowDest {
			if err := appendValue(r.builder.Field(i), dest); err != nil {
				r.err = errors.Wrapf(err, errors.CodeInternal, "failed to append value for column %q", r.schema.Field(i).Name)
				return false
			}
		}
		rows++
	}

	if err := r.rows.Err(); err != nil {
		r.err = errors.Wrap(err, errors.CodeBackendFailed, "rows iteration error")
		return false
	}

	if rows == 0 {
		return false
	}

	r.record = r.builder.NewRecord()
	r.logger.Debug().
		Int("rows", rows).
		Dur("duration", time.Since(start)).
		Msg("Read batch")
	return true
}

// ReadTable drains reader into a table. The caller owns the returned table.
func ReadTable(reader array.RecordReader) (arrow.Table, error) {
	var records []arrow.Record
	defer func() {
		for _, rec := range records {
			rec.Release()
		}
	}()

	for reader.Next() {
		rec := reader.Record()
		rec.Retain()
		records = append(records, rec)
	}
	if err := reader.Err(); err != nil {
		return nil, err
	}

	return array.NewTableFromRecords(reader.Schema(), records), nil
}

// createScanDest creates a nullable scan destination for the field's type.
func createScanDest(field arrow.Field) (any, error) {
	switch field.Type.ID() {
	case arrow.INT64:
		return &sql.NullInt64{}, nil
	case arrow.FLOAT64:
		return &sql.NullFloat64{}, nil
	}
	return nil, errors.Newf(errors.CodeInternal, "cannot scan column %q into %s", field.Name, field.Type)
}

// appendValue appends a scanned value to the builder.
func appendValue(fb array.Builder, value any) error {
	switch v := value.(type) {
	case *sql.NullInt64:
		b, ok := fb.(*array.Int64Builder)
		if !ok {
			return unexpectedBuilder(fb, value)
		}
		if !v.Valid {
			b.AppendNull()
			return nil
		}
		b.Append(v.Int64)

	case *sql.NullFloat64:
		b, ok := fb.(*array.Float64Builder)
		if !ok {
			return unexpectedBuilder(fb, value)
		}
		if !v.Valid {
			b.AppendNull()
			return nil
		}
		b.Append(v.Float64)

	default:
		return errors.Newf(errors.CodeInternal, "unsupported scan type: %T", value)
	}

	return nil
}

func unexpectedBuilder(fb array.Builder, value any) error {
	return errors.Newf(errors.CodeInternal, "unexpected builder %T for scanned %T", fb, value)
}
