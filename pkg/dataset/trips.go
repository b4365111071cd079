// Package dataset writes NYC TLC yellow-taxi trip records as Parquet.
package dataset

import (
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
)

// DefaultRowGroupSize is the maximum number of rows per Parquet row group.
const DefaultRowGroupSize = 64 * 1024

// Trip is one yellow-taxi trip record. Pointer fields are nullable.
type Trip struct {
	VendorID             int32
	PickupDatetime       time.Time
	DropoffDatetime      time.Time
	PassengerCount       *int64
	TripDistance         float64
	RatecodeID           *int64
	StoreAndFwdFlag      *string
	PULocationID         int32
	DOLocationID         int32
	PaymentType          int64
	FareAmount           float64
	Extra                float64
	MtaTax               float64
	TipAmount            float64
	TollsAmount          float64
	ImprovementSurcharge float64
	TotalAmount          float64
	CongestionSurcharge  *float64
	AirportFee           *float64
}

var timestampUS = &arrow.TimestampType{Unit: arrow.Microsecond}

// TripSchema is the Arrow schema of the published 2024 yellow-taxi files.
var TripSchema = arrow.NewSchema([]arrow.Field{
	{Name: "VendorID", Type: arrow.PrimitiveTypes.Int32},
	{Name: "tpep_pickup_datetime", Type: timestampUS},
	{Name: "tpep_dropoff_datetime", Type: timestampUS},
	{Name: "passenger_count", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	{Name: "trip_distance", Type: arrow.PrimitiveTypes.Float64},
	{Name: "RatecodeID", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	{Name: "store_and_fwd_flag", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "PULocationID", Type: arrow.PrimitiveTypes.Int32},
	{Name: "DOLocationID", Type: arrow.PrimitiveTypes.Int32},
	{Name: "payment_type", Type: arrow.PrimitiveTypes.Int64},
	{Name: "fare_amount", Type: arrow.PrimitiveTypes.Float64},
	{Name: "extra", Type: arrow.PrimitiveTypes.Float64},
	{Name: "mta_tax", Type: arrow.PrimitiveTypes.Float64},
	{Name: "tip_amount", Type: arrow.PrimitiveTypes.Float64},
	{Name: "tolls_amount", Type: arrow.PrimitiveTypes.Float64},
	{Name: "improvement_surcharge", Type: arrow.PrimitiveTypes.Float64},
	{Name: "total_amount", Type: arrow.PrimitiveTypes.Float64},
	{Name: "congestion_surcharge", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "Airport_fee", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
}, nil)

// WriteOptions controls the Parquet layout.
type WriteOptions struct {
	RowGroupSize int64
	Allocator    memory.Allocator
}

// WriteTrips writes trips to w as a single Snappy-compressed Parquet file. w
// is not closed.
func WriteTrips(w io.Writer, trips []Trip, opts WriteOptions) error {
	if opts.RowGroupSize <= 0 {
		opts.RowGroupSize = DefaultRowGroupSize
	}
	if opts.Allocator == nil {
		opts.Allocator = memory.DefaultAllocator
	}

	rec := BuildRecord(opts.Allocator, trips)
	defer rec.Release()

	props := parquet.NewWriterProperties(
		parquet.WithAllocator(opts.Allocator),
		parquet.WithCompression(compress.Codecs.Snappy),
		parquet.WithMaxRowGroupLength(opts.RowGroupSize),
	)
	fw, err := pqarrow.NewFileWriter(TripSchema, writerOnly{w}, props, pqarrow.NewArrowWriterProperties(
		pqarrow.WithStoreSchema(),
		pqarrow.WithAllocator(opts.Allocator),
	))
	if err != nil {
		return fmt.Errorf("failed to create parquet writer: %w", err)
	}
	if err := fw.Write(rec); err != nil {
		fw.Close()
		return fmt.Errorf("failed to write trips: %w", err)
	}
	return fw.Close()
}

// writerOnly hides Close from the parquet writer so the caller keeps
// ownership of the underlying file.
type writerOnly struct{ io.Writer }

// BuildRecord converts trips to a record with TripSchema.
func BuildRecord(mem memory.Allocator, trips []Trip) arrow.Record {
	b := array.NewRecordBuilder(mem, TripSchema)
	defer b.Release()
	b.Reserve(len(trips))

	for _, t := range trips {
		b.Field(0).(*array.Int32Builder).Append(t.VendorID)
		b.Field(1).(*array.TimestampBuilder).Append(arrow.Timestamp(t.PickupDatetime.UnixMicro()))
		b.Field(2).(*array.TimestampBuilder).Append(arrow.Timestamp(t.DropoffDatetime.UnixMicro()))
		appendInt64(b.Field(3).(*array.Int64Builder), t.PassengerCount)
		b.Field(4).(*array.Float64Builder).Append(t.TripDistance)
		appendInt64(b.Field(5).(*array.Int64Builder), t.RatecodeID)
		if t.StoreAndFwdFlag != nil {
			b.Field(6).(*array.StringBuilder).Append(*t.StoreAndFwdFlag)
		} else {
			b.Field(6).AppendNull()
		}
		b.Field(7).(*array.Int32Builder).Append(t.PULocationID)
		b.Field(8).(*array.Int32Builder).Append(t.DOLocationID)
		b.Field(9).(*array.Int64Builder).Append(t.PaymentType)
		b.Field(10).(*array.Float64Builder).Append(t.FareAmount)
		b.Field(11).(*array.Float64Builder).Append(t.Extra)
		b.Field(12).(*array.Float64Builder).Append(t.MtaTax)
		b.Field(13).(*array.Float64Builder).Append(t.TipAmount)
		b.Field(14).(*array.Float64Builder).Append(t.TollsAmount)
		b.Field(15).(*array.Float64Builder).Append(t.ImprovementSurcharge)
		b.Field(16).(*array.Float64Builder).Append(t.TotalAmount)
		appendFloat64(b.Field(17).(*array.Float64Builder), t.CongestionSurcharge)
		appendFloat64(b.Field(18).(*array.Float64Builder), t.AirportFee)
	}

	return b.NewRecord()
}

func appendInt64(b *array.Int64Builder, v *int64) {
	if v == nil {
		b.AppendNull()
		return
	}
	b.Append(*v)
}

func appendFloat64(b *array.Float64Builder, v *float64) {
	if v == nil {
		b.AppendNull()
		return
	}
	b.Append(*v)
}
