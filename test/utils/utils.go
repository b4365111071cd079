// Package utils holds trip fixtures and result helpers shared by backend and
// CLI tests.
package utils

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/tripbench/pkg/dataset"
)

// Row is one result row: group keys (nil for null) and the summed value.
type Row struct {
	Keys []*int64
	Sum  *float64
}

// String renders the row for assertion messages.
func (r Row) String() string {
	s := "("
	for i, k := range r.Keys {
		if i > 0 {
			s += ", "
		}
		if k == nil {
			s += "null"
		} else {
			s += fmt.Sprint(*k)
		}
	}
	if r.Sum == nil {
		return s + ") -> null"
	}
	return fmt.Sprintf("%s) -> %g", s, *r.Sum)
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }

// Float64 returns a pointer to v.
func Float64(v float64) *float64 { return &v }

func trip(ratecode *int64, pu int32, fare float64) dataset.Trip {
	pickup := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	return dataset.Trip{
		VendorID:        1,
		PickupDatetime:  pickup,
		DropoffDatetime: pickup.Add(15 * time.Minute),
		RatecodeID:      ratecode,
		PULocationID:    pu,
		DOLocationID:    1,
		PaymentType:     1,
		FareAmount:      fare,
		TotalAmount:     fare,
	}
}

// SampleFiles returns two small files of trips whose expected aggregate is
// SampleExpected.
func SampleFiles() [][]dataset.Trip {
	return [][]dataset.Trip{
		{
			trip(Int64(2), 132, 70),
			trip(Int64(2), 132, 70),
			trip(Int64(3), 1, 50.5),
			trip(Int64(1), 132, 10),
			trip(nil, 5, 7),
			trip(Int64(99), 1, 3),
		},
		{
			trip(Int64(2), 138, 70),
			trip(Int64(3), 1, 25.25),
			trip(Int64(4), 138, 12),
		},
	}
}

// SampleExpected is the default trip query over SampleFiles, in key order.
func SampleExpected() []Row {
	return []Row{
		{Keys: []*int64{Int64(2), Int64(132)}, Sum: Float64(140)},
		{Keys: []*int64{Int64(2), Int64(138)}, Sum: Float64(70)},
		{Keys: []*int64{Int64(3), Int64(1)}, Sum: Float64(75.75)},
	}
}

// WriteFiles writes each slice of trips as one Parquet file in dir and
// returns the paths in order.
func WriteFiles(t testing.TB, fs afero.Fs, dir string, files [][]dataset.Trip) []string {
	t.Helper()
	require.NoError(t, fs.MkdirAll(dir, 0o755))

	paths := make([]string, len(files))
	for i, trips := range files {
		paths[i] = filepath.Join(dir, fmt.Sprintf("part-%02d.parquet", i))
		f, err := fs.Create(paths[i])
		require.NoError(t, err)
		require.NoError(t, dataset.WriteTrips(f, trips, dataset.WriteOptions{RowGroupSize: 4}))
		require.NoError(t, f.Close())
	}
	return paths
}

// WriteSample writes SampleFiles into dir.
func WriteSample(t testing.TB, fs afero.Fs, dir string) []string {
	return WriteFiles(t, fs, dir, SampleFiles())
}

// Rows extracts every row of a result table whose leading columns are Int64
// keys and whose last column is the Float64 sum.
func Rows(t testing.TB, tbl arrow.Table) []Row {
	t.Helper()
	nkeys := int(tbl.NumCols()) - 1
	require.GreaterOrEqual(t, nkeys, 1)

	reader := array.NewTableReader(tbl, 1024)
	defer reader.Release()

	var rows []Row
	for reader.Next() {
		rec := reader.Record()
		for i := 0; i < int(rec.NumRows()); i++ {
			row := Row{Keys: make([]*int64, nkeys)}
			for k := 0; k < nkeys; k++ {
				col, ok := rec.Column(k).(*array.Int64)
				require.True(t, ok, "key column %d is %s", k, rec.Column(k).DataType())
				if col.IsValid(i) {
					row.Keys[k] = Int64(col.Value(i))
				}
			}
			sums, ok := rec.Column(nkeys).(*array.Float64)
			require.True(t, ok, "sum column is %s", rec.Column(nkeys).DataType())
			if sums.IsValid(i) {
				row.Sum = Float64(sums.Value(i))
			}
			rows = append(rows, row)
		}
	}
	require.NoError(t, reader.Err())
	return rows
}

// RequireRowsEqual compares rows with a tolerance on the sums.
func RequireRowsEqual(t testing.TB, want, got []Row) {
	t.Helper()
	require.Equal(t, len(want), len(got), "want %v, got %v", want, got)
	for i := range want {
		require.Equal(t, want[i].Keys, got[i].Keys, "row %d: want %s, got %s", i, want[i], got[i])
		if want[i].Sum == nil {
			require.Nil(t, got[i].Sum, "row %d", i)
			continue
		}
		require.NotNil(t, got[i].Sum, "row %d", i)
		require.InDelta(t, *want[i].Sum, *got[i].Sum, 1e-6, "row %d", i)
	}
}
