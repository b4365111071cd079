package columnar

import (
	"context"
	"encoding/binary"
	"math"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	arrowmem "github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/TFMV/tripbench/pkg/errors"
	"github.com/TFMV/tripbench/pkg/models"
)

// intReader returns the value at row i truncated toward zero. ok is false
// for nulls and for values with no int64 representation.
type intReader func(i int) (v int64, ok bool)

// floatReader returns the value at row i as a float64. ok is false for nulls.
type floatReader func(i int) (v float64, ok bool)

type keyPart struct {
	value int64
	valid bool
}

type group struct {
	keys []keyPart
	sum  float64
	// valid is false until a non-null value is summed.
	valid bool
}

// aggregator filters record batches with the query predicate and sums the
// aggregate column per group.
type aggregator struct {
	mem       arrowmem.Allocator
	predicate string
	groupBy   []string
	value     string
	matches   func(int64) bool

	groups map[string]*group
	parts  []keyPart
	buf    []byte

	scanned int64
	matched int64
}

func newAggregator(mem arrowmem.Allocator, spec models.QuerySpec) *aggregator {
	groupBy := spec.GroupBy()
	return &aggregator{
		mem:       mem,
		predicate: spec.Predicate().Column,
		groupBy:   groupBy,
		value:     spec.Aggregation().Column,
		matches:   spec.Matches,
		groups:    make(map[string]*group),
		parts:     make([]keyPart, len(groupBy)),
	}
}

// Consume filters rec and folds the matching rows into the groups. rec is
// not retained.
func (a *aggregator) Consume(ctx context.Context, rec arrow.Record) error {
	n := int(rec.NumRows())
	if n == 0 {
		return nil
	}
	a.scanned += int64(n)

	col, err := column(rec, a.predicate)
	if err != nil {
		return err
	}
	pred, err := intColumn(col)
	if err != nil {
		return err
	}

	mask := a.mask(pred, n)
	defer mask.Release()

	filtered, err := compute.FilterRecordBatch(ctx, rec, mask, compute.DefaultFilterOptions())
	if err != nil {
		return errors.Wrap(err, errors.CodeBackendFailed, "failed to filter record batch")
	}
	defer filtered.Release()

	return a.accumulate(filtered)
}

func (a *aggregator) mask(pred intReader, n int) arrow.Array {
	b := array.NewBooleanBuilder(a.mem)
	defer b.Release()
	b.Reserve(n)
	for i := 0; i < n; i++ {
		v, ok := pred(i)
		b.UnsafeAppend(ok && a.matches(v))
	}
	return b.NewArray()
}

func (a *aggregator) accumulate(rec arrow.Record) error {
	n := int(rec.NumRows())
	if n == 0 {
		return nil
	}
	a.matched += int64(n)

	keys := make([]intReader, len(a.groupBy))
	for k, name := range a.groupBy {
		col, err := column(rec, name)
		if err != nil {
			return err
		}
		if keys[k], err = intColumn(col); err != nil {
			return err
		}
	}
	col, err := column(rec, a.value)
	if err != nil {
		return err
	}
	values, err := floatColumn(col)
	if err != nil {
		return err
	}

	for i := 0; i < n; i++ {
		a.buf = a.buf[:0]
		for k, read := range keys {
			v, ok := read(i)
			a.parts[k] = keyPart{value: v, valid: ok}
			a.buf = appendKey(a.buf, v, ok)
		}

		g, ok := a.groups[string(a.buf)]
		if !ok {
			g = &group{keys: append([]keyPart(nil), a.parts...)}
			a.groups[string(a.buf)] = g
		}
		if v, ok := values(i); ok {
			g.sum += v
			g.valid = true
		}
	}
	return nil
}

// Table returns the groups sorted by key, nulls last, as a single-chunk table.
func (a *aggregator) Table(schema *arrow.Schema) arrow.Table {
	groups := make([]*group, 0, len(a.groups))
	for _, g := range a.groups {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool {
		return lessKeys(groups[i].keys, groups[j].keys)
	})

	b := array.NewRecordBuilder(a.mem, schema)
	defer b.Release()
	b.Reserve(len(groups))

	nkeys := len(a.groupBy)
	for _, g := range groups {
		for k, part := range g.keys {
			kb := b.Field(k).(*array.Int64Builder)
			if part.valid {
				kb.Append(part.value)
			} else {
				kb.AppendNull()
			}
		}
		sb := b.Field(nkeys).(*array.Float64Builder)
		if g.valid {
			sb.Append(g.sum)
		} else {
			sb.AppendNull()
		}
	}

	rec := b.NewRecord()
	defer rec.Release()
	return array.NewTableFromRecords(schema, []arrow.Record{rec})
}

func lessKeys(a, b []keyPart) bool {
	for k := range a {
		if a[k].valid != b[k].valid {
			return a[k].valid
		}
		if a[k].valid && a[k].value != b[k].value {
			return a[k].value < b[k].value
		}
	}
	return false
}

func appendKey(buf []byte, v int64, ok bool) []byte {
	if !ok {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	return binary.LittleEndian.AppendUint64(buf, uint64(v))
}

func column(rec arrow.Record, name string) (arrow.Array, error) {
	idx := rec.Schema().FieldIndices(name)
	if len(idx) == 0 {
		return nil, errors.Newf(errors.CodeSchemaMismatch, "column %q not found in record batch", name).
			WithDetail("column", name)
	}
	return rec.Column(idx[0]), nil
}

// truncate converts f to an int64 toward zero. NaN, infinities and values
// outside the int64 range have no representation.
func truncate(f float64, valid bool) (int64, bool) {
	if !valid || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	t := math.Trunc(f)
	if t < math.MinInt64 || t >= math.MaxInt64 {
		return 0, false
	}
	return int64(t), true
}

func intColumn(arr arrow.Array) (intReader, error) {
	switch a := arr.(type) {
	case *array.Int8:
		return func(i int) (int64, bool) { return int64(a.Value(i)), a.IsValid(i) }, nil
	case *array.Int16:
		return func(i int) (int64, bool) { return int64(a.Value(i)), a.IsValid(i) }, nil
	case *array.Int32:
		return func(i int) (int64, bool) { return int64(a.Value(i)), a.IsValid(i) }, nil
	case *array.Int64:
		return func(i int) (int64, bool) { return a.Value(i), a.IsValid(i) }, nil
	case *array.Uint8:
		return func(i int) (int64, bool) { return int64(a.Value(i)), a.IsValid(i) }, nil
	case *array.Uint16:
		return func(i int) (int64, bool) { return int64(a.Value(i)), a.IsValid(i) }, nil
	case *array.Uint32:
		return func(i int) (int64, bool) { return int64(a.Value(i)), a.IsValid(i) }, nil
	case *array.Uint64:
		return func(i int) (int64, bool) {
			v := a.Value(i)
			return int64(v), a.IsValid(i) && v <= math.MaxInt64
		}, nil
	case *array.Float16:
		return func(i int) (int64, bool) { return truncate(float64(a.Value(i).Float32()), a.IsValid(i)) }, nil
	case *array.Float32:
		return func(i int) (int64, bool) { return truncate(float64(a.Value(i)), a.IsValid(i)) }, nil
	case *array.Float64:
		return func(i int) (int64, bool) { return truncate(a.Value(i), a.IsValid(i)) }, nil
	case *array.Decimal128:
		scale := a.DataType().(*arrow.Decimal128Type).Scale
		return func(i int) (int64, bool) { return truncate(a.Value(i).ToFloat64(scale), a.IsValid(i)) }, nil
	case *array.Decimal256:
		scale := a.DataType().(*arrow.Decimal256Type).Scale
		return func(i int) (int64, bool) { return truncate(a.Value(i).ToFloat64(scale), a.IsValid(i)) }, nil
	}
	return nil, errors.Newf(errors.CodeSchemaMismatch, "cannot read %s as an integer key", arr.DataType())
}

func floatColumn(arr arrow.Array) (floatReader, error) {
	switch a := arr.(type) {
	case *array.Int8:
		return func(i int) (float64, bool) { return float64(a.Value(i)), a.IsValid(i) }, nil
	case *array.Int16:
		return func(i int) (float64, bool) { return float64(a.Value(i)), a.IsValid(i) }, nil
	case *array.Int32:
		return func(i int) (float64, bool) { return float64(a.Value(i)), a.IsValid(i) }, nil
	case *array.Int64:
		return func(i int) (float64, bool) { return float64(a.Value(i)), a.IsValid(i) }, nil
	case *array.Uint8:
		return func(i int) (float64, bool) { return float64(a.Value(i)), a.IsValid(i) }, nil
	case *array.Uint16:
		return func(i int) (float64, bool) { return float64(a.Value(i)), a.IsValid(i) }, nil
	case *array.Uint32:
		return func(i int) (float64, bool) { return float64(a.Value(i)), a.IsValid(i) }, nil
	case *array.Uint64:
		return func(i int) (float64, bool) { return float64(a.Value(i)), a.IsValid(i) }, nil
	case *array.Float16:
		return func(i int) (float64, bool) { return float64(a.Value(i).Float32()), a.IsValid(i) }, nil
	case *array.Float32:
		return func(i int) (float64, bool) { return float64(a.Value(i)), a.IsValid(i) }, nil
	case *array.Float64:
		return func(i int) (float64, bool) { return a.Value(i), a.IsValid(i) }, nil
	case *array.Decimal128:
		scale := a.DataType().(*arrow.Decimal128Type).Scale
		return func(i int) (float64, bool) { return a.Value(i).ToFloat64(scale), a.IsValid(i) }, nil
	case *array.Decimal256:
		scale := a.DataType().(*arrow.Decimal256Type).Scale
		return func(i int) (float64, bool) { return a.Value(i).ToFloat64(scale), a.IsValid(i) }, nil
	}
	return nil, errors.Newf(errors.CodeSchemaMismatch, "cannot sum values of type %s", arr.DataType())
}
