// Package models provides data structures shared by the benchmark harness and
// its backends.
package models

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/TFMV/tripbench/pkg/errors"
)

// ReducerSum is the only supported aggregation reducer.
const ReducerSum = "sum"

// Predicate keeps rows whose column value is one of Values.
type Predicate struct {
	Column string  `json:"column"`
	Values []int64 `json:"values"`
}

// Aggregation reduces Column with Reducer and names the output Alias.
type Aggregation struct {
	Column  string `json:"column"`
	Reducer string `json:"reducer"`
	Alias   string `json:"alias"`
}

// QuerySpec describes the fixed filter, group and aggregate query every
// backend runs. It is immutable once constructed; accessors return copies.
type QuerySpec struct {
	predicate   Predicate
	groupBy     []string
	aggregation Aggregation
}

// NewQuerySpec validates its inputs and returns an immutable QuerySpec. An
// empty reducer defaults to sum and an empty alias to "<column>_sum".
func NewQuerySpec(predicate Predicate, groupBy []string, aggregation Aggregation) (QuerySpec, error) {
	if aggregation.Reducer == "" {
		aggregation.Reducer = ReducerSum
	}
	aggregation.Reducer = strings.ToLower(aggregation.Reducer)
	if aggregation.Alias == "" && aggregation.Column != "" {
		aggregation.Alias = aggregation.Column + "_" + aggregation.Reducer
	}

	spec := QuerySpec{
		predicate: Predicate{
			Column: predicate.Column,
			Values: append([]int64(nil), predicate.Values...),
		},
		groupBy:     append([]string(nil), groupBy...),
		aggregation: aggregation,
	}

	if err := spec.validate(); err != nil {
		return QuerySpec{}, err
	}
	return spec, nil
}

// DefaultTripQuery is the query of the original trip-record comparison:
// RatecodeID in (2, 3), grouped by RatecodeID and PULocationID, summing
// fare_amount.
func DefaultTripQuery() QuerySpec {
	spec, err := NewQuerySpec(
		Predicate{Column: "RatecodeID", Values: []int64{2, 3}},
		[]string{"RatecodeID", "PULocationID"},
		Aggregation{Column: "fare_amount", Reducer: ReducerSum},
	)
	if err != nil {
		panic(fmt.Errorf("default trip query is invalid: %w", err))
	}
	return spec
}

func (q QuerySpec) validate() error {
	if q.predicate.Column == "" {
		return errors.New(errors.CodeInvalidRequest, "predicate column is required")
	}
	if len(q.predicate.Values) == 0 {
		return errors.New(errors.CodeInvalidRequest, "predicate requires at least one value")
	}
	if len(q.groupBy) == 0 {
		return errors.New(errors.CodeInvalidRequest, "at least one group-by column is required")
	}
	seen := make(map[string]struct{}, len(q.groupBy))
	for _, col := range q.groupBy {
		if col == "" {
			return errors.New(errors.CodeInvalidRequest, "group-by column names must not be empty")
		}
		if _, dup := seen[col]; dup {
			return errors.Newf(errors.CodeInvalidRequest, "duplicate group-by column %q", col)
		}
		seen[col] = struct{}{}
	}
	if q.aggregation.Column == "" {
		return errors.New(errors.CodeInvalidRequest, "aggregate column is required")
	}
	if q.aggregation.Reducer != ReducerSum {
		return errors.Newf(errors.CodeInvalidRequest, "unsupported reducer %q", q.aggregation.Reducer)
	}
	if _, clash := seen[q.aggregation.Alias]; clash {
		return errors.Newf(errors.CodeInvalidRequest, "aggregate alias %q collides with a group-by column", q.aggregation.Alias)
	}
	return nil
}

// Predicate returns a copy of the filter predicate.
func (q QuerySpec) Predicate() Predicate {
	return Predicate{
		Column: q.predicate.Column,
		Values: append([]int64(nil), q.predicate.Values...),
	}
}

// GroupBy returns a copy of the ordered group-by columns.
func (q QuerySpec) GroupBy() []string {
	return append([]string(nil), q.groupBy...)
}

// Aggregation returns the aggregation.
func (q QuerySpec) Aggregation() Aggregation {
	return q.aggregation
}

// Columns returns the distinct columns the query reads, in first-use order:
// group-by columns, then the predicate column, then the aggregate column.
func (q QuerySpec) Columns() []string {
	cols := make([]string, 0, len(q.groupBy)+2)
	seen := make(map[string]struct{}, cap(cols))
	add := func(c string) {
		if _, ok := seen[c]; ok {
			return
		}
		seen[c] = struct{}{}
		cols = append(cols, c)
	}
	for _, c := range q.groupBy {
		add(c)
	}
	add(q.predicate.Column)
	add(q.aggregation.Column)
	return cols
}

// Matches reports whether v is one of the predicate values.
func (q QuerySpec) Matches(v int64) bool {
	for _, allowed := range q.predicate.Values {
		if allowed == v {
			return true
		}
	}
	return false
}

// ResultSchema is the schema every backend returns: one nullable Int64 column
// per group-by column followed by the Float64 aggregate.
func (q QuerySpec) ResultSchema() *arrow.Schema {
	fields := make([]arrow.Field, 0, len(q.groupBy)+1)
	for _, col := range q.groupBy {
		fields = append(fields, arrow.Field{Name: col, Type: arrow.PrimitiveTypes.Int64, Nullable: true})
	}
	fields = append(fields, arrow.Field{Name: q.aggregation.Alias, Type: arrow.PrimitiveTypes.Float64, Nullable: true})
	return arrow.NewSchema(fields, nil)
}

// String renders the query in SQL-like form for logs and reports.
func (q QuerySpec) String() string {
	values := make([]string, len(q.predicate.Values))
	for i, v := range q.predicate.Values {
		values[i] = fmt.Sprintf("%d", v)
	}
	return fmt.Sprintf("%s(%s) AS %s WHERE %s IN (%s) GROUP BY %s",
		q.aggregation.Reducer, q.aggregation.Column, q.aggregation.Alias,
		q.predicate.Column, strings.Join(values, ", "),
		strings.Join(q.groupBy, ", "))
}

type querySpecJSON struct {
	Predicate   Predicate   `json:"predicate"`
	GroupBy     []string    `json:"group_by"`
	Aggregation Aggregation `json:"aggregation"`
}

// MarshalJSON implements json.Marshaler.
func (q QuerySpec) MarshalJSON() ([]byte, error) {
	return json.Marshal(querySpecJSON{
		Predicate:   q.predicate,
		GroupBy:     q.groupBy,
		Aggregation: q.aggregation,
	})
}
