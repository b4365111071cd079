package models

import (
	"encoding/json"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/tripbench/pkg/errors"
)

func TestDefaultTripQuery(t *testing.T) {
	q := DefaultTripQuery()

	assert.Equal(t, "RatecodeID", q.Predicate().Column)
	assert.Equal(t, []int64{2, 3}, q.Predicate().Values)
	assert.Equal(t, []string{"RatecodeID", "PULocationID"}, q.GroupBy())
	assert.Equal(t, Aggregation{Column: "fare_amount", Reducer: "sum", Alias: "fare_amount_sum"}, q.Aggregation())
	assert.Equal(t, []string{"RatecodeID", "PULocationID", "fare_amount"}, q.Columns())
	assert.Equal(t, "sum(fare_amount) AS fare_amount_sum WHERE RatecodeID IN (2, 3) GROUP BY RatecodeID, PULocationID", q.String())
}

func TestNewQuerySpec_Validation(t *testing.T) {
	valid := Predicate{Column: "RatecodeID", Values: []int64{1}}
	agg := Aggregation{Column: "fare_amount"}

	tests := []struct {
		name        string
		predicate   Predicate
		groupBy     []string
		aggregation Aggregation
		errContains string
	}{
		{
			name:        "missing predicate column",
			predicate:   Predicate{Values: []int64{1}},
			groupBy:     []string{"PULocationID"},
			aggregation: agg,
			errContains: "predicate column is required",
		},
		{
			name:        "empty value set",
			predicate:   Predicate{Column: "RatecodeID"},
			groupBy:     []string{"PULocationID"},
			aggregation: agg,
			errContains: "at least one value",
		},
		{
			name:        "no group by",
			predicate:   valid,
			aggregation: agg,
			errContains: "group-by column is required",
		},
		{
			name:        "duplicate group by",
			predicate:   valid,
			groupBy:     []string{"PULocationID", "PULocationID"},
			aggregation: agg,
			errContains: "duplicate group-by column",
		},
		{
			name:        "unsupported reducer",
			predicate:   valid,
			groupBy:     []string{"PULocationID"},
			aggregation: Aggregation{Column: "fare_amount", Reducer: "mean"},
			errContains: "unsupported reducer",
		},
		{
			name:        "alias collides with key",
			predicate:   valid,
			groupBy:     []string{"PULocationID"},
			aggregation: Aggregation{Column: "fare_amount", Alias: "PULocationID"},
			errContains: "collides",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewQuerySpec(tt.predicate, tt.groupBy, tt.aggregation)
			require.Error(t, err)
			assert.True(t, errors.IsInvalidRequest(err))
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestQuerySpec_Immutable(t *testing.T) {
	values := []int64{2, 3}
	groupBy := []string{"RatecodeID", "PULocationID"}
	q, err := NewQuerySpec(Predicate{Column: "RatecodeID", Values: values}, groupBy, Aggregation{Column: "fare_amount"})
	require.NoError(t, err)

	values[0] = 99
	groupBy[0] = "VendorID"
	assert.Equal(t, []int64{2, 3}, q.Predicate().Values)
	assert.Equal(t, "RatecodeID", q.GroupBy()[0])

	q.GroupBy()[1] = "DOLocationID"
	q.Predicate().Values[1] = 42
	assert.Equal(t, []string{"RatecodeID", "PULocationID"}, q.GroupBy())
	assert.True(t, q.Matches(3))
	assert.False(t, q.Matches(42))
}

func TestQuerySpec_ResultSchema(t *testing.T) {
	schema := DefaultTripQuery().ResultSchema()
	require.Equal(t, 3, schema.NumFields())

	assert.Equal(t, "RatecodeID", schema.Field(0).Name)
	assert.Equal(t, arrow.PrimitiveTypes.Int64, schema.Field(0).Type)
	assert.Equal(t, "PULocationID", schema.Field(1).Name)
	assert.Equal(t, "fare_amount_sum", schema.Field(2).Name)
	assert.Equal(t, arrow.PrimitiveTypes.Float64, schema.Field(2).Type)
}

func TestQuerySpec_MarshalJSON(t *testing.T) {
	data, err := json.Marshal(DefaultTripQuery())
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"predicate": {"column": "RatecodeID", "values": [2, 3]},
		"group_by": ["RatecodeID", "PULocationID"],
		"aggregation": {"column": "fare_amount", "reducer": "sum", "alias": "fare_amount_sum"}
	}`, string(data))
}
