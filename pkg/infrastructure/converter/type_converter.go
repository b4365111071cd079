// Package converter maps DuckDB query results onto Apache Arrow.
package converter

import (
	"database/sql"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/rs/zerolog"

	"github.com/TFMV/tripbench/pkg/errors"
)

// TypeNameMetadataKey records the DuckDB type a field was converted from.
const TypeNameMetadataKey = "duckdb.type_name"

var decimalPattern = regexp.MustCompile(`^(decimal|numeric)\((\d+),\s*(\d+)\)$`)

// TypeConverter converts DuckDB column types to Arrow types.
type TypeConverter struct {
	typeMap map[string]arrow.DataType
	logger  zerolog.Logger
}

// New creates a new type converter.
func New(logger zerolog.Logger) *TypeConverter {
	return &TypeConverter{
		typeMap: initializeTypeMap(),
		logger:  logger,
	}
}

// DuckDBToArrowType converts a DuckDB type name to an Arrow DataType.
func (tc *TypeConverter) DuckDBToArrowType(duckdbType string) (arrow.DataType, error) {
	name := strings.ToLower(strings.TrimSpace(duckdbType))
	if arrowType, ok := tc.typeMap[name]; ok {
		return arrowType, nil
	}
	if strings.HasPrefix(name, "decimal") || strings.HasPrefix(name, "numeric") {
		return parseDecimal(name)
	}
	return nil, errors.Newf(errors.CodeSchemaMismatch, "unsupported DuckDB type: %s", duckdbType)
}

// parseDecimal handles decimal(p,s) and numeric(p,s). A bare decimal uses
// DuckDB's default of (18,3).
func parseDecimal(name string) (arrow.DataType, error) {
	if name == "decimal" || name == "numeric" {
		return &arrow.Decimal128Type{Precision: 18, Scale: 3}, nil
	}

	matches := decimalPattern.FindStringSubmatch(name)
	if len(matches) != 4 {
		return nil, errors.Newf(errors.CodeSchemaMismatch, "invalid decimal format: %s", name)
	}
	p, err := strconv.ParseInt(matches[2], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid precision in %s: %w", name, err)
	}
	s, err := strconv.ParseInt(matches[3], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid scale in %s: %w", name, err)
	}
	if p < 1 || p > 38 {
		return nil, errors.Newf(errors.CodeSchemaMismatch, "precision %d out of range (1-38) for %s", p, name)
	}
	if s < 0 || s > p {
		return nil, errors.Newf(errors.CodeSchemaMismatch, "scale %d out of range (0-%d) for %s", s, p, name)
	}
	return &arrow.Decimal128Type{Precision: int32(p), Scale: int32(s)}, nil
}

// FieldFromColumn converts a result column to an Arrow field. DuckDB does
// not report nullability, so every field is nullable. Types missing from the
// type map fall back to the driver's scan type.
func (tc *TypeConverter) FieldFromColumn(col *sql.ColumnType) arrow.Field {
	var metadata arrow.Metadata
	if dbType := col.DatabaseTypeName(); dbType != "" {
		metadata = arrow.NewMetadata([]string{TypeNameMetadataKey}, []string{dbType})
	}

	return arrow.Field{
		Name:     col.Name(),
		Type:     tc.arrowTypeFromColumn(col),
		Nullable: true,
		Metadata: metadata,
	}
}

// SchemaFromColumns converts SQL column types to an Arrow schema.
func (tc *TypeConverter) SchemaFromColumns(cols []*sql.ColumnType) *arrow.Schema {
	fields := make([]arrow.Field, len(cols))
	for i, col := range cols {
		fields[i] = tc.FieldFromColumn(col)
	}
	return arrow.NewSchema(fields, nil)
}

// DatabaseTypeName returns the DuckDB type a field was converted from, or
// the Arrow type when the field carries no DuckDB type.
func DatabaseTypeName(field arrow.Field) string {
	if name, ok := field.Metadata.GetValue(TypeNameMetadataKey); ok {
		return name
	}
	return field.Type.String()
}

func (tc *TypeConverter) arrowTypeFromColumn(col *sql.ColumnType) arrow.DataType {
	if dbType := col.DatabaseTypeName(); dbType != "" {
		arrowType, err := tc.DuckDBToArrowType(dbType)
		if err == nil {
			return arrowType
		}
		tc.logger.Debug().
			Str("column", col.Name()).
			Str("type", dbType).
			Msg("Unmapped DuckDB type, using scan type")
	}

	scanType := col.ScanType()
	if scanType == nil {
		tc.logger.Debug().Str("column", col.Name()).Msg("No type information, defaulting to string")
		return arrow.BinaryTypes.String
	}
	return arrowTypeFromKind(scanType)
}

func arrowTypeFromKind(t reflect.Type) arrow.DataType {
	switch t.Kind() {
	case reflect.Bool:
		return arrow.FixedWidthTypes.Boolean
	case reflect.Int8:
		return arrow.PrimitiveTypes.Int8
	case reflect.Int16:
		return arrow.PrimitiveTypes.Int16
	case reflect.Int32:
		return arrow.PrimitiveTypes.Int32
	case reflect.Int, reflect.Int64:
		return arrow.PrimitiveTypes.Int64
	case reflect.Uint8:
		return arrow.PrimitiveTypes.Uint8
	case reflect.Uint16:
		return arrow.PrimitiveTypes.Uint16
	case reflect.Uint32:
		return arrow.PrimitiveTypes.Uint32
	case reflect.Uint, reflect.Uint64:
		return arrow.PrimitiveTypes.Uint64
	case reflect.Float32:
		return arrow.PrimitiveTypes.Float32
	case reflect.Float64:
		return arrow.PrimitiveTypes.Float64
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return arrow.BinaryTypes.Binary
		}
	}
	return arrow.BinaryTypes.String
}

// IsNumeric reports whether values of t can be filtered, grouped or summed
// as numbers.
func IsNumeric(t arrow.DataType) bool {
	switch t.ID() {
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64,
		arrow.UINT8, arrow.UINT16, arrow.UINT32, arrow.UINT64,
		arrow.FLOAT16, arrow.FLOAT32, arrow.FLOAT64,
		arrow.DECIMAL128, arrow.DECIMAL256:
		return true
	}
	return false
}

func initializeTypeMap() map[string]arrow.DataType {
	return map[string]arrow.DataType{
		"tinyint":   arrow.PrimitiveTypes.Int8,
		"smallint":  arrow.PrimitiveTypes.Int16,
		"integer":   arrow.PrimitiveTypes.Int32,
		"int":       arrow.PrimitiveTypes.Int32,
		"bigint":    arrow.PrimitiveTypes.Int64,
		"hugeint":   arrow.PrimitiveTypes.Int64,
		"utinyint":  arrow.PrimitiveTypes.Uint8,
		"usmallint": arrow.PrimitiveTypes.Uint16,
		"uinteger":  arrow.PrimitiveTypes.Uint32,
		"ubigint":   arrow.PrimitiveTypes.Uint64,

		"real":   arrow.PrimitiveTypes.Float32,
		"float":  arrow.PrimitiveTypes.Float32,
		"double": arrow.PrimitiveTypes.Float64,

		"boolean": arrow.FixedWidthTypes.Boolean,

		"varchar": arrow.BinaryTypes.String,
		"text":    arrow.BinaryTypes.String,
		"uuid":    arrow.BinaryTypes.String,
		"json":    arrow.BinaryTypes.String,

		"blob": arrow.BinaryTypes.Binary,

		"date":                     arrow.FixedWidthTypes.Date32,
		"time":                     arrow.FixedWidthTypes.Time64us,
		"timestamp":                arrow.FixedWidthTypes.Timestamp_us,
		"timestamp_ns":             arrow.FixedWidthTypes.Timestamp_us,
		"timestamp_ms":             arrow.FixedWidthTypes.Timestamp_us,
		"timestamp_s":              arrow.FixedWidthTypes.Timestamp_us,
		"timestamp with time zone": &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"},
		"timestamptz":              &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"},
	}
}
