package benchmark

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/TFMV/tripbench/pkg/errors"
)

// Supported report formats.
const (
	FormatTable    = "table"
	FormatJSON     = "json"
	FormatCSV      = "csv"
	FormatMarkdown = "markdown"
	FormatArrow    = "arrow"
)

// Formats lists every format WriteReport accepts.
var Formats = []string{FormatTable, FormatJSON, FormatCSV, FormatMarkdown, FormatArrow}

// ReportSchema is the schema of the arrow report format, one row per backend.
var ReportSchema = arrow.NewSchema([]arrow.Field{
	{Name: "backend", Type: arrow.BinaryTypes.String},
	{Name: "status", Type: arrow.BinaryTypes.String},
	{Name: "elapsed_seconds", Type: arrow.PrimitiveTypes.Float64},
	{Name: "runs", Type: arrow.PrimitiveTypes.Int32},
	{Name: "row_count", Type: arrow.PrimitiveTypes.Int64},
	{Name: "column_count", Type: arrow.PrimitiveTypes.Int64},
	{Name: "allocated_bytes", Type: arrow.PrimitiveTypes.Int64},
	{Name: "ratio_to_baseline", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "error_kind", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "error_message", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "peak_bytes", Type: arrow.PrimitiveTypes.Int64},
}, nil)

// WriteReport writes the report in the specified format.
func WriteReport(report *ComparisonReport, format string, w io.Writer) error {
	switch strings.ToLower(format) {
	case FormatTable, "":
		return writeTable(report, w)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case FormatCSV:
		return writeCSV(report, w)
	case FormatMarkdown:
		return writeMarkdown(report, w)
	case FormatArrow:
		return writeArrow(report, w)
	default:
		return errors.Newf(errors.CodeInvalidRequest, "unsupported format: %s", format)
	}
}

func status(r BackendResult) string {
	if r.OK() {
		return "OK"
	}
	return "ERROR"
}

func ratioString(report *ComparisonReport, name string) string {
	if v, ok := report.RelativeToBaseline(name); ok {
		return fmt.Sprintf("%.2fx", v)
	}
	return "-"
}

func formatElapsed(r BackendResult) string {
	if !r.OK() {
		return "-"
	}
	return r.Elapsed.Round(time.Microsecond).String()
}

func formatBytes(n int64) string {
	if n <= 0 {
		return "-"
	}
	return strconv.FormatInt(n, 10)
}

// writeTable writes results in human-readable table format.
func writeTable(report *ComparisonReport, w io.Writer) error {
	fmt.Fprintf(w, "Trip Query Benchmark Results\n")
	fmt.Fprintf(w, "============================\n\n")
	fmt.Fprintf(w, "Run ID: %s\n", report.RunID)
	fmt.Fprintf(w, "Query: %s\n", report.Query.String())
	fmt.Fprintf(w, "Data: %s (%d files)\n", report.DataSource.Path, len(report.DataSource.Files))
	fmt.Fprintf(w, "Repetitions: %d  Warmup: %d\n", report.Repetitions, report.Warmup)
	if !report.StartTime.IsZero() {
		fmt.Fprintf(w, "Started: %s\n", report.StartTime.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "\n")

	env := report.Environment
	fmt.Fprintf(w, "Environment:\n")
	fmt.Fprintf(w, "  Go Version: %s\n", env.GoVersion)
	fmt.Fprintf(w, "  OS/Arch: %s/%s\n", env.OS, env.Arch)
	if env.CPUModel != "" {
		fmt.Fprintf(w, "  CPU: %s (%d logical)\n", env.CPUModel, env.CPUCount)
	}
	if env.MemoryBytes > 0 {
		fmt.Fprintf(w, "  Memory: %.1f GiB\n", float64(env.MemoryBytes)/(1<<30))
	}
	for _, r := range report.Results {
		if v, ok := env.EngineVersions[r.Name]; ok {
			fmt.Fprintf(w, "  %s engine: %s\n", r.Name, v)
		}
	}
	fmt.Fprintf(w, "\n")

	tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	fmt.Fprintf(tw, "Backend\tStatus\tElapsed\tRuns\tRows\tCols\tAllocated\tPeak\tvs %s\n", baselineLabel(report))
	fmt.Fprintf(tw, "-------\t------\t-------\t----\t----\t----\t---------\t----\t---\n")
	for _, r := range report.Results {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\t%s\n",
			r.Name, status(r), formatElapsed(r), len(r.Runs), r.RowCount, r.ColumnCount,
			formatBytes(r.AllocatedBytes), formatBytes(r.PeakBytes), ratioString(report, r.Name))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(report.Ratios) > 0 {
		fmt.Fprintf(w, "\nRelative speed (row / column):\n")
		if err := writeRatioMatrix(report, w); err != nil {
			return err
		}
	}

	if failed := report.Failed(); len(failed) > 0 {
		fmt.Fprintf(w, "\nFailures:\n")
		for _, r := range failed {
			fmt.Fprintf(w, "  %s [%s]: %s\n", r.Name, r.Error.Kind, r.Error.Message)
		}
	}

	return nil
}

func baselineLabel(report *ComparisonReport) string {
	if report.Baseline == "" {
		return "baseline"
	}
	return report.Baseline
}

func writeRatioMatrix(report *ComparisonReport, w io.Writer) error {
	ok := report.Succeeded()
	tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintf(tw, "\t")
	for _, col := range ok {
		fmt.Fprintf(tw, "%s\t", col.Name)
	}
	fmt.Fprintf(tw, "\n")
	for _, row := range ok {
		fmt.Fprintf(tw, "%s\t", row.Name)
		for _, col := range ok {
			cell := "-"
			if row.Name == col.Name {
				cell = "1.00"
			} else if v, found := report.Ratio(row.Name, col.Name); found {
				cell = fmt.Sprintf("%.2f", v)
			}
			fmt.Fprintf(tw, "%s\t", cell)
		}
		fmt.Fprintf(tw, "\n")
	}
	return tw.Flush()
}

func writeCSV(report *ComparisonReport, w io.Writer) error {
	c := csv.NewWriter(w)
	header := []string{"backend", "status", "elapsed_seconds", "runs", "row_count", "column_count", "allocated_bytes", "ratio_to_baseline", "error_kind", "error_message", "peak_bytes"}
	if err := c.Write(header); err != nil {
		return err
	}
	for _, r := range report.Results {
		ratio := ""
		if v, ok := report.RelativeToBaseline(r.Name); ok {
			ratio = strconv.FormatFloat(v, 'f', -1, 64)
		}
		kind, msg := "", ""
		if r.Error != nil {
			kind, msg = r.Error.Kind, r.Error.Message
		}
		record := []string{
			r.Name,
			status(r),
			strconv.FormatFloat(r.ElapsedSeconds, 'f', -1, 64),
			strconv.Itoa(len(r.Runs)),
			strconv.FormatInt(r.RowCount, 10),
			strconv.FormatInt(r.ColumnCount, 10),
			strconv.FormatInt(r.AllocatedBytes, 10),
			ratio,
			kind,
			msg,
			strconv.FormatInt(r.PeakBytes, 10),
		}
		if err := c.Write(record); err != nil {
			return err
		}
	}
	c.Flush()
	return c.Error()
}

func writeMarkdown(report *ComparisonReport, w io.Writer) error {
	fmt.Fprintf(w, "**Query:** `%s`\n\n", report.Query.String())
	fmt.Fprintf(w, "| Backend | Status | Elapsed | Runs | Rows | Cols | vs %s |\n", baselineLabel(report))
	fmt.Fprintf(w, "|---|---|---:|---:|---:|---:|---:|\n")
	for _, r := range report.Results {
		fmt.Fprintf(w, "| %s | %s | %s | %d | %d | %d | %s |\n",
			r.Name, status(r), formatElapsed(r), len(r.Runs), r.RowCount, r.ColumnCount, ratioString(report, r.Name))
	}
	if failed := report.Failed(); len(failed) > 0 {
		fmt.Fprintf(w, "\n**Failures:**\n\n")
		for _, r := range failed {
			fmt.Fprintf(w, "- `%s` (%s): %s\n", r.Name, r.Error.Kind, strings.ReplaceAll(r.Error.Message, "\n", " "))
		}
	}
	return nil
}

// writeArrow writes one row per backend as an Arrow IPC stream.
func writeArrow(report *ComparisonReport, w io.Writer) error {
	allocator := memory.NewGoAllocator()
	builder := array.NewRecordBuilder(allocator, ReportSchema)
	defer builder.Release()

	for _, r := range report.Results {
		builder.Field(0).(*array.StringBuilder).Append(r.Name)
		builder.Field(1).(*array.StringBuilder).Append(status(r))
		builder.Field(2).(*array.Float64Builder).Append(r.ElapsedSeconds)
		builder.Field(3).(*array.Int32Builder).Append(int32(len(r.Runs)))
		builder.Field(4).(*array.Int64Builder).Append(r.RowCount)
		builder.Field(5).(*array.Int64Builder).Append(r.ColumnCount)
		builder.Field(6).(*array.Int64Builder).Append(r.AllocatedBytes)
		if v, ok := report.RelativeToBaseline(r.Name); ok {
			builder.Field(7).(*array.Float64Builder).Append(v)
		} else {
			builder.Field(7).AppendNull()
		}
		if r.Error != nil {
			builder.Field(8).(*array.StringBuilder).Append(r.Error.Kind)
			builder.Field(9).(*array.StringBuilder).Append(r.Error.Message)
		} else {
			builder.Field(8).AppendNull()
			builder.Field(9).AppendNull()
		}
		builder.Field(10).(*array.Int64Builder).Append(r.PeakBytes)
	}

	record := builder.NewRecord()
	defer record.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(ReportSchema), ipc.WithAllocator(allocator))
	if err := writer.Write(record); err != nil {
		writer.Close()
		return fmt.Errorf("failed to write arrow report: %w", err)
	}
	return writer.Close()
}

// WritePreview prints the first n rows of every successful backend result.
// Results whose tables were already released are skipped.
func WritePreview(report *ComparisonReport, n int, w io.Writer) error {
	if n <= 0 {
		return nil
	}
	for _, r := range report.Succeeded() {
		if r.Rows == nil {
			continue
		}
		fmt.Fprintf(w, "\n%s (first %d of %d rows):\n", r.Name, min(int64(n), r.RowCount), r.RowCount)
		if err := previewTable(r.Rows, n, w); err != nil {
			return fmt.Errorf("failed to preview %s: %w", r.Name, err)
		}
	}
	return nil
}

func previewTable(t Table, n int, w io.Writer) error {
	var records []arrow.Record
	var schema *arrow.Schema

	switch tbl := t.(type) {
	case arrow.Table:
		schema = tbl.Schema()
		reader := array.NewTableReader(tbl, int64(n))
		defer reader.Release()
		for reader.Next() && countRows(records) < n {
			rec := reader.Record()
			rec.Retain()
			defer rec.Release()
			records = append(records, rec)
		}
	case arrow.Record:
		schema = tbl.Schema()
		records = append(records, tbl)
	default:
		fmt.Fprintf(w, "  (%d rows x %d columns)\n", t.NumRows(), t.NumCols())
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	names := make([]string, len(schema.Fields()))
	for i, f := range schema.Fields() {
		names[i] = f.Name
	}
	fmt.Fprintf(tw, "  %s\n", strings.Join(names, "\t"))

	written := 0
	for _, rec := range records {
		for row := 0; row < int(rec.NumRows()) && written < n; row++ {
			cells := make([]string, rec.NumCols())
			for col := range cells {
				arr := rec.Column(col)
				if arr.IsNull(row) {
					cells[col] = "null"
				} else {
					cells[col] = arr.ValueStr(row)
				}
			}
			fmt.Fprintf(tw, "  %s\n", strings.Join(cells, "\t"))
			written++
		}
	}
	return tw.Flush()
}

func countRows(records []arrow.Record) int {
	total := 0
	for _, r := range records {
		total += int(r.NumRows())
	}
	return total
}
