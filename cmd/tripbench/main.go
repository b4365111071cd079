// Package main provides the tripbench command: it runs the trip aggregation
// query through several engines over the same Parquet files and reports how
// their timings compare.
package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/TFMV/tripbench/cmd/tripbench/config"
	"github.com/TFMV/tripbench/pkg/backends"
	"github.com/TFMV/tripbench/pkg/benchmark"
	"github.com/TFMV/tripbench/pkg/dataset"
	"github.com/TFMV/tripbench/pkg/datasource"
	"github.com/TFMV/tripbench/pkg/infrastructure/metrics"
)

var (
	// Version information (set by build flags)
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("TRIPBENCH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:   "tripbench",
		Short: "Compare query engines on NYC taxi trip Parquet files",
		Long: `tripbench runs one filter, group-by and sum query through several
engines over the same Parquet files and reports elapsed time, result shape
and relative speed for each.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	mustBind(v.BindPFlags(rootCmd.PersistentFlags()))

	rootCmd.AddCommand(newRunCmd(v), newGenerateCmd(v), newBackendsCmd(), newVersionCmd())
	return rootCmd
}

func newRunCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the benchmark",
		Long: `Run the trip query through every selected backend and print a
comparison report.

Example:
  tripbench run --data ./data/nyctlc
  tripbench run --data './data/*.parquet' --backends duckdb-scan,arrow-projected --repetitions 5 --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBenchmark(cmd, v)
		},
	}

	flags := cmd.Flags()
	flags.StringP("config", "c", "", "config file path (yaml, json or toml)")
	flags.StringP("data", "d", "", "directory, glob or file of trip Parquet files")
	flags.StringSlice("backends", nil, "backends to run, in order (default all)")
	flags.String("baseline", "", "backend ratios are reported against (default first successful)")
	flags.String("predicate", "RatecodeID", "column filtered by --ratecodes")
	flags.StringSlice("ratecodes", []string{"2", "3"}, "values the predicate column must equal")
	flags.StringSlice("group-by", []string{"RatecodeID", "PULocationID"}, "group-by columns")
	flags.String("aggregate", "fare_amount", "column to sum")
	flags.Int("repetitions", 1, "timed runs per backend")
	flags.Int("warmup", 0, "untimed runs per backend before timing")
	flags.StringP("format", "f", benchmark.FormatTable, "report format (table, json, csv, markdown, arrow)")
	flags.StringP("output", "o", "", "write the report to this file instead of stdout")
	flags.Int("preview", 0, "print the first N result rows of each backend")
	flags.Int64("batch-size", 0, "Arrow record batch size (default per backend)")
	flags.Int("threads", 0, "DuckDB worker threads (default all cores)")
	flags.String("memory-limit", "", "DuckDB memory limit, e.g. 4GB")
	flags.Bool("parallel", false, "decode Parquet columns concurrently in the Arrow backends")
	flags.String("metrics-address", "", "serve Prometheus metrics on this address while running")
	flags.String("metrics-textfile", "", "write Prometheus metrics to this file after the run")
	mustBind(v.BindPFlags(flags))

	return cmd
}

func newGenerateCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Write synthetic trip Parquet files",
		Long: `Write deterministic pseudo-random yellow-taxi trip records, one file
per month, for benchmarking without the published dataset.

Example:
  tripbench generate --out ./data/nyctlc --rows 5000000 --files 3`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(cmd, v)
		},
	}

	flags := cmd.Flags()
	flags.String("out", "", "output directory")
	flags.Int("rows", 1_000_000, "total number of trips")
	flags.Int("files", 3, "number of monthly files")
	flags.Int64("seed", 42, "random seed")
	flags.Int64("row-group-size", dataset.DefaultRowGroupSize, "maximum rows per row group")
	flags.String("start-month", "2024-01", "first month written (YYYY-MM)")
	mustBind(v.BindPFlags(flags))

	return cmd
}

func newBackendsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List available backends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			for _, name := range backends.Names() {
				fmt.Fprintf(tw, "%s\t%s\n", name, backends.Describe(name))
			}
			return tw.Flush()
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "tripbench\n")
			fmt.Fprintf(out, "Version:    %s\n", version)
			fmt.Fprintf(out, "Commit:     %s\n", commit)
			fmt.Fprintf(out, "Build Date: %s\n", buildDate)
		},
	}
}

func runBenchmark(cmd *cobra.Command, v *viper.Viper) error {
	cfg, err := config.FromViper(v)
	if err != nil {
		return err
	}

	logger := setupLogging(cfg.LogLevel, cmd.ErrOrStderr())
	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("data", cfg.Data).
		Msg("Starting tripbench")

	spec, err := cfg.QuerySpec()
	if err != nil {
		return fmt.Errorf("invalid query: %w", err)
	}

	fs := afero.NewOsFs()
	source, err := datasource.NewResolver(fs, logger).Resolve(cfg.Data)
	if err != nil {
		return err
	}

	var collector metrics.Collector = metrics.NewNoOpCollector()
	var prom *metrics.PrometheusCollector
	if cfg.Metrics.Enabled() {
		prom = metrics.NewPrometheusCollector()
		collector = prom
	}
	if cfg.Metrics.Address != "" {
		server := metrics.NewMetricsServer(cfg.Metrics.Address, prom.Registry())
		go func() {
			logger.Info().Str("address", server.Address()).Msg("Starting metrics server")
			if err := server.Start(); err != nil {
				logger.Debug().Err(err).Msg("Metrics server stopped")
			}
		}()
		defer func() {
			if err := server.Stop(); err != nil {
				logger.Error().Err(err).Msg("Error stopping metrics server")
			}
		}()
	}

	set, err := backends.Build(cfg.Backends, backends.Options{
		Threads:     cfg.Engine.Threads,
		MemoryLimit: cfg.Engine.MemoryLimit,
		BatchSize:   cfg.Engine.BatchSize,
		Parallel:    cfg.Engine.Parallel,
		Fs:          fs,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := set.Close(); err != nil {
			logger.Error().Err(err).Msg("Error closing backends")
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := benchmark.NewRunner(benchmark.Options{
		Repetitions: cfg.Repetitions,
		Warmup:      cfg.Warmup,
		Baseline:    cfg.Baseline,
	}, logger, collector)

	report, runErr := runner.Run(ctx, set.Backends, spec, source)
	if report == nil {
		return runErr
	}
	defer report.Release()

	if err := writeOutputs(cmd, fs, cfg, report); err != nil {
		return err
	}

	if prom != nil && cfg.Metrics.Textfile != "" {
		if err := prom.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			return fmt.Errorf("failed to write metrics textfile: %w", err)
		}
	}

	logger.Info().
		Int("succeeded", len(report.Succeeded())).
		Int("failed", len(report.Failed())).
		Str("baseline", report.Baseline).
		Msg("Benchmark complete")

	return runErr
}

// writeOutputs writes the report, and the preview when asked. The preview
// goes to stderr whenever stdout carries a machine-readable report.
func writeOutputs(cmd *cobra.Command, fs afero.Fs, cfg *config.Config, report *benchmark.ComparisonReport) error {
	if cfg.Output != "" {
		if err := writeReportFile(fs, cfg.Output, cfg.Format, report); err != nil {
			return err
		}
	} else if err := benchmark.WriteReport(report, cfg.Format, cmd.OutOrStdout()); err != nil {
		return err
	}

	if cfg.Preview > 0 {
		preview := cmd.OutOrStdout()
		if cfg.Output == "" && cfg.Format != benchmark.FormatTable {
			preview = cmd.ErrOrStderr()
		}
		if err := benchmark.WritePreview(report, cfg.Preview, preview); err != nil {
			return err
		}
	}
	return nil
}

func writeReportFile(fs afero.Fs, path, format string, report *benchmark.ComparisonReport) error {
	f, err := fs.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	if err := benchmark.WriteReport(report, format, f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close output file: %w", err)
	}
	return nil
}

func runGenerate(cmd *cobra.Command, v *viper.Viper) error {
	out := v.GetString("out")
	if out == "" {
		return fmt.Errorf("--out is required")
	}
	start, err := time.Parse("2006-01", v.GetString("start-month"))
	if err != nil {
		return fmt.Errorf("invalid start month: %w", err)
	}

	logger := setupLogging(v.GetString("log-level"), cmd.ErrOrStderr())
	g := dataset.Generator{
		Seed:         v.GetInt64("seed"),
		Rows:         v.GetInt("rows"),
		Files:        v.GetInt("files"),
		RowGroupSize: v.GetInt64("row-group-size"),
		Start:        start,
		Logger:       logger,
	}

	began := time.Now()
	paths, err := g.Generate(afero.NewOsFs(), out)
	if err != nil {
		return err
	}
	logger.Info().
		Int("files", len(paths)).
		Int("rows", g.Rows).
		Dur("elapsed", time.Since(began)).
		Msg("Generated trip files")

	for _, p := range paths {
		fmt.Fprintln(cmd.OutOrStdout(), p)
	}
	return nil
}

func setupLogging(level string, w io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond

	var logLevel zerolog.Level
	switch level {
	case "debug":
		logLevel = zerolog.DebugLevel
		zerolog.CallerMarshalFunc = func(pc uintptr, file string, line int) string {
			short := file
			for i := len(file) - 1; i > 0; i-- {
				if file[i] == '/' {
					short = file[i+1:]
					break
				}
			}
			return fmt.Sprintf("%s:%d", short, line)
		}
	case "warn":
		logLevel = zerolog.WarnLevel
	case "error":
		logLevel = zerolog.ErrorLevel
	default:
		logLevel = zerolog.InfoLevel
	}

	logger := zerolog.New(w).
		Level(logLevel).
		With().
		Timestamp().
		Str("service", "tripbench")

	if logLevel == zerolog.DebugLevel {
		logger = logger.Caller()
	}

	return logger.Logger()
}

func mustBind(err error) {
	if err != nil {
		panic(fmt.Errorf("failed to bind flags: %w", err))
	}
}
