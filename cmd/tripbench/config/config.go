// Package config provides the configuration of the tripbench CLI.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/TFMV/tripbench/pkg/backends"
	"github.com/TFMV/tripbench/pkg/benchmark"
	"github.com/TFMV/tripbench/pkg/models"
)

// Config represents a benchmark run. Keys match the command-line flags so a
// config file, TRIPBENCH_* environment variables and flags are
// interchangeable.
type Config struct {
	// Data is a directory, glob or file of Parquet trip records.
	Data     string   `yaml:"data" json:"data"`
	Backends []string `yaml:"backends" json:"backends"`
	Baseline string   `yaml:"baseline" json:"baseline"`

	// Query settings
	Predicate string   `yaml:"predicate" json:"predicate"`
	Ratecodes []int64  `yaml:"ratecodes" json:"ratecodes"`
	GroupBy   []string `yaml:"group-by" json:"group-by"`
	Aggregate string   `yaml:"aggregate" json:"aggregate"`

	Repetitions int `yaml:"repetitions" json:"repetitions"`
	Warmup      int `yaml:"warmup" json:"warmup"`

	// Output settings
	Format  string `yaml:"format" json:"format"`
	Output  string `yaml:"output" json:"output"`
	Preview int    `yaml:"preview" json:"preview"`

	Engine  EngineConfig  `yaml:"engine" json:"engine"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`

	LogLevel string `yaml:"log-level" json:"log-level"`
}

// EngineConfig holds settings passed through to the backends.
type EngineConfig struct {
	Threads     int    `yaml:"threads" json:"threads"`
	MemoryLimit string `yaml:"memory-limit" json:"memory-limit"`
	BatchSize   int64  `yaml:"batch-size" json:"batch-size"`
	Parallel    bool   `yaml:"parallel" json:"parallel"`
}

// MetricsConfig represents metrics configuration. Metrics are collected only
// when an address or a textfile is set.
type MetricsConfig struct {
	Address  string `yaml:"metrics-address" json:"metrics-address"`
	Textfile string `yaml:"metrics-textfile" json:"metrics-textfile"`
}

// Enabled reports whether metrics should be collected.
func (m MetricsConfig) Enabled() bool {
	return m.Address != "" || m.Textfile != ""
}

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate fills defaults and rejects settings no run could use.
func (c *Config) Validate() error {
	if c.Data == "" {
		return fmt.Errorf("data path is required")
	}

	if c.Predicate == "" {
		c.Predicate = "RatecodeID"
	}
	if len(c.Ratecodes) == 0 {
		c.Ratecodes = []int64{2, 3}
	}
	if len(c.GroupBy) == 0 {
		c.GroupBy = []string{"RatecodeID", "PULocationID"}
	}
	if c.Aggregate == "" {
		c.Aggregate = "fare_amount"
	}

	if c.Repetitions <= 0 {
		c.Repetitions = 1
	}
	if c.Warmup < 0 {
		return fmt.Errorf("warmup must not be negative: %d", c.Warmup)
	}

	if c.Format == "" {
		c.Format = benchmark.FormatTable
	}
	c.Format = strings.ToLower(c.Format)
	if !contains(benchmark.Formats, c.Format) {
		return fmt.Errorf("unsupported format %q (supported: %s)", c.Format, strings.Join(benchmark.Formats, ", "))
	}
	if c.Preview < 0 {
		return fmt.Errorf("preview must not be negative: %d", c.Preview)
	}

	for i, name := range c.Backends {
		c.Backends[i] = strings.ToLower(strings.TrimSpace(name))
		if !contains(backends.Names(), c.Backends[i]) {
			return fmt.Errorf("unknown backend %q (available: %s)", name, strings.Join(backends.Names(), ", "))
		}
	}
	if c.Baseline != "" {
		c.Baseline = strings.ToLower(c.Baseline)
		selected := c.Backends
		if len(selected) == 0 {
			selected = backends.Names()
		}
		if !contains(selected, c.Baseline) {
			return fmt.Errorf("baseline %q is not one of the selected backends", c.Baseline)
		}
	}

	if c.Engine.Threads < 0 {
		return fmt.Errorf("threads must not be negative: %d", c.Engine.Threads)
	}
	if c.Engine.BatchSize < 0 {
		return fmt.Errorf("batch size must not be negative: %d", c.Engine.BatchSize)
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.LogLevel = strings.ToLower(c.LogLevel)
	if !logLevels[c.LogLevel] {
		return fmt.Errorf("unsupported log level %q", c.LogLevel)
	}

	return nil
}

// QuerySpec builds the query the run executes.
func (c *Config) QuerySpec() (models.QuerySpec, error) {
	return models.NewQuerySpec(
		models.Predicate{Column: c.Predicate, Values: c.Ratecodes},
		c.GroupBy,
		models.Aggregation{Column: c.Aggregate, Reducer: models.ReducerSum},
	)
}

// FromViper reads every run setting from v, loading v's "config" file first
// when one is named, and validates the result.
func FromViper(v *viper.Viper) (*Config, error) {
	if configFile := v.GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	ratecodes, err := ParseInt64List(v.GetStringSlice("ratecodes"))
	if err != nil {
		return nil, fmt.Errorf("invalid ratecodes: %w", err)
	}

	cfg := &Config{
		Data:        v.GetString("data"),
		Backends:    SplitList(v.GetStringSlice("backends")),
		Baseline:    v.GetString("baseline"),
		Predicate:   v.GetString("predicate"),
		Ratecodes:   ratecodes,
		GroupBy:     SplitList(v.GetStringSlice("group-by")),
		Aggregate:   v.GetString("aggregate"),
		Repetitions: v.GetInt("repetitions"),
		Warmup:      v.GetInt("warmup"),
		Format:      v.GetString("format"),
		Output:      v.GetString("output"),
		Preview:     v.GetInt("preview"),
		Engine: EngineConfig{
			Threads:     v.GetInt("threads"),
			MemoryLimit: v.GetString("memory-limit"),
			BatchSize:   v.GetInt64("batch-size"),
			Parallel:    v.GetBool("parallel"),
		},
		Metrics: MetricsConfig{
			Address:  v.GetString("metrics-address"),
			Textfile: v.GetString("metrics-textfile"),
		},
		LogLevel: v.GetString("log-level"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns a default configuration. Data must still be set.
func DefaultConfig() *Config {
	return &Config{
		Predicate:   "RatecodeID",
		Ratecodes:   []int64{2, 3},
		GroupBy:     []string{"RatecodeID", "PULocationID"},
		Aggregate:   "fare_amount",
		Repetitions: 1,
		Format:      benchmark.FormatTable,
		LogLevel:    "info",
	}
}

// SplitList flattens comma separated entries and drops blanks, so "a,b" and
// ["a", "b"] read the same.
func SplitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// ParseInt64List parses SplitList(values) as base-10 integers.
func ParseInt64List(values []string) ([]int64, error) {
	parts := SplitList(values)
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer", p)
		}
		out = append(out, n)
	}
	return out, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
