package benchmark

import (
	"time"

	"github.com/TFMV/tripbench/pkg/datasource"
	"github.com/TFMV/tripbench/pkg/errors"
	"github.com/TFMV/tripbench/pkg/models"
)

// Failure describes why a backend did not produce a result.
type Failure struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func newFailure(err error) *Failure {
	return &Failure{
		Kind:    errors.GetCode(err),
		Message: err.Error(),
	}
}

// BackendResult is the outcome of running one backend.
type BackendResult struct {
	Name string `json:"name"`
	// Elapsed is the mean wall time of the timed runs.
	Elapsed        time.Duration   `json:"-"`
	ElapsedSeconds float64         `json:"elapsed_seconds"`
	Runs           []time.Duration `json:"-"`
	RowCount       int64           `json:"rows"`
	ColumnCount    int64           `json:"columns"`
	AllocatedBytes int64           `json:"allocated_bytes,omitempty"`
	PeakBytes      int64           `json:"peak_bytes,omitempty"`
	Error          *Failure        `json:"error,omitempty"`
	// Rows is the table produced by the last timed run. Nil on failure.
	Rows Table `json:"-"`
}

// OK reports whether the backend succeeded. It stays true after the report
// is released.
func (r BackendResult) OK() bool {
	return r.Error == nil
}

// RunSeconds returns every timed run in seconds.
func (r BackendResult) RunSeconds() []float64 {
	out := make([]float64, len(r.Runs))
	for i, d := range r.Runs {
		out[i] = d.Seconds()
	}
	return out
}

// Ratio is how many times slower Numerator was than Denominator.
type Ratio struct {
	Numerator   string  `json:"numerator"`
	Denominator string  `json:"denominator"`
	Value       float64 `json:"value"`
}

// ComparisonReport collects the results of one benchmark run.
type ComparisonReport struct {
	RunID       string            `json:"run_id"`
	Query       models.QuerySpec  `json:"query"`
	DataSource  datasource.Source `json:"data_source"`
	Repetitions int               `json:"repetitions"`
	Warmup      int               `json:"warmup"`
	StartTime   time.Time         `json:"start_time"`
	EndTime     time.Time         `json:"end_time"`
	Environment Environment       `json:"environment"`
	Results     []BackendResult   `json:"results"`
	Baseline    string            `json:"baseline,omitempty"`
	Ratios      []Ratio           `json:"ratios"`
}

// Result returns the result for the named backend.
func (c *ComparisonReport) Result(name string) (BackendResult, bool) {
	for _, r := range c.Results {
		if r.Name == name {
			return r, true
		}
	}
	return BackendResult{}, false
}

// Ratio returns elapsed(numerator) / elapsed(denominator). It is absent when
// either backend failed or the denominator took no measurable time.
func (c *ComparisonReport) Ratio(numerator, denominator string) (float64, bool) {
	for _, r := range c.Ratios {
		if r.Numerator == numerator && r.Denominator == denominator {
			return r.Value, true
		}
	}
	return 0, false
}

// RelativeToBaseline returns the ratio of the named backend to the baseline.
func (c *ComparisonReport) RelativeToBaseline(name string) (float64, bool) {
	if c.Baseline == "" {
		return 0, false
	}
	if name == c.Baseline {
		if r, ok := c.Result(name); ok && r.OK() {
			return 1, true
		}
		return 0, false
	}
	return c.Ratio(name, c.Baseline)
}

// Succeeded returns the results of backends that produced a table.
func (c *ComparisonReport) Succeeded() []BackendResult {
	var out []BackendResult
	for _, r := range c.Results {
		if r.OK() {
			out = append(out, r)
		}
	}
	return out
}

// Failed returns the results of backends that did not produce a table.
func (c *ComparisonReport) Failed() []BackendResult {
	var out []BackendResult
	for _, r := range c.Results {
		if !r.OK() {
			out = append(out, r)
		}
	}
	return out
}

// Release frees the tables held by the report.
func (c *ComparisonReport) Release() {
	for i := range c.Results {
		release(c.Results[i].Rows)
		c.Results[i].Rows = nil
	}
}

// pairwiseRatios computes a ratio for every ordered pair of distinct
// successful backends, in result order.
func pairwiseRatios(results []BackendResult) []Ratio {
	ratios := []Ratio{}
	for _, num := range results {
		if !num.OK() {
			continue
		}
		for _, den := range results {
			if !den.OK() || den.Name == num.Name || den.Elapsed <= 0 {
				continue
			}
			ratios = append(ratios, Ratio{
				Numerator:   num.Name,
				Denominator: den.Name,
				Value:       num.Elapsed.Seconds() / den.Elapsed.Seconds(),
			})
		}
	}
	return ratios
}

// chooseBaseline returns preferred if it succeeded, otherwise the first
// successful backend, otherwise "".
func chooseBaseline(results []BackendResult, preferred string) string {
	first := ""
	for _, r := range results {
		if !r.OK() {
			continue
		}
		if r.Name == preferred {
			return r.Name
		}
		if first == "" {
			first = r.Name
		}
	}
	return first
}
