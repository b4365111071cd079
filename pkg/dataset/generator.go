package dataset

import (
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// Generator produces deterministic pseudo-random trip files.
type Generator struct {
	// Seed makes the output reproducible.
	Seed int64
	// Rows is the total number of trips across all files.
	Rows int
	// Files is the number of monthly files to split the trips into.
	Files int
	// RowGroupSize is the maximum number of rows per row group.
	RowGroupSize int64
	// Start is the first month written. Zero means January 2024.
	Start time.Time

	Logger zerolog.Logger
}

// ratecodeWeights approximates the published distribution. Zero means null.
var ratecodeWeights = []struct {
	code   int64
	weight int
}{
	{1, 880}, {2, 40}, {3, 5}, {4, 3}, {5, 12}, {99, 20}, {0, 40},
}

// Generate writes g.Files Parquet files into dir on fs and returns their paths.
func (g Generator) Generate(fs afero.Fs, dir string) ([]string, error) {
	if g.Rows < 0 {
		return nil, fmt.Errorf("rows must not be negative: %d", g.Rows)
	}
	if g.Files <= 0 {
		g.Files = 1
	}
	start := g.Start
	if start.IsZero() {
		start = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}

	rng := rand.New(rand.NewSource(g.Seed))
	paths := make([]string, 0, g.Files)
	perFile, extra := g.Rows/g.Files, g.Rows%g.Files

	for i := 0; i < g.Files; i++ {
		n := perFile
		if i < extra {
			n++
		}
		month := start.AddDate(0, i, 0)
		path := filepath.Join(dir, fmt.Sprintf("yellow_tripdata_%s.parquet", month.Format("2006-01")))

		trips := randomTrips(rng, n, month)
		if err := writeFile(fs, path, trips, g.RowGroupSize); err != nil {
			return nil, err
		}
		g.Logger.Debug().
			Str("path", path).
			Int("rows", n).
			Msg("Wrote trip file")
		paths = append(paths, path)
	}

	return paths, nil
}

func writeFile(fs afero.Fs, path string, trips []Trip, rowGroupSize int64) error {
	f, err := fs.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := WriteTrips(f, trips, WriteOptions{RowGroupSize: rowGroupSize}); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

// Trips returns n deterministic trips for seed, all picked up in month.
func Trips(seed int64, n int, month time.Time) []Trip {
	return randomTrips(rand.New(rand.NewSource(seed)), n, month)
}

func randomTrips(rng *rand.Rand, n int, month time.Time) []Trip {
	trips := make([]Trip, n)
	span := int64(month.AddDate(0, 1, 0).Sub(month) / time.Second)
	flags := []string{"N", "Y"}

	for i := range trips {
		pickup := month.Add(time.Duration(rng.Int63n(span)) * time.Second)
		minutes := 3 + rng.Intn(55)
		distance := round2(0.3 + rng.ExpFloat64()*3)

		code := pickRatecode(rng)
		var fare float64
		switch code {
		case 2:
			fare = 70
		case 3:
			fare = round2(20 + distance*3.5)
		default:
			fare = round2(3 + distance*2.5 + float64(minutes)*0.35)
		}
		if rng.Intn(200) == 0 {
			fare = -fare
		}

		t := Trip{
			VendorID:             int32(1 + rng.Intn(2)),
			PickupDatetime:       pickup,
			DropoffDatetime:      pickup.Add(time.Duration(minutes) * time.Minute),
			TripDistance:         distance,
			PULocationID:         int32(1 + rng.Intn(265)),
			DOLocationID:         int32(1 + rng.Intn(265)),
			PaymentType:          int64(1 + rng.Intn(4)),
			FareAmount:           fare,
			Extra:                float64(rng.Intn(3)) * 1.25,
			MtaTax:               0.5,
			TipAmount:            round2(fare * 0.2 * rng.Float64()),
			ImprovementSurcharge: 1,
		}
		if code != 0 {
			c := code
			t.RatecodeID = &c
			p := int64(1 + rng.Intn(4))
			t.PassengerCount = &p
			f := flags[rng.Intn(10)/9]
			t.StoreAndFwdFlag = &f
			cs := 2.5
			t.CongestionSurcharge = &cs
			af := 0.0
			if code == 2 || code == 3 {
				af = 1.75
			}
			t.AirportFee = &af
		}
		t.TotalAmount = round2(t.FareAmount + t.Extra + t.MtaTax + t.TipAmount + t.ImprovementSurcharge)
		trips[i] = t
	}
	return trips
}

func pickRatecode(rng *rand.Rand) int64 {
	total := 0
	for _, w := range ratecodeWeights {
		total += w.weight
	}
	r := rng.Intn(total)
	for _, w := range ratecodeWeights {
		if r < w.weight {
			return w.code
		}
		r -= w.weight
	}
	return 1
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
