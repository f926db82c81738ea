package physics

import (
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/pace.report/internal/monitoring"
	"github.com/banshee-data/pace.report/internal/pace"
)

// Sample is one observed (grade, pace ratio) pair feeding the offline
// curve build.
type Sample struct {
	Grade float64
	Ratio float64
}

// BuildOptions controls BuildCurve.
type BuildOptions struct {
	// Grades are the bin centres. Empty selects the bundled curve's grades.
	Grades []float64
	// MinSamples drops bins with fewer observations.
	MinSamples int
	Version    string
	BuiltAt    time.Time
}

// SamplesFromRecords extracts trainable (grade, actual ratio) pairs from
// residual records of any number of users.
func SamplesFromRecords(records []*pace.ActivityResidualRecord) []Sample {
	var out []Sample
	for _, rec := range records {
		for _, s := range rec.TrainableSegments() {
			out = append(out, Sample{Grade: s.Segment.GradeMean, Ratio: s.ActualPaceRatio})
		}
	}
	return out
}

// BuildCurve aggregates samples into a GlobalCurve. Each sample is assigned
// to the nearest bin centre; per-bin percentiles come from the empirical
// quantiles. Ratios are rescaled so the median at grade 0 is exactly 1.0
// when that bin is populated.
func BuildCurve(samples []Sample, opts BuildOptions) (*GlobalCurve, error) {
	grades := opts.Grades
	if len(grades) == 0 {
		for _, p := range DefaultCurve().Points {
			grades = append(grades, p.Grade)
		}
	}
	grades = append([]float64(nil), grades...)
	sort.Float64s(grades)
	minSamples := max(opts.MinSamples, 1)

	bins := make([][]float64, len(grades))
	for _, s := range samples {
		if math.IsNaN(s.Ratio) || math.IsInf(s.Ratio, 0) || s.Ratio <= 0 || math.IsNaN(s.Grade) {
			continue
		}
		i := nearestBin(grades, s.Grade)
		bins[i] = append(bins[i], s.Ratio)
	}

	c := &GlobalCurve{Version: opts.Version, BuiltAt: opts.BuiltAt}
	for i, ratios := range bins {
		if len(ratios) < minSamples {
			continue
		}
		sort.Float64s(ratios)
		c.Points = append(c.Points, CurvePoint{
			Grade:   grades[i],
			P10:     stat.Quantile(0.10, stat.Empirical, ratios, nil),
			P25:     stat.Quantile(0.25, stat.Empirical, ratios, nil),
			Median:  stat.Quantile(0.50, stat.Empirical, ratios, nil),
			P75:     stat.Quantile(0.75, stat.Empirical, ratios, nil),
			P90:     stat.Quantile(0.90, stat.Empirical, ratios, nil),
			Samples: len(ratios),
		})
	}
	if len(c.Points) < 2 {
		return nil, fmt.Errorf("%w: only %d grade bins have at least %d samples",
			pace.ErrInsufficientData, len(c.Points), minSamples)
	}

	for _, p := range c.Points {
		if p.Grade != 0 {
			continue
		}
		scale := 1 / p.Median
		for i := range c.Points {
			q := &c.Points[i]
			q.P10 *= scale
			q.P25 *= scale
			q.Median *= scale
			q.P75 *= scale
			q.P90 *= scale
		}
		break
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	monitoring.Logf("[GlobalCurve] built %s from %d samples across %d bins", c.Version, len(samples), len(c.Points))
	return c, nil
}

// nearestBin returns the index of the bin centre closest to g. Ties go to
// the lower bin.
func nearestBin(grades []float64, g float64) int {
	i := sort.SearchFloat64s(grades, g)
	switch {
	case i == 0:
		return 0
	case i == len(grades):
		return len(grades) - 1
	case g-grades[i-1] <= grades[i]-g:
		return i - 1
	default:
		return i
	}
}
