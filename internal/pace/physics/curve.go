// Package physics implements the Tier 1 population baseline: a
// grade-to-pace-ratio curve interpolated from the GlobalCurve artifact.
package physics

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gonum.org/v1/gonum/interp"

	"github.com/banshee-data/pace.report/internal/pace"
)

//go:embed default_curve.json
var defaultCurveJSON []byte

// maxCurveFileSize caps curve files read from disk.
const maxCurveFileSize = 1 << 20

// CurvePoint is one grade bin of the population curve.
type CurvePoint struct {
	Grade   float64 `json:"grade"`
	P10     float64 `json:"p10"`
	P25     float64 `json:"p25"`
	Median  float64 `json:"median"`
	P75     float64 `json:"p75"`
	P90     float64 `json:"p90"`
	Samples int     `json:"samples"`
}

// GlobalCurve is the population grade -> pace ratio table. It is built
// offline and read-only at prediction time.
type GlobalCurve struct {
	Version string       `json:"version"`
	BuiltAt time.Time    `json:"built_at"`
	Points  []CurvePoint `json:"points"`
}

// Validate requires at least two points on a strictly increasing grade axis
// with positive, finite ratios.
func (c *GlobalCurve) Validate() error {
	if len(c.Points) < 2 {
		return fmt.Errorf("%w: curve needs at least 2 points, got %d", pace.ErrInvalidParameters, len(c.Points))
	}
	for i, p := range c.Points {
		for _, v := range []float64{p.Grade, p.P10, p.P25, p.Median, p.P75, p.P90} {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: curve point %d is not finite", pace.ErrInvalidParameters, i)
			}
		}
		if p.Median <= 0 || p.P25 <= 0 || p.P75 <= 0 {
			return fmt.Errorf("%w: curve point %d has non-positive ratio", pace.ErrInvalidParameters, i)
		}
		if i > 0 && p.Grade <= c.Points[i-1].Grade {
			return fmt.Errorf("%w: curve grades must be strictly increasing (point %d)", pace.ErrInvalidParameters, i)
		}
	}
	return nil
}

// DefaultCurve returns the bundled population curve.
func DefaultCurve() *GlobalCurve {
	c, err := ParseCurve(defaultCurveJSON)
	if err != nil {
		panic(fmt.Sprintf("physics: bundled curve is invalid: %v", err))
	}
	return c
}

// ParseCurve decodes and validates a curve artifact.
func ParseCurve(data []byte) (*GlobalCurve, error) {
	var c GlobalCurve
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("failed to parse curve: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadCurve reads a curve artifact from a .json file.
func LoadCurve(path string) (*GlobalCurve, error) {
	if !strings.EqualFold(filepath.Ext(path), ".json") {
		return nil, fmt.Errorf("curve file must have .json extension, got %q", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open curve file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxCurveFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read curve file: %w", err)
	}
	if len(data) > maxCurveFileSize {
		return nil, fmt.Errorf("curve file exceeds %d bytes", maxCurveFileSize)
	}
	return ParseCurve(data)
}

// SaveCurve writes c as indented JSON.
func SaveCurve(path string, c *GlobalCurve) error {
	if err := c.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// Model is the Tier 1 predictor. It is safe for concurrent use.
type Model struct {
	curve    *GlobalCurve
	median   interp.PiecewiseLinear
	p25, p75 interp.PiecewiseLinear
	minGrade float64
	maxGrade float64
	minRatio float64
	maxRatio float64
}

// NewModel fits interpolators over the curve. A nil curve selects
// DefaultCurve.
func NewModel(c *GlobalCurve) (*Model, error) {
	if c == nil {
		c = DefaultCurve()
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	n := len(c.Points)
	xs := make([]float64, n)
	med := make([]float64, n)
	lo := make([]float64, n)
	hi := make([]float64, n)
	for i, p := range c.Points {
		xs[i], med[i], lo[i], hi[i] = p.Grade, p.Median, p.P25, p.P75
	}

	m := &Model{
		curve:    c,
		minGrade: xs[0],
		maxGrade: xs[n-1],
	}
	if err := m.median.Fit(xs, med); err != nil {
		return nil, fmt.Errorf("fit median curve: %w", err)
	}
	if err := m.p25.Fit(xs, lo); err != nil {
		return nil, fmt.Errorf("fit p25 curve: %w", err)
	}
	if err := m.p75.Fit(xs, hi); err != nil {
		return nil, fmt.Errorf("fit p75 curve: %w", err)
	}

	sorted := append([]float64(nil), med...)
	sort.Float64s(sorted)
	m.minRatio, m.maxRatio = sorted[0], sorted[n-1]
	return m, nil
}

// Curve returns the curve the model was built from.
func (m *Model) Curve() *GlobalCurve {
	return m.curve
}

// RatioRange returns the smallest and largest median ratios on the curve.
// PredictRatio never leaves this range.
func (m *Model) RatioRange() (lo, hi float64) {
	return m.minRatio, m.maxRatio
}

func (m *Model) clampGrade(g float64) float64 {
	if math.IsNaN(g) {
		return 0
	}
	return math.Max(m.minGrade, math.Min(m.maxGrade, g))
}

// PredictRatio returns the median pace ratio at grade g (percent). Grades
// outside the curve's domain take the boundary value.
func (m *Model) PredictRatio(g float64) float64 {
	r := m.median.Predict(m.clampGrade(g))
	return math.Max(m.minRatio, math.Min(m.maxRatio, r))
}

// Band returns the interpolated 25th and 75th percentile ratios at g.
func (m *Model) Band(g float64) (p25, p75 float64) {
	g = m.clampGrade(g)
	return m.p25.Predict(g), m.p75.Predict(g)
}

// TotalTime sums length_km * flatPace * PredictRatio(grade) over segs.
// flatPace is in seconds per kilometre.
func (m *Model) TotalTime(segs []pace.Segment, flatPace float64) float64 {
	total := 0.0
	for _, s := range segs {
		total += s.LengthKm() * flatPace * m.PredictRatio(s.GradeMean)
	}
	return total
}
