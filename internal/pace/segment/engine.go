// Package segment turns a raw distance/elevation/velocity/time stream into
// variable-length grade segments split at local elevation extrema.
//
// Segmentation is deterministic: the same stream and Config always produce
// the same boundaries. Every residual record stores Config.Version so that
// records collected under different thresholds can be recognised and
// ignored.
package segment

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/pace.report/internal/pace"
)

// Config holds the segmentation thresholds.
type Config struct {
	// MinElevationDeltaM is the reversal needed to confirm an extremum.
	MinElevationDeltaM float64
	// MinSegmentLengthM is the shortest segment kept after merging.
	MinSegmentLengthM float64
	// MaxSegmentLengthM splits longer spans. Zero disables splitting.
	MaxSegmentLengthM float64
	// StoppedVelocityMPS flags segments whose mean velocity is below it.
	StoppedVelocityMPS float64
	// GainThresholdM is the hysteresis used when accumulating gain/loss.
	GainThresholdM float64
	// SmoothingWindow is the centred rolling-mean window, in points.
	SmoothingWindow int
}

// DefaultConfig returns the thresholds used in production.
func DefaultConfig() Config {
	return Config{
		MinElevationDeltaM: 5,
		MinSegmentLengthM:  200,
		MaxSegmentLengthM:  1000,
		StoppedVelocityMPS: 0.5,
		GainThresholdM:     1,
		SmoothingWindow:    5,
	}
}

// Validate checks the thresholds are usable.
func (c Config) Validate() error {
	if c.MinElevationDeltaM <= 0 {
		return fmt.Errorf("min_elevation_delta_m must be positive, got %f", c.MinElevationDeltaM)
	}
	if c.MinSegmentLengthM <= 0 {
		return fmt.Errorf("min_segment_length_m must be positive, got %f", c.MinSegmentLengthM)
	}
	if c.MaxSegmentLengthM != 0 && c.MaxSegmentLengthM < 2*c.MinSegmentLengthM {
		return fmt.Errorf("max_segment_length_m (%f) must be 0 or at least twice min_segment_length_m (%f)",
			c.MaxSegmentLengthM, c.MinSegmentLengthM)
	}
	if c.StoppedVelocityMPS < 0 || c.GainThresholdM < 0 {
		return fmt.Errorf("stopped_velocity_mps and gain_threshold_m must be non-negative")
	}
	if c.SmoothingWindow < 1 {
		return fmt.Errorf("smoothing_window must be at least 1, got %d", c.SmoothingWindow)
	}
	return nil
}

// Version fingerprints the thresholds. Residual records carry it, and a
// change in any threshold invalidates previously collected records.
func (c Config) Version() string {
	key := fmt.Sprintf("extrema-v1|%.4f|%.4f|%.4f|%.4f|%.4f|%d",
		c.MinElevationDeltaM, c.MinSegmentLengthM, c.MaxSegmentLengthM,
		c.StoppedVelocityMPS, c.GainThresholdM, c.SmoothingWindow)
	sum := sha1.Sum([]byte(key))
	return "seg1-" + hex.EncodeToString(sum[:6])
}

// Engine segments streams with a fixed Config.
type Engine struct {
	cfg Config
}

// NewEngine returns an Engine. Invalid configs are rejected.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("segment config: %w", err)
	}
	return &Engine{cfg: cfg}, nil
}

// Config returns the engine's thresholds.
func (e *Engine) Config() Config {
	return e.cfg
}

// Version is shorthand for e.Config().Version().
func (e *Engine) Version() string {
	return e.cfg.Version()
}

// span is a closed index range [start, end] into the stream.
type span struct {
	start, end int
}

// Segment splits s into ordered, contiguous, non-overlapping segments whose
// lengths sum to the stream's total distance.
func (e *Engine) Segment(s pace.Stream) ([]pace.Segment, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	pivots := findExtrema(s.Elevation, e.cfg.MinElevationDeltaM)
	spans := make([]span, 0, len(pivots)-1)
	for i := 1; i < len(pivots); i++ {
		spans = append(spans, span{start: pivots[i-1], end: pivots[i]})
	}

	spans = mergeShort(spans, s, e.cfg.MinSegmentLengthM)
	if e.cfg.MaxSegmentLengthM > 0 {
		spans = splitLong(spans, s.Distance, e.cfg.MaxSegmentLengthM, e.cfg.MinSegmentLengthM)
	}

	smoothed := rollingMean(s.Elevation, e.cfg.SmoothingWindow)
	segs := make([]pace.Segment, 0, len(spans))
	for _, sp := range spans {
		segs = append(segs, e.describe(s, smoothed, sp))
	}
	return segs, nil
}

// findExtrema returns boundary indices: the first point, each confirmed
// peak or valley, and the last point. An extremum is confirmed once the
// elevation has moved the other way by at least minDelta.
func findExtrema(elev []float64, minDelta float64) []int {
	n := len(elev)
	pivots := []int{0}
	dir := 0
	hi, lo, cand := 0, 0, 0

	for i := 1; i < n; i++ {
		v := elev[i]
		switch dir {
		case 0:
			if v > elev[hi] {
				hi = i
			}
			if v < elev[lo] {
				lo = i
			}
			if elev[hi]-elev[lo] < minDelta {
				continue
			}
			if hi > lo {
				if lo > 0 {
					pivots = append(pivots, lo)
				}
				dir, cand = 1, hi
			} else {
				if hi > 0 {
					pivots = append(pivots, hi)
				}
				dir, cand = -1, lo
			}
		case 1:
			if v > elev[cand] {
				cand = i
			} else if elev[cand]-v >= minDelta {
				pivots = append(pivots, cand)
				dir, cand = -1, i
			}
		case -1:
			if v < elev[cand] {
				cand = i
			} else if v-elev[cand] >= minDelta {
				pivots = append(pivots, cand)
				dir, cand = 1, i
			}
		}
	}

	return append(pivots, n-1)
}

func spanLength(d []float64, sp span) float64 {
	return d[sp.end] - d[sp.start]
}

func spanGrade(s pace.Stream, sp span) float64 {
	l := spanLength(s.Distance, sp)
	if l <= 0 {
		return 0
	}
	return (s.Elevation[sp.end] - s.Elevation[sp.start]) / l * 100
}

// mergeShort repeatedly absorbs the shortest too-short span into the
// neighbour with the closest grade (ties go to the previous span).
func mergeShort(spans []span, s pace.Stream, minLen float64) []span {
	for len(spans) > 1 {
		idx := -1
		shortest := math.Inf(1)
		for i, sp := range spans {
			if l := spanLength(s.Distance, sp); l < minLen && l < shortest {
				idx, shortest = i, l
			}
		}
		if idx < 0 {
			break
		}

		var left int
		switch {
		case idx == 0:
			left = 0
		case idx == len(spans)-1:
			left = idx - 1
		default:
			g := spanGrade(s, spans[idx])
			prev := math.Abs(g - spanGrade(s, spans[idx-1]))
			next := math.Abs(g - spanGrade(s, spans[idx+1]))
			if prev <= next {
				left = idx - 1
			} else {
				left = idx
			}
		}

		merged := span{start: spans[left].start, end: spans[left+1].end}
		spans = append(spans[:left], append([]span{merged}, spans[left+2:]...)...)
	}
	return spans
}

// splitLong cuts spans longer than maxLen into equal-distance pieces at the
// nearest available points. A cut that would leave either side shorter than
// minLen is skipped, so sparse or repeated samples never yield empty pieces.
func splitLong(spans []span, d []float64, maxLen, minLen float64) []span {
	out := make([]span, 0, len(spans))
	for _, sp := range spans {
		l := spanLength(d, sp)
		if l <= maxLen || sp.end-sp.start < 2 {
			out = append(out, sp)
			continue
		}
		pieces := int(math.Ceil(l / maxLen))
		prev := sp.start
		for m := 1; m < pieces; m++ {
			target := d[sp.start] + l*float64(m)/float64(pieces)
			cut := nearestIndex(d, target, prev+1, sp.end-1)
			if cut <= prev || d[cut]-d[prev] < minLen || d[sp.end]-d[cut] < minLen {
				continue
			}
			out = append(out, span{start: prev, end: cut})
			prev = cut
		}
		out = append(out, span{start: prev, end: sp.end})
	}
	return out
}

// nearestIndex returns the index in [lo, hi] whose distance is closest to
// target, or lo-1 when the range is empty.
func nearestIndex(d []float64, target float64, lo, hi int) int {
	if lo > hi {
		return lo - 1
	}
	best := lo
	for i := lo; i <= hi; i++ {
		if math.Abs(d[i]-target) < math.Abs(d[best]-target) {
			best = i
		}
		if d[i] > target {
			break
		}
	}
	return best
}

// rollingMean applies a centred moving average, truncating the window at
// the stream edges.
func rollingMean(xs []float64, window int) []float64 {
	out := make([]float64, len(xs))
	if window <= 1 {
		copy(out, xs)
		return out
	}
	half := window / 2
	for i := range xs {
		lo := max(0, i-half)
		hi := min(len(xs), i+half+1)
		out[i] = stat.Mean(xs[lo:hi], nil)
	}
	return out
}

// gainLoss accumulates climbing and descending over smoothed elevation,
// only committing a change once it exceeds threshold.
func gainLoss(smoothed []float64, sp span, threshold float64) (gain, loss float64) {
	ref := smoothed[sp.start]
	for k := sp.start + 1; k <= sp.end; k++ {
		delta := smoothed[k] - ref
		switch {
		case delta >= threshold && delta > 0:
			gain += delta
			ref = smoothed[k]
		case delta <= -threshold && delta < 0:
			loss -= delta
			ref = smoothed[k]
		}
	}
	return gain, loss
}

func (e *Engine) describe(s pace.Stream, smoothed []float64, sp span) pace.Segment {
	d := s.Distance
	seg := pace.Segment{
		StartDistanceM: d[sp.start] - d[0],
		LengthM:        spanLength(d, sp),
		GradeMean:      spanGrade(s, sp),
	}

	grades := make([]float64, 0, sp.end-sp.start)
	for k := sp.start + 1; k <= sp.end; k++ {
		if dd := d[k] - d[k-1]; dd > 0 {
			grades = append(grades, (s.Elevation[k]-s.Elevation[k-1])/dd*100)
		}
	}
	if len(grades) >= 2 {
		seg.GradeStd = stat.StdDev(grades, nil)
	}

	seg.ElevationGainM, seg.ElevationLossM = gainLoss(smoothed, sp, e.cfg.GainThresholdM)

	if s.Timed() {
		seg.DurationS = s.Time[sp.end] - s.Time[sp.start]
		if seg.DurationS > 0 && seg.LengthM > 0 {
			seg.ActualPace = seg.DurationS / seg.LengthKm()
		}
	}
	switch {
	case s.Velocity != nil:
		seg.VelocityMean = stat.Mean(s.Velocity[sp.start+1:sp.end+1], nil)
	case seg.DurationS > 0:
		seg.VelocityMean = seg.LengthM / seg.DurationS
	}
	if s.Velocity != nil || s.Timed() {
		seg.Stopped = seg.VelocityMean < e.cfg.StoppedVelocityMPS
	}
	return seg
}
