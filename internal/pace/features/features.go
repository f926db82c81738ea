// Package features derives the fixed per-segment feature vector used to
// train and evaluate the residual model.
package features

import (
	"math"

	"github.com/banshee-data/pace.report/internal/pace"
)

// RollingWindowM is the look-back distance for the rolling grade feature.
const RollingWindowM = 500.0

// Walker computes features segment by segment so that the previous
// segment's pace ratio can be fed back during prediction.
type Walker struct {
	segs     []pace.Segment
	totalM   float64
	cumGainM float64
	next     int
}

// NewWalker returns a Walker positioned at the first segment.
func NewWalker(segs []pace.Segment) *Walker {
	return &Walker{segs: segs, totalM: pace.TotalLengthM(segs)}
}

// Done reports whether every segment has been visited.
func (w *Walker) Done() bool {
	return w.next >= len(w.segs)
}

// Next returns the features of the next segment and advances. prevRatio is
// the pace ratio of the segment before it; it is ignored for the first
// segment, which always sees 1.0.
func (w *Walker) Next(prevRatio float64) pace.FeatureVector {
	i := w.next
	s := w.segs[i]

	var fv pace.FeatureVector
	fv[pace.FeatGradeMean] = s.GradeMean
	fv[pace.FeatGradeStd] = s.GradeStd
	fv[pace.FeatAbsGrade] = math.Abs(s.GradeMean)

	startM := s.StartDistanceM - w.segs[0].StartDistanceM
	fv[pace.FeatCumulativeDistanceKm] = startM / 1000
	fv[pace.FeatDistanceRemainingKm] = math.Max(0, w.totalM-startM-s.LengthM) / 1000

	fv[pace.FeatPreviousPaceRatio] = 1.0
	if i > 0 {
		fv[pace.FeatPreviousPaceRatio] = prevRatio
		fv[pace.FeatGradeChange] = s.GradeMean - w.segs[i-1].GradeMean
	}

	fv[pace.FeatCumulativeGainM] = w.cumGainM
	if s.LengthM > 0 {
		fv[pace.FeatGainRate] = s.ElevationGainM / s.LengthKm()
	}
	fv[pace.FeatRollingGrade500m] = rollingGrade(w.segs, i, RollingWindowM)

	w.cumGainM += s.ElevationGainM
	w.next++
	return fv
}

// All computes every segment's features from known pace ratios, as when
// labelling a historical activity. ratios[i] is segment i's observed pace
// ratio; a nil slice feeds 1.0 throughout.
func All(segs []pace.Segment, ratios []float64) []pace.FeatureVector {
	w := NewWalker(segs)
	out := make([]pace.FeatureVector, 0, len(segs))
	for i := range segs {
		prev := 1.0
		if i > 0 && ratios != nil {
			prev = ratios[i-1]
		}
		out = append(out, w.Next(prev))
	}
	return out
}

// rollingGrade is the length-weighted mean grade over the window metres
// ending at segment i's end.
func rollingGrade(segs []pace.Segment, i int, window float64) float64 {
	remaining := window
	weighted, covered := 0.0, 0.0
	for j := i; j >= 0 && remaining > 0; j-- {
		take := math.Min(segs[j].LengthM, remaining)
		weighted += segs[j].GradeMean * take
		covered += take
		remaining -= take
	}
	if covered == 0 {
		return 0
	}
	return weighted / covered
}
