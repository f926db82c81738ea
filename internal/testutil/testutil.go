// Package testutil provides shared test fixtures: synthetic activity
// streams, route segments and residual records with known ground truth.
package testutil

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/banshee-data/pace.report/internal/pace"
)

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// Leg is a constant-grade stretch of a synthetic activity. SpeedMPS of zero
// produces an untimed stretch; use Untimed for whole routes instead.
type Leg struct {
	LengthM  float64
	GradePct float64
	SpeedMPS float64
}

// BuildStream samples legs every stepM metres. Time and velocity are
// integrated from each leg's speed.
func BuildStream(legs []Leg, stepM float64) pace.Stream {
	s := pace.Stream{
		Distance:  []float64{0},
		Elevation: []float64{100},
		Velocity:  []float64{0},
		Time:      []float64{0},
	}
	if len(legs) > 0 {
		s.Velocity[0] = legs[0].SpeedMPS
	}
	for _, leg := range legs {
		steps := int(math.Round(leg.LengthM / stepM))
		if steps < 1 {
			steps = 1
		}
		dd := leg.LengthM / float64(steps)
		for i := 0; i < steps; i++ {
			last := len(s.Distance) - 1
			dt := 0.0
			if leg.SpeedMPS > 0 {
				dt = dd / leg.SpeedMPS
			}
			s.Distance = append(s.Distance, s.Distance[last]+dd)
			s.Elevation = append(s.Elevation, s.Elevation[last]+dd*leg.GradePct/100)
			s.Velocity = append(s.Velocity, leg.SpeedMPS)
			s.Time = append(s.Time, s.Time[last]+dt)
		}
	}
	return s
}

// Untimed strips time and velocity from a stream, as for a planned route.
func Untimed(s pace.Stream) pace.Stream {
	s.Time = nil
	s.Velocity = nil
	return s
}

// UniformRoute returns n contiguous segments of equal length and grade.
func UniformRoute(n int, lengthM, gradePct float64) []pace.Segment {
	segs := make([]pace.Segment, n)
	for i := range segs {
		segs[i] = pace.Segment{
			StartDistanceM: float64(i) * lengthM,
			LengthM:        lengthM,
			GradeMean:      gradePct,
		}
		if gradePct > 0 {
			segs[i].ElevationGainM = lengthM * gradePct / 100
		} else {
			segs[i].ElevationLossM = -lengthM * gradePct / 100
		}
	}
	return segs
}

// RatioFunc maps grade (percent) to a pace ratio.
type RatioFunc func(gradePct float64) float64

// RunnerSpeed returns the speed a synthetic runner with the given flat
// pace (s/km) holds on a grade under ratio.
func RunnerSpeed(flatPaceSecPerKm float64, ratio RatioFunc, gradePct float64) float64 {
	return 1000.0 / (flatPaceSecPerKm * ratio(gradePct))
}

// HistoryOptions shapes a synthetic training history.
type HistoryOptions struct {
	UserID           string
	Activities       int
	SegmentsPerRun   int
	SegmentLengthM   float64
	FlatPaceSecPerKm float64
	Start            time.Time

	// SegmentationVersion defaults to "fixture".
	SegmentationVersion string

	// Ratio is the runner's true pace ratio. Residual is applied on top of
	// the physics ratio when labelling.
	Ratio    RatioFunc
	Physics  RatioFunc
	Residual RatioFunc
}

// History builds residual records with exact labels, one activity per day
// starting at Start. Grades cycle through a fixed pattern so every
// activity covers climbs, descents and flats.
func History(opts HistoryOptions) []*pace.ActivityResidualRecord {
	grades := []float64{0, 4, 8, -3, -7, 2, 10, -10, 6, -5, 1, -1}
	version := opts.SegmentationVersion
	if version == "" {
		version = "fixture"
	}
	records := make([]*pace.ActivityResidualRecord, 0, opts.Activities)
	for a := 0; a < opts.Activities; a++ {
		rec := &pace.ActivityResidualRecord{
			UserID:              opts.UserID,
			ActivityID:          fmt.Sprintf("act-%03d", a),
			ActivityDate:        opts.Start.AddDate(0, 0, a),
			CollectedAt:         opts.Start.AddDate(0, 0, a),
			SegmentationVersion: version,
			BaselineTier:        pace.TierPhysics,
			FlatPaceSecPerKm:    opts.FlatPaceSecPerKm,
			RecencyWeight:       1,
		}
		cum, cumGain := 0.0, 0.0
		prevRatio, prevGrade := 1.0, 0.0
		for i := 0; i < opts.SegmentsPerRun; i++ {
			g := grades[(a+i)%len(grades)]
			actual := opts.Ratio(g)
			physics := actual
			if opts.Physics != nil {
				physics = opts.Physics(g)
			}
			if opts.Residual != nil {
				actual = physics * opts.Residual(g)
			}
			seg := segmentFixture(cum, opts.SegmentLengthM, g, opts.FlatPaceSecPerKm*actual)

			var fv pace.FeatureVector
			fv[pace.FeatGradeMean] = g
			fv[pace.FeatAbsGrade] = math.Abs(g)
			fv[pace.FeatCumulativeDistanceKm] = cum / 1000
			fv[pace.FeatDistanceRemainingKm] = float64(opts.SegmentsPerRun-i-1) * opts.SegmentLengthM / 1000
			fv[pace.FeatPreviousPaceRatio] = prevRatio
			fv[pace.FeatGradeChange] = g - prevGrade
			fv[pace.FeatCumulativeGainM] = cumGain
			fv[pace.FeatGainRate] = seg.ElevationGainM / seg.LengthKm()
			fv[pace.FeatRollingGrade500m] = g
			rec.Segments = append(rec.Segments, pace.SegmentResidual{
				Segment:          seg,
				Features:         fv,
				PhysicsPaceRatio: physics,
				ActualPaceRatio:  actual,
				Residual:         actual / physics,
			})

			cum += opts.SegmentLengthM
			cumGain += seg.ElevationGainM
			prevRatio, prevGrade = actual, g
		}
		records = append(records, rec)
	}
	return records
}

func segmentFixture(start, length, grade, paceSecPerKm float64) pace.Segment {
	duration := paceSecPerKm * length / 1000
	seg := pace.Segment{
		StartDistanceM: start,
		LengthM:        length,
		GradeMean:      grade,
		ActualPace:     paceSecPerKm,
		DurationS:      duration,
		VelocityMean:   length / duration,
	}
	if grade > 0 {
		seg.ElevationGainM = length * grade / 100
	} else {
		seg.ElevationLossM = -length * grade / 100
	}
	return seg
}
