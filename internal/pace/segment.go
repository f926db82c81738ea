package pace

import (
	"fmt"
	"math"
)

// contiguityEpsilonM is the tolerance used when checking that consecutive
// segments meet end to start.
const contiguityEpsilonM = 0.01

// Segment is a variable-length span of a route with a roughly constant grade.
type Segment struct {
	StartDistanceM float64 `json:"start_distance_m"`
	LengthM        float64 `json:"length_m"`
	GradeMean      float64 `json:"grade_mean"` // percent
	GradeStd       float64 `json:"grade_std"`
	ElevationGainM float64 `json:"elevation_gain_m"`
	ElevationLossM float64 `json:"elevation_loss_m"`

	// Only populated for historical (timed) segments.
	ActualPace   float64 `json:"actual_pace,omitempty"` // s/km
	VelocityMean float64 `json:"velocity_mean,omitempty"`
	DurationS    float64 `json:"duration_s,omitempty"`
	Stopped      bool    `json:"stopped,omitempty"`
}

// EndDistanceM returns the distance at which the segment ends.
func (s Segment) EndDistanceM() float64 {
	return s.StartDistanceM + s.LengthM
}

// LengthKm returns the segment length in kilometres.
func (s Segment) LengthKm() float64 {
	return s.LengthM / 1000.0
}

// Timed reports whether the segment carries an observed pace.
func (s Segment) Timed() bool {
	return s.DurationS > 0 && s.ActualPace > 0
}

// ValidateSegments rejects structurally invalid route segments: empty input,
// non-positive lengths, non-finite grades, and gaps or overlaps between
// consecutive segments.
func ValidateSegments(segs []Segment) error {
	if len(segs) == 0 {
		return fmt.Errorf("%w: no segments", ErrInvalidParameters)
	}
	for i, s := range segs {
		if !finite(s.LengthM) || s.LengthM <= 0 {
			return fmt.Errorf("%w: segment %d has length %.3f", ErrInvalidParameters, i, s.LengthM)
		}
		if !finite(s.StartDistanceM) || !finite(s.GradeMean) || !finite(s.GradeStd) {
			return fmt.Errorf("%w: segment %d has non-finite values", ErrInvalidParameters, i)
		}
		if i == 0 {
			continue
		}
		prevEnd := segs[i-1].EndDistanceM()
		if math.Abs(s.StartDistanceM-prevEnd) > contiguityEpsilonM {
			return fmt.Errorf("%w: segment %d starts at %.2f m, previous ends at %.2f m",
				ErrInvalidParameters, i, s.StartDistanceM, prevEnd)
		}
	}
	return nil
}

// TotalLengthM sums segment lengths.
func TotalLengthM(segs []Segment) float64 {
	total := 0.0
	for _, s := range segs {
		total += s.LengthM
	}
	return total
}
