package pace

import (
	"fmt"
	"math"
)

// Stream is one activity's aligned point series. Distance and Elevation are
// required; Velocity (m/s) and Time (s since start) are nil for untimed
// routes.
type Stream struct {
	Distance  []float64 `json:"distance"`
	Elevation []float64 `json:"elevation"`
	Velocity  []float64 `json:"velocity,omitempty"`
	Time      []float64 `json:"time,omitempty"`
}

// Len returns the number of points.
func (s Stream) Len() int {
	return len(s.Distance)
}

// Timed reports whether the stream carries time samples.
func (s Stream) Timed() bool {
	return len(s.Time) > 0
}

// TotalDistance returns the distance covered from the first to the last point.
func (s Stream) TotalDistance() float64 {
	if len(s.Distance) < 2 {
		return 0
	}
	return s.Distance[len(s.Distance)-1] - s.Distance[0]
}

// Validate checks array alignment, finiteness and monotonic distance/time.
func (s Stream) Validate() error {
	n := len(s.Distance)
	if n < 2 {
		return fmt.Errorf("%w: stream needs at least 2 points, got %d", ErrInvalidParameters, n)
	}
	if len(s.Elevation) != n {
		return fmt.Errorf("%w: elevation has %d points, distance has %d", ErrInvalidParameters, len(s.Elevation), n)
	}
	if s.Velocity != nil && len(s.Velocity) != n {
		return fmt.Errorf("%w: velocity has %d points, distance has %d", ErrInvalidParameters, len(s.Velocity), n)
	}
	if s.Time != nil && len(s.Time) != n {
		return fmt.Errorf("%w: time has %d points, distance has %d", ErrInvalidParameters, len(s.Time), n)
	}
	for i := 0; i < n; i++ {
		if !finite(s.Distance[i]) || !finite(s.Elevation[i]) {
			return fmt.Errorf("%w: non-finite sample at index %d", ErrInvalidParameters, i)
		}
		if s.Velocity != nil && !finite(s.Velocity[i]) {
			return fmt.Errorf("%w: non-finite velocity at index %d", ErrInvalidParameters, i)
		}
		if s.Time != nil && !finite(s.Time[i]) {
			return fmt.Errorf("%w: non-finite time at index %d", ErrInvalidParameters, i)
		}
		if i == 0 {
			continue
		}
		if s.Distance[i] < s.Distance[i-1] {
			return fmt.Errorf("%w: distance decreases at index %d (%.2f < %.2f)",
				ErrInvalidParameters, i, s.Distance[i], s.Distance[i-1])
		}
		if s.Time != nil && s.Time[i] < s.Time[i-1] {
			return fmt.Errorf("%w: time decreases at index %d", ErrInvalidParameters, i)
		}
	}
	if s.TotalDistance() <= 0 {
		return fmt.Errorf("%w: stream covers no distance", ErrInvalidParameters)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
