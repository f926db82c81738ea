package segment

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pace.report/internal/pace"
	"github.com/banshee-data/pace.report/internal/testutil"
)

func newEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := NewEngine(cfg)
	require.NoError(t, err)
	return e
}

func hillStream() pace.Stream {
	return testutil.BuildStream([]testutil.Leg{
		{LengthM: 1200, GradePct: 0, SpeedMPS: 3.3},
		{LengthM: 800, GradePct: 6, SpeedMPS: 2.6},
		{LengthM: 800, GradePct: -6, SpeedMPS: 3.6},
		{LengthM: 600, GradePct: 0, SpeedMPS: 3.3},
	}, 10)
}

func TestFindExtrema(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		elev []float64
		want []int
	}{
		{"monotonic climb", []float64{0, 2, 4, 6, 8, 10}, []int{0, 5}},
		{"single peak", []float64{0, 5, 10, 6, 2, 0}, []int{0, 2, 5}},
		{"noise below threshold", []float64{0, 1, 0, 1, 0, 1}, []int{0, 5}},
		{"valley then climb", []float64{10, 7, 4, 8, 12, 16}, []int{0, 2, 5}},
		{"peak and valley", []float64{0, 10, 20, 10, 0, 10, 20}, []int{0, 2, 4, 6}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := findExtrema(tt.elev, 5)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("findExtrema mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSegmentHill(t *testing.T) {
	t.Parallel()

	// The flat approach is not an extremum; the 1 km split separates it
	// from the climb.
	segs, err := newEngine(t, DefaultConfig()).Segment(hillStream())
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(segs), 3)
	require.NoError(t, pace.ValidateSegments(segs))

	var climb, descent *pace.Segment
	for i := range segs {
		if segs[i].GradeMean > 3 && climb == nil {
			climb = &segs[i]
		}
		if segs[i].GradeMean < -3 && descent == nil {
			descent = &segs[i]
		}
	}
	require.NotNil(t, climb)
	require.NotNil(t, descent)
	assert.Greater(t, climb.ElevationGainM, 40.0)
	assert.Less(t, climb.ElevationLossM, 1.0)
	assert.Greater(t, descent.ElevationLossM, 35.0)
	assert.Greater(t, climb.ActualPace, descent.ActualPace)
}

func TestSegmentLengthsSumToDistance(t *testing.T) {
	t.Parallel()

	s := hillStream()
	for _, maxLen := range []float64{0, 500, 1000} {
		cfg := DefaultConfig()
		cfg.MaxSegmentLengthM = maxLen
		segs, err := newEngine(t, cfg).Segment(s)
		require.NoError(t, err)
		assert.InDelta(t, s.TotalDistance(), pace.TotalLengthM(segs), 1e-6)
		assert.NoError(t, pace.ValidateSegments(segs))
	}
}

func TestSegmentIdempotent(t *testing.T) {
	t.Parallel()

	e := newEngine(t, DefaultConfig())
	first, err := e.Segment(hillStream())
	require.NoError(t, err)
	second, err := e.Segment(hillStream())
	require.NoError(t, err)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("re-segmentation differs (-first +second):\n%s", diff)
	}
}

func TestSegmentSplitsLongFlats(t *testing.T) {
	t.Parallel()

	s := testutil.BuildStream([]testutil.Leg{{LengthM: 10000, GradePct: 0, SpeedMPS: 3.33}}, 10)
	segs, err := newEngine(t, DefaultConfig()).Segment(s)
	require.NoError(t, err)
	require.Len(t, segs, 10)
	for _, seg := range segs {
		assert.InDelta(t, 1000, seg.LengthM, 10)
		assert.InDelta(t, 0, seg.GradeMean, 1e-9)
	}
}

func TestSegmentSparseSamplesNeverEmpty(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		distance []float64
		want     int
	}{
		{"leading fixes at zero", []float64{0, 0, 0, 1500}, 1},
		{"trailing repeats", []float64{0, 1500, 1500, 1500}, 1},
		{"one sample near the start", []float64{0, 0, 50, 2500}, 1},
		{"usable cut", []float64{0, 0, 1200, 2400}, 2},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := pace.Stream{
				Distance:  tt.distance,
				Elevation: []float64{100, 100, 100, 101},
			}
			segs, err := newEngine(t, DefaultConfig()).Segment(s)
			require.NoError(t, err)
			require.Len(t, segs, tt.want)
			require.NoError(t, pace.ValidateSegments(segs))
			for _, seg := range segs {
				assert.GreaterOrEqual(t, seg.LengthM, DefaultConfig().MinSegmentLengthM)
			}
			assert.InDelta(t, s.TotalDistance(), pace.TotalLengthM(segs), 1e-9)
		})
	}
}

func TestSegmentMergesShortSpans(t *testing.T) {
	t.Parallel()

	// The double bump produces real extrema 60 m apart, too short to stand
	// alone.
	s := testutil.BuildStream([]testutil.Leg{
		{LengthM: 600, GradePct: 0, SpeedMPS: 3},
		{LengthM: 60, GradePct: 15, SpeedMPS: 2},
		{LengthM: 60, GradePct: -15, SpeedMPS: 3},
		{LengthM: 60, GradePct: 15, SpeedMPS: 2},
		{LengthM: 60, GradePct: -15, SpeedMPS: 3},
		{LengthM: 600, GradePct: 0, SpeedMPS: 3},
	}, 5)
	require.Len(t, findExtrema(s.Elevation, 5), 5)
	cfg := DefaultConfig()
	cfg.MaxSegmentLengthM = 0
	segs, err := newEngine(t, cfg).Segment(s)
	require.NoError(t, err)
	require.Len(t, segs, 2)
	for _, seg := range segs {
		assert.GreaterOrEqual(t, seg.LengthM, cfg.MinSegmentLengthM)
	}
	assert.InDelta(t, 780, segs[0].LengthM, 1e-6)
}

func TestSegmentFlagsStopped(t *testing.T) {
	t.Parallel()

	s := testutil.BuildStream([]testutil.Leg{
		{LengthM: 400, GradePct: 8, SpeedMPS: 0.2},
		{LengthM: 400, GradePct: -8, SpeedMPS: 3},
	}, 10)
	cfg := DefaultConfig()
	segs, err := newEngine(t, cfg).Segment(s)
	require.NoError(t, err)
	require.Len(t, segs, 2)
	assert.True(t, segs[0].Stopped)
	assert.False(t, segs[1].Stopped)
}

func TestSegmentUntimedRoute(t *testing.T) {
	t.Parallel()

	segs, err := newEngine(t, DefaultConfig()).Segment(testutil.Untimed(hillStream()))
	require.NoError(t, err)
	for _, seg := range segs {
		assert.False(t, seg.Stopped)
		assert.Zero(t, seg.ActualPace)
		assert.False(t, seg.Timed())
	}
}

func TestSegmentRejectsInvalidStream(t *testing.T) {
	t.Parallel()

	e := newEngine(t, DefaultConfig())
	_, err := e.Segment(pace.Stream{
		Distance:  []float64{0, 10, 5},
		Elevation: []float64{0, 0, 0},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, pace.ErrInvalidParameters))
}

func TestConfigVersion(t *testing.T) {
	t.Parallel()

	a := DefaultConfig()
	b := DefaultConfig()
	assert.Equal(t, a.Version(), b.Version())

	b.MinSegmentLengthM = 250
	assert.NotEqual(t, a.Version(), b.Version())
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MaxSegmentLengthM = 300
	_, err := NewEngine(cfg)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.SmoothingWindow = 0
	_, err = NewEngine(cfg)
	assert.Error(t, err)
}
