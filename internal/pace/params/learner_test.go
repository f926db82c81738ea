package params

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pace.report/internal/monitoring"
	"github.com/banshee-data/pace.report/internal/pace"
	"github.com/banshee-data/pace.report/internal/testutil"
	"github.com/banshee-data/pace.report/internal/timeutil"
)

func init() {
	monitoring.SetLogger(nil)
}

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newLearner() *Learner {
	return NewLearner(DefaultConfig(), timeutil.NewMockClock(now))
}

func ratioOf(p *pace.LearnedParameters) testutil.RatioFunc {
	return func(g float64) float64 { return Ratio(p, g, 0, 0) }
}

func history(activities, segments int, start time.Time, ratio testutil.RatioFunc) []*pace.ActivityResidualRecord {
	return testutil.History(testutil.HistoryOptions{
		UserID:           "runner",
		Activities:       activities,
		SegmentsPerRun:   segments,
		SegmentLengthM:   500,
		FlatPaceSecPerKm: 300,
		Start:            start,
		Ratio:            ratio,
	})
}

func TestShouldTrain(t *testing.T) {
	t.Parallel()

	l := newLearner()
	assert.False(t, l.ShouldTrain(0))
	assert.False(t, l.ShouldTrain(4))
	assert.True(t, l.ShouldTrain(5))
	assert.True(t, l.ShouldTrain(50))
}

func TestTrainRecoversParameters(t *testing.T) {
	t.Parallel()

	truth := truthParams()
	records := history(8, 12, now.AddDate(0, 0, -20), ratioOf(truth))

	p, err := newLearner().Train("runner", records)
	require.NoError(t, err)
	require.NoError(t, Validate(p))

	assert.Equal(t, "runner", p.UserID)
	assert.Equal(t, 8, p.NActivitiesUsed)
	assert.Equal(t, 96, p.NSegmentsUsed)
	assert.Equal(t, pace.ConfidenceLow, p.Confidence)
	assert.Equal(t, now, p.TrainedAt)
	assert.Less(t, p.OptimizationScore, 0.02)
	assert.InDelta(t, ContinuityGap(p), p.ContinuityGap, 1e-12)

	for _, g := range []float64{-5, 0, 8} {
		assert.InDelta(t, Ratio(truth, g, 0, 0), Ratio(p, g, 0, 0), 0.08, "grade %v", g)
	}
}

func TestTrainDeterministic(t *testing.T) {
	t.Parallel()

	records := history(6, 12, now.AddDate(0, 0, -10), ratioOf(truthParams()))
	a, err := newLearner().Train("runner", records)
	require.NoError(t, err)
	b, err := newLearner().Train("runner", records)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestTrainWeightsRecentActivities(t *testing.T) {
	t.Parallel()

	recent := truthParams()
	stale := truthParams()
	stale.VFlat = 1.3

	records := history(6, 12, now.AddDate(0, 0, -10), ratioOf(recent))
	records = append(records, history(6, 12, now.AddDate(-1, 0, -10), ratioOf(stale))...)

	p, err := newLearner().Train("runner", records)
	require.NoError(t, err)
	assert.Equal(t, 12, p.NActivitiesUsed)
	assert.Equal(t, pace.ConfidenceMedium, p.Confidence)
	assert.InDelta(t, 1.05, Ratio(p, 0, 0, 0), 0.1)
}

func TestTrainInsufficientActivities(t *testing.T) {
	t.Parallel()

	records := history(4, 12, now.AddDate(0, 0, -10), ratioOf(truthParams()))
	p, err := newLearner().Train("runner", records)
	require.Error(t, err)
	assert.Nil(t, p)
	assert.True(t, errors.Is(err, pace.ErrInsufficientData))
}

func TestTrainIgnoresStoppedSegments(t *testing.T) {
	t.Parallel()

	records := history(5, 12, now.AddDate(0, 0, -10), ratioOf(truthParams()))
	for i := range records[0].Segments {
		records[0].Segments[i].Segment.Stopped = true
	}
	_, err := newLearner().Train("runner", records)
	assert.True(t, errors.Is(err, pace.ErrInsufficientData))
}

func TestTrainTooFewSegments(t *testing.T) {
	t.Parallel()

	records := history(5, 3, now.AddDate(0, 0, -10), ratioOf(truthParams()))
	p, err := newLearner().Train("runner", records)
	require.Error(t, err)
	assert.Nil(t, p)
	assert.True(t, errors.Is(err, pace.ErrTrainingFailed))
}

func TestWarmStartWithinBounds(t *testing.T) {
	t.Parallel()

	l := newLearner()
	obs, n := l.observations(history(5, 12, now, ratioOf(truthParams())))
	require.Equal(t, 5, n)

	start := warmStart(obs)
	for i, v := range start {
		assert.GreaterOrEqual(t, v, bounds[i].lo)
		assert.LessOrEqual(t, v, bounds[i].hi)
	}
	assert.InDelta(t, 1.05, start[idxVFlat], 0.1)

	// Without climbs and descents there is nothing to regress on.
	flat := make([]observation, 30)
	for i := range flat {
		flat[i] = observation{ratio: 1, weight: 1}
	}
	assert.Equal(t, defaultParams, warmStart(flat))
}
