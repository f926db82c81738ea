package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pace.report/internal/config"
	"github.com/banshee-data/pace.report/internal/db"
	"github.com/banshee-data/pace.report/internal/monitoring"
	"github.com/banshee-data/pace.report/internal/pace"
	"github.com/banshee-data/pace.report/internal/pace/collect"
	"github.com/banshee-data/pace.report/internal/pace/jobs"
	"github.com/banshee-data/pace.report/internal/pace/physics"
	"github.com/banshee-data/pace.report/internal/pace/storage/memory"
	"github.com/banshee-data/pace.report/internal/pace/storage/sqlite"
	"github.com/banshee-data/pace.report/internal/testutil"
	"github.com/banshee-data/pace.report/internal/timeutil"
)

func init() {
	monitoring.SetLogger(nil)
}

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newEngine(t *testing.T, store Store) *Engine {
	t.Helper()
	e, err := New(DefaultConfig(), store, nil, timeutil.NewMockClock(now))
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

// runnerRatio is a runner who climbs a little worse and descends a little
// better than the population curve.
func runnerRatio(g float64) float64 {
	if g >= 0 {
		return 1 + 0.035*g
	}
	return 1 + 0.012*g + 0.002*g*g
}

func course() []testutil.Leg {
	return []testutil.Leg{
		{LengthM: 1000, GradePct: 6},
		{LengthM: 1000, GradePct: -6},
		{LengthM: 800, GradePct: 10},
		{LengthM: 800, GradePct: -10},
		{LengthM: 600, GradePct: 3},
		{LengthM: 600, GradePct: -3},
	}
}

func activities(n int) []collect.Activity {
	acts := make([]collect.Activity, n)
	for a := range acts {
		flat := 290 + 2*float64(a%5)
		legs := course()
		for i := range legs {
			legs[i].SpeedMPS = testutil.RunnerSpeed(flat, runnerRatio, legs[i].GradePct)
		}
		acts[a] = collect.Activity{
			ID:       fmt.Sprintf("act-%02d", a),
			Stream:   testutil.BuildStream(legs, 10),
			Metadata: collect.Metadata{ActivityDate: now.AddDate(0, 0, a-n)},
		}
	}
	return acts
}

func collectAll(t *testing.T, e *Engine, userID string, n int) {
	t.Helper()
	res, err := e.CollectBatch(context.Background(), userID, activities(n), nil)
	require.NoError(t, err)
	require.Empty(t, res.Failures)
	require.Len(t, res.Records, n)
}

func TestPredictFlatRouteTier1(t *testing.T) {
	t.Parallel()

	e := newEngine(t, memory.NewStore())
	ctx := context.Background()

	bySegments, err := e.Predict(ctx, PredictRequest{
		UserID:           "new-user",
		Segments:         testutil.UniformRoute(10, 1000, 0),
		FlatPaceSecPerKm: 300,
	})
	require.NoError(t, err)
	assert.InDelta(t, 3000, bySegments.TotalTimeS, 1e-6)
	assert.Equal(t, "50:00", bySegments.TotalTimeFormatted)
	assert.Equal(t, pace.TierPhysics, bySegments.Metadata.Tier)
	assert.Equal(t, pace.ConfidenceLow, bySegments.Metadata.Confidence)

	route := testutil.Untimed(testutil.BuildStream([]testutil.Leg{{LengthM: 10000}}, 10))
	byStream, err := e.Predict(ctx, PredictRequest{UserID: "new-user", Stream: &route, FlatPaceSecPerKm: 300})
	require.NoError(t, err)
	assert.InDelta(t, 3000, byStream.TotalTimeS, 1e-6)
	assert.Len(t, byStream.Segments, 10)
}

func TestPredictRejectsMalformedInput(t *testing.T) {
	t.Parallel()

	e := newEngine(t, memory.NewStore())
	ctx := context.Background()
	route := testutil.Untimed(testutil.BuildStream([]testutil.Leg{{LengthM: 1000}}, 10))

	tests := []struct {
		name string
		req  PredictRequest
	}{
		{"nothing", PredictRequest{UserID: "u"}},
		{"both", PredictRequest{UserID: "u", Segments: testutil.UniformRoute(1, 1000, 0), Stream: &route}},
		{"bad stream", PredictRequest{UserID: "u", Stream: &pace.Stream{Distance: []float64{0}, Elevation: []float64{0}}}},
		{"bad effort", PredictRequest{UserID: "u", Segments: testutil.UniformRoute(1, 1000, 0), Effort: "sprint"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := e.Predict(ctx, tt.req)
			assert.True(t, errors.Is(err, pace.ErrInvalidParameters), "got %v", err)
		})
	}
}

func TestTrainingBelowTier2MinimumLeavesNoArtifact(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	e := newEngine(t, store)
	ctx := context.Background()
	collectAll(t, e, "alice", 4)

	_, err := e.TrainParameters(ctx, "alice")
	assert.True(t, errors.Is(err, pace.ErrInsufficientData), "got %v", err)
	_, err = store.LoadParameters(ctx, "alice")
	assert.True(t, errors.Is(err, pace.ErrModelNotFound))

	_, err = e.Train(ctx, "alice", TrainAll)
	assert.True(t, errors.Is(err, pace.ErrInsufficientData), "got %v", err)

	_, err = e.TrainResidualModel(ctx, "alice")
	assert.True(t, errors.Is(err, pace.ErrInsufficientData), "got %v", err)
	_, err = store.LoadResidualModel(ctx, "alice")
	assert.True(t, errors.Is(err, pace.ErrModelNotFound))

	st := e.TierStatus(ctx, "alice")
	assert.Equal(t, pace.TierPhysics, st.CurrentTier)
	assert.Equal(t, 4, st.ActivityCount)
	assert.Equal(t, "1 more activity needed for Tier 2", st.Message)
}

func TestPipelineReachesTier3(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	e := newEngine(t, store)
	ctx := context.Background()
	collectAll(t, e, "alice", 20)

	st := e.TierStatus(ctx, "alice")
	assert.Equal(t, pace.TierPhysics, st.CurrentTier)
	assert.Equal(t, 20, st.ActivityCount)
	assert.True(t, st.Tier3Eligible)
	assert.Equal(t, "Eligible for Tier 2; waiting for training", st.Message)

	msg, err := e.Train(ctx, "alice", TrainAll)
	require.NoError(t, err)
	assert.Contains(t, msg, "tier 2")
	assert.Contains(t, msg, "tier 3")

	model, err := store.LoadResidualModel(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, pace.TierCalibrated, model.BaselineTier)

	st = e.TierStatus(ctx, "alice")
	assert.Equal(t, pace.TierResidual, st.CurrentTier)
	assert.Equal(t, "Highest tier reached", st.Message)

	// Three identical 1 km climbs at +10%.
	pred, err := e.Predict(ctx, PredictRequest{
		UserID:           "alice",
		Segments:         testutil.UniformRoute(3, 1000, 10),
		FlatPaceSecPerKm: 300,
	})
	require.NoError(t, err)
	assert.Equal(t, pace.TierResidual, pred.Metadata.Tier)
	require.Len(t, pred.Segments, 3)

	// Identical grades; only the position features (distance covered,
	// fatigue) differ between the three.
	total := 0.0
	for _, s := range pred.Segments {
		assert.InDelta(t, pred.Segments[0].PaceRatio, s.PaceRatio, 0.08)
		assert.InDelta(t, s.PaceRatio*300, s.TimeS, 1e-6)
		total += s.TimeS
	}
	assert.InDelta(t, total, pred.TotalTimeS, 1e-6)
	// The runner's own climbing ratio at +10% is 1.35.
	assert.InDelta(t, runnerRatio(10), pred.Segments[0].PaceRatio, 0.15)
}

func TestCollectRoundTripsBitForBit(t *testing.T) {
	t.Parallel()

	d, err := db.NewDB(filepath.Join(t.TempDir(), "pace.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	e := newEngine(t, sqlite.NewStore(d, nil))
	ctx := context.Background()

	act := activities(1)[0]
	rec, err := e.CollectResiduals(ctx, "alice", act.ID, act.Stream, act.Metadata)
	require.NoError(t, err)

	stored, err := sqlite.NewStore(d, nil).ListResidualRecords(ctx, "alice", e.SegmentationVersion())
	require.NoError(t, err)
	require.Len(t, stored, 1)
	if diff := cmp.Diff(rec, stored[0]); diff != "" {
		t.Errorf("stored record differs (-collected +stored):\n%s", diff)
	}
	for i := range rec.Segments {
		for f := 0; f < pace.NumFeatures; f++ {
			assert.Equal(t, math.Float64bits(rec.Segments[i].Features[f]), math.Float64bits(stored[0].Segments[i].Features[f]),
				"segment %d feature %s", i, pace.FeatureNames[f])
		}
	}
}

func TestStartTrainingReportsStatus(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	e := newEngine(t, store)
	ctx := context.Background()
	collectAll(t, e, "alice", 6)

	before, err := e.TrainingStatus(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, pace.JobIdle, before.Status)

	id, err := e.StartTraining("alice", TrainParametersOnly)
	require.NoError(t, err)

	var st pace.TrainingStatus
	require.Eventually(t, func() bool {
		st, err = e.TrainingStatus(ctx, "alice")
		return err == nil && st.Status != pace.JobRunning
	}, 30*time.Second, 10*time.Millisecond)
	assert.Equal(t, pace.JobCompleted, st.Status, st.Message)
	assert.Equal(t, id, st.JobID)
	assert.Equal(t, 100, st.ProgressPercent)

	persisted, err := store.LoadTrainingStatus(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, pace.JobCompleted, persisted.Status)

	_, err = store.LoadParameters(ctx, "alice")
	assert.NoError(t, err)
	assert.Equal(t, pace.TierCalibrated, e.TierStatus(ctx, "alice").CurrentTier)
}

func TestStartTrainingFailureKeepsPriorArtifact(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	e := newEngine(t, store)
	ctx := context.Background()
	collectAll(t, e, "alice", 6)

	prior, err := e.TrainParameters(ctx, "alice")
	require.NoError(t, err)

	_, err = e.StartTraining("alice", TrainResidualOnly)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, _ := e.TrainingStatus(ctx, "alice")
		return st.Status == pace.JobError
	}, 10*time.Second, 10*time.Millisecond)

	got, err := store.LoadParameters(ctx, "alice")
	require.NoError(t, err)
	if diff := cmp.Diff(prior, got); diff != "" {
		t.Errorf("parameters changed (-prior +got):\n%s", diff)
	}
}

func TestSyncTrainingWaitsForInFlightJob(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	e := newEngine(t, store)
	ctx := context.Background()
	collectAll(t, e, "alice", 6)

	release := make(chan struct{})
	started := make(chan struct{})
	_, err := e.runner.Submit("alice", func(ctx context.Context, _ jobs.Reporter) (string, error) {
		close(started)
		select {
		case <-release:
			return "held", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	require.NoError(t, err)
	<-started

	_, err = e.TrainParameters(ctx, "alice")
	assert.ErrorIs(t, err, jobs.ErrJobInFlight)
	_, err = e.TrainResidualModel(ctx, "alice")
	assert.ErrorIs(t, err, jobs.ErrJobInFlight)
	_, err = e.Train(ctx, "alice", TrainParametersOnly)
	assert.ErrorIs(t, err, jobs.ErrJobInFlight)
	_, err = store.LoadParameters(ctx, "alice")
	assert.ErrorIs(t, err, pace.ErrModelNotFound)

	close(release)
	require.Eventually(t, func() bool { return !e.runner.InFlight("alice") }, 5*time.Second, 5*time.Millisecond)

	msg, err := e.Train(ctx, "alice", " Parameters ")
	require.NoError(t, err)
	assert.Contains(t, msg, "trained tier 2")
	assert.NotContains(t, msg, "tier 3")
	assert.False(t, e.runner.InFlight("alice"))
}

func TestTierStatusCountsStaleRecords(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	ctx := context.Background()
	collectAll(t, newEngine(t, store), "alice", 3)

	cfg := DefaultConfig()
	cfg.Segment.MinSegmentLengthM = 250
	retuned, err := New(cfg, store, nil, timeutil.NewMockClock(now))
	require.NoError(t, err)
	t.Cleanup(retuned.Close)

	st := retuned.TierStatus(ctx, "alice")
	assert.Equal(t, 3, st.StaleRecords)
	assert.Equal(t, 0, st.ActivityCount)

	// Re-collecting replaces each activity's record.
	collectAll(t, retuned, "alice", 3)
	st = retuned.TierStatus(ctx, "alice")
	assert.Equal(t, 3, st.ActivityCount)
	assert.Zero(t, st.StaleRecords)
}

func TestStartTrainingRejectsUnknownKind(t *testing.T) {
	t.Parallel()

	e := newEngine(t, memory.NewStore())
	_, err := e.StartTraining("alice", "everything")
	assert.True(t, errors.Is(err, pace.ErrInvalidParameters))
	assert.False(t, errors.Is(err, jobs.ErrJobInFlight))
}

func TestParseTrainKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want TrainKind
		ok   bool
	}{
		{"", TrainAll, true},
		{"all", TrainAll, true},
		{"Parameters", TrainParametersOnly, true},
		{" residual ", TrainResidualOnly, true},
		{"tier4", "", false},
	}
	for _, tt := range tests {
		got, err := ParseTrainKind(tt.in)
		if !tt.ok {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestBuildGlobalCurve(t *testing.T) {
	t.Parallel()

	e := newEngine(t, memory.NewStore())
	collectAll(t, e, "alice", 3)
	collectAll(t, e, "bob", 3)

	c, err := e.BuildGlobalCurve(context.Background(), physics.BuildOptions{
		Grades:  []float64{-10, -6, -3, 0, 3, 6, 10},
		Version: "test",
	})
	require.NoError(t, err)
	assert.Equal(t, now, c.BuiltAt)
	require.Len(t, c.Points, 6, "no flat segments in the course")
	for _, p := range c.Points {
		assert.Equal(t, 6, p.Samples, "grade %v", p.Grade)
	}
}

func TestConfigFromDefaultsFile(t *testing.T) {
	t.Parallel()

	assert.Equal(t, DefaultConfig(), ConfigFrom(config.MustLoadDefaultConfig()))
}
