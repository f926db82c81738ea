// Package storetest holds the behaviour every artifact store must share.
// Store implementations call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pace.report/internal/pace"
	"github.com/banshee-data/pace.report/internal/testutil"
)

// Store is the persistence surface under test.
type Store interface {
	SaveResidualRecord(ctx context.Context, rec *pace.ActivityResidualRecord) error
	ListResidualRecords(ctx context.Context, userID, segmentationVersion string) ([]*pace.ActivityResidualRecord, error)
	ListActivitySummaries(ctx context.Context, userID, segmentationVersion string) ([]pace.ActivitySummary, error)
	CountStaleRecords(ctx context.Context, userID, segmentationVersion string) (int, error)
	SaveParameters(ctx context.Context, p *pace.LearnedParameters) error
	LoadParameters(ctx context.Context, userID string) (*pace.LearnedParameters, error)
	SaveResidualModel(ctx context.Context, m *pace.ResidualEnsembleModel) error
	LoadResidualModel(ctx context.Context, userID string) (*pace.ResidualEnsembleModel, error)
	SaveArtifacts(ctx context.Context, p *pace.LearnedParameters, m *pace.ResidualEnsembleModel) error
	SaveTrainingStatus(ctx context.Context, st *pace.TrainingStatus) error
	LoadTrainingStatus(ctx context.Context, userID string) (*pace.TrainingStatus, error)
}

var start = time.Date(2025, 3, 1, 7, 30, 0, 0, time.UTC)

// Records returns a small synthetic history for userID.
func Records(userID string, n int, version string) []*pace.ActivityResidualRecord {
	return testutil.History(testutil.HistoryOptions{
		UserID:              userID,
		Activities:          n,
		SegmentsPerRun:      4,
		SegmentLengthM:      333.3,
		FlatPaceSecPerKm:    301.7,
		Start:               start,
		SegmentationVersion: version,
		Ratio:               func(g float64) float64 { return 1 + 0.031*g + 0.0017*g*g },
		Physics:             func(g float64) float64 { return 1 + 0.03*g },
	})
}

// Parameters returns a Tier 2 artifact with awkward float values.
func Parameters(userID string) *pace.LearnedParameters {
	return &pace.LearnedParameters{
		UserID:            userID,
		VFlat:             1.0 / 3.0,
		KUp:               math.Pi / 7,
		KTech:             0.1 + 0.2,
		AUp:               1.2345678901234567,
		ADown:             math.Nextafter(2, 3),
		KTerrainUp:        1,
		KTerrainDown:      0.98,
		FatigueAlpha:      1e-17,
		OptimizationScore: 0.0123,
		ContinuityGap:     0.02,
		NActivitiesUsed:   12,
		NSegmentsUsed:     144,
		Confidence:        pace.ConfidenceMedium,
		TrainedAt:         start.Add(1234567891 * time.Nanosecond),
	}
}

// ResidualModel returns a Tier 3 artifact.
func ResidualModel(userID string) *pace.ResidualEnsembleModel {
	return &pace.ResidualEnsembleModel{
		UserID:            userID,
		Model:             []byte{0, 1, 2, 0xff, '{', '"'},
		FeatureNames:      pace.FeatureNames[:],
		FeatureImportance: map[string]float64{"grade_mean": 0.7, "abs_grade": 0.3},
		NActivitiesUsed:   30,
		NSegmentsTrained:  320,
		Validation:        pace.ValidationMetrics{MAE: 0.01, RMSE: 0.02, R2: 0.9, N: 80},
		BaselineTier:      pace.TierCalibrated,
		Confidence:        pace.ConfidenceMedium,
		TrainedAt:         start,
	}
}

// Run exercises a fresh store returned by newStore.
func Run(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("residual records round trip", func(t *testing.T) {
		s := newStore(t)
		records := Records("alice", 3, "v1")
		for _, rec := range records {
			require.NoError(t, s.SaveResidualRecord(ctx, rec))
		}
		got, err := s.ListResidualRecords(ctx, "alice", "v1")
		require.NoError(t, err)
		if diff := cmp.Diff(records, got); diff != "" {
			t.Errorf("records mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("residual records upsert by activity", func(t *testing.T) {
		s := newStore(t)
		records := Records("alice", 2, "v1")
		for _, rec := range records {
			require.NoError(t, s.SaveResidualRecord(ctx, rec))
		}
		replaced := *records[0]
		replaced.FlatPaceSecPerKm = 280
		require.NoError(t, s.SaveResidualRecord(ctx, &replaced))

		got, err := s.ListResidualRecords(ctx, "alice", "v1")
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, 280.0, got[0].FlatPaceSecPerKm)
	})

	t.Run("records are filtered by user and version", func(t *testing.T) {
		s := newStore(t)
		for _, rec := range Records("alice", 3, "v1") {
			require.NoError(t, s.SaveResidualRecord(ctx, rec))
		}
		for _, rec := range Records("bob", 2, "v1") {
			require.NoError(t, s.SaveResidualRecord(ctx, rec))
		}
		stale := Records("alice", 5, "v0")[3:]
		for _, rec := range stale {
			require.NoError(t, s.SaveResidualRecord(ctx, rec))
		}

		got, err := s.ListResidualRecords(ctx, "alice", "v1")
		require.NoError(t, err)
		assert.Len(t, got, 3)

		all, err := s.ListResidualRecords(ctx, "", "v1")
		require.NoError(t, err)
		assert.Len(t, all, 5)

		n, err := s.CountStaleRecords(ctx, "alice", "v1")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		none, err := s.ListResidualRecords(ctx, "carol", "v1")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("activity summaries", func(t *testing.T) {
		s := newStore(t)
		records := Records("alice", 3, "v1")
		records[1].Segments[0].Segment.Stopped = true
		for i := len(records) - 1; i >= 0; i-- {
			require.NoError(t, s.SaveResidualRecord(ctx, records[i]))
		}

		got, err := s.ListActivitySummaries(ctx, "alice", "v1")
		require.NoError(t, err)
		want := []pace.ActivitySummary{records[0].Summary(), records[1].Summary(), records[2].Summary()}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("summaries mismatch (-want +got):\n%s", diff)
		}
		assert.Equal(t, 3, got[1].TrainableSegments)
	})

	t.Run("rejects records without keys", func(t *testing.T) {
		s := newStore(t)
		rec := Records("", 1, "v1")[0]
		err := s.SaveResidualRecord(ctx, rec)
		assert.True(t, errors.Is(err, pace.ErrInvalidParameters))
	})

	t.Run("parameters round trip bit for bit", func(t *testing.T) {
		s := newStore(t)
		_, err := s.LoadParameters(ctx, "alice")
		assert.True(t, errors.Is(err, pace.ErrModelNotFound))

		want := Parameters("alice")
		require.NoError(t, s.SaveParameters(ctx, want))
		got, err := s.LoadParameters(ctx, "alice")
		require.NoError(t, err)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("parameters mismatch (-want +got):\n%s", diff)
		}
		assert.Equal(t, math.Float64bits(want.ADown), math.Float64bits(got.ADown))

		newer := Parameters("alice")
		newer.VFlat = 1.1
		require.NoError(t, s.SaveParameters(ctx, newer))
		got, err = s.LoadParameters(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, 1.1, got.VFlat)
	})

	t.Run("residual model round trip", func(t *testing.T) {
		s := newStore(t)
		_, err := s.LoadResidualModel(ctx, "alice")
		assert.True(t, errors.Is(err, pace.ErrModelNotFound))

		want := ResidualModel("alice")
		require.NoError(t, s.SaveResidualModel(ctx, want))
		got, err := s.LoadResidualModel(ctx, "alice")
		require.NoError(t, err)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("model mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("artifacts saved together", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SaveArtifacts(ctx, Parameters("alice"), ResidualModel("alice")))
		_, err := s.LoadParameters(ctx, "alice")
		assert.NoError(t, err)
		_, err = s.LoadResidualModel(ctx, "alice")
		assert.NoError(t, err)

		bad := ResidualModel("")
		err = s.SaveArtifacts(ctx, Parameters("bob"), bad)
		assert.True(t, errors.Is(err, pace.ErrInvalidParameters))
		_, err = s.LoadParameters(ctx, "bob")
		assert.True(t, errors.Is(err, pace.ErrModelNotFound), "failed save must not leave a partial write")
	})

	t.Run("saved artifacts are not aliased", func(t *testing.T) {
		s := newStore(t)
		p := Parameters("alice")
		require.NoError(t, s.SaveParameters(ctx, p))
		p.VFlat = 99
		got, err := s.LoadParameters(ctx, "alice")
		require.NoError(t, err)
		assert.NotEqual(t, 99.0, got.VFlat)
	})

	t.Run("training status", func(t *testing.T) {
		s := newStore(t)
		st, err := s.LoadTrainingStatus(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, pace.JobIdle, st.Status)

		started := start.Add(time.Minute)
		want := &pace.TrainingStatus{
			UserID:          "alice",
			JobID:           "job-1",
			Status:          pace.JobRunning,
			CurrentStep:     "training",
			ProgressPercent: 40,
			StartedAt:       &started,
		}
		require.NoError(t, s.SaveTrainingStatus(ctx, want))
		got, err := s.LoadTrainingStatus(ctx, "alice")
		require.NoError(t, err)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("status mismatch (-want +got):\n%s", diff)
		}

		finished := started.Add(time.Minute)
		want.Status = pace.JobCompleted
		want.ProgressPercent = 100
		want.FinishedAt = &finished
		want.Message = "done"
		require.NoError(t, s.SaveTrainingStatus(ctx, want))
		got, err = s.LoadTrainingStatus(ctx, "alice")
		require.NoError(t, err)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("status mismatch (-want +got):\n%s", diff)
		}
	})
}
