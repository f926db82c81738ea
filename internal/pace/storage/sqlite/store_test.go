package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pace.report/internal/db"
	"github.com/banshee-data/pace.report/internal/pace"
	"github.com/banshee-data/pace.report/internal/pace/storage/storetest"
	"github.com/banshee-data/pace.report/internal/timeutil"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	d, err := db.NewDB(filepath.Join(t.TempDir(), "pace.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return NewStore(d, nil)
}

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Store {
		return newTestStore(t)
	})
}

func TestStoreSurvivesReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "pace.db")
	ctx := context.Background()

	d, err := db.NewDB(path)
	require.NoError(t, err)
	s := NewStore(d, nil)
	for _, rec := range storetest.Records("alice", 2, "v1") {
		require.NoError(t, s.SaveResidualRecord(ctx, rec))
	}
	require.NoError(t, s.SaveParameters(ctx, storetest.Parameters("alice")))
	require.NoError(t, d.Close())

	d, err = db.NewDB(path)
	require.NoError(t, err)
	defer d.Close()
	s = NewStore(d, nil)

	recs, err := s.ListResidualRecords(ctx, "alice", "v1")
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	p, err := s.LoadParameters(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, storetest.Parameters("alice").KUp, p.KUp)
}

func TestStoreConcurrentWriters(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for _, user := range []string{"alice", "bob", "carol", "dave"} {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			for _, rec := range storetest.Records(user, 8, "v1") {
				errs <- s.SaveResidualRecord(ctx, rec)
			}
			errs <- s.SaveTrainingStatus(ctx, &pace.TrainingStatus{UserID: user, Status: pace.JobRunning})
		}(user)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	all, err := s.ListResidualRecords(ctx, "", "v1")
	require.NoError(t, err)
	assert.Len(t, all, 32)
}

func TestTrainingStatusUpdatedAtUsesClock(t *testing.T) {
	t.Parallel()

	d, err := db.NewDB(filepath.Join(t.TempDir(), "pace.db"))
	require.NoError(t, err)
	defer d.Close()

	clock := timeutil.NewMockClock(time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC))
	s := NewStore(d, clock)
	ctx := context.Background()

	updatedAt := func() int64 {
		var v int64
		require.NoError(t, d.QueryRow(`SELECT updated_at FROM training_status WHERE user_id = ?`, "alice").Scan(&v))
		return v
	}

	require.NoError(t, s.SaveTrainingStatus(ctx, &pace.TrainingStatus{UserID: "alice", Status: pace.JobRunning}))
	assert.Equal(t, clock.Now().UnixNano(), updatedAt())

	clock.Advance(90 * time.Second)
	require.NoError(t, s.SaveTrainingStatus(ctx, &pace.TrainingStatus{UserID: "alice", Status: pace.JobCompleted}))
	assert.Equal(t, time.Date(2025, 6, 1, 8, 1, 30, 0, time.UTC).UnixNano(), updatedAt())
}
