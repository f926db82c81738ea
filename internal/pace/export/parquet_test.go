package export

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pace.report/internal/pace"
	"github.com/banshee-data/pace.report/internal/testutil"
)

var start = time.Date(2025, 3, 1, 6, 0, 0, 0, time.UTC)

func fixture() []*pace.ActivityResidualRecord {
	records := testutil.History(testutil.HistoryOptions{
		UserID:           "runner",
		Activities:       3,
		SegmentsPerRun:   4,
		SegmentLengthM:   400,
		FlatPaceSecPerKm: 300,
		Start:            start,
		Ratio:            func(g float64) float64 { return 1 + 0.04*g },
	})
	records[1].Segments[2].Segment.Stopped = true
	return records
}

func TestRowsFlattenSegments(t *testing.T) {
	t.Parallel()

	records := fixture()
	rows := Rows(records, Options{})
	require.Len(t, rows, 12)

	r := rows[5]
	seg := records[1].Segments[1]
	assert.Equal(t, "runner", r.UserID)
	assert.Equal(t, "act-001", r.ActivityID)
	assert.Equal(t, start.AddDate(0, 0, 1).UnixMilli(), r.ActivityDateUnixMs)
	assert.Equal(t, int32(1), r.SegmentIndex)
	assert.Equal(t, int32(pace.TierPhysics), r.BaselineTier)
	assert.Equal(t, seg.Segment.StartDistanceM, r.StartDistanceM)
	assert.Equal(t, seg.Features[pace.FeatGradeMean], r.GradeMean)
	assert.Equal(t, seg.Features[pace.FeatPreviousPaceRatio], r.PreviousPaceRatio)
	assert.Equal(t, seg.Features[pace.FeatRollingGrade500m], r.RollingGrade500m)
	assert.Equal(t, seg.ActualPaceRatio, r.ActualPaceRatio)
	assert.Equal(t, seg.Residual, r.Residual)
	assert.True(t, r.Trainable)

	assert.True(t, rows[6].Stopped)
	assert.False(t, rows[6].Trainable)

	trainable := Rows(records, Options{TrainableOnly: true})
	assert.Len(t, trainable, 11)
	for _, row := range trainable {
		assert.True(t, row.Trainable)
	}
}

func TestRowsEmpty(t *testing.T) {
	t.Parallel()

	assert.Empty(t, Rows(nil, Options{}))
	assert.Empty(t, Rows([]*pace.ActivityResidualRecord{nil}, Options{}))
}

func TestWriteReadMemory(t *testing.T) {
	t.Parallel()

	records := fixture()
	var buf bytes.Buffer
	n, err := Write(&buf, records, Options{})
	require.NoError(t, err)
	assert.Equal(t, 12, n)

	got, err := Read(buf.Bytes())
	require.NoError(t, err)
	if diff := cmp.Diff(Rows(records, Options{}), got); diff != "" {
		t.Errorf("rows differ after parquet encoding (-want +got):\n%s", diff)
	}
}

func TestWriteReadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "training.parquet")
	n, err := WriteFile(path, fixture(), Options{TrainableOnly: true})
	require.NoError(t, err)
	assert.Equal(t, 11, n)

	got, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, got, 11)
	assert.Equal(t, "act-000", got[0].ActivityID)
	assert.Equal(t, "act-002", got[10].ActivityID)
}

func TestReadFileMissing(t *testing.T) {
	t.Parallel()

	_, err := ReadFile(filepath.Join(t.TempDir(), "missing.parquet"))
	assert.Error(t, err)
}
