// Package collect implements the ResidualCollector: it turns a user's past
// activity streams into labelled residual records.
package collect

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/pace.report/internal/monitoring"
	"github.com/banshee-data/pace.report/internal/pace"
	"github.com/banshee-data/pace.report/internal/pace/features"
	"github.com/banshee-data/pace.report/internal/pace/segment"
	"github.com/banshee-data/pace.report/internal/timeutil"
)

// RecordSaver persists residual records keyed by (user, activity).
type RecordSaver interface {
	SaveResidualRecord(ctx context.Context, rec *pace.ActivityResidualRecord) error
}

// Baseline is the ratio function of the tier a user currently qualifies
// for. Ratio must not depend on the previous-segment pace ratio feature.
type Baseline struct {
	Tier  pace.Tier
	Ratio func(fv pace.FeatureVector) float64
}

// Metadata describes the activity a stream came from.
type Metadata struct {
	ActivityDate time.Time
	Name         string
}

// Activity is one input to CollectBatch.
type Activity struct {
	ID       string
	Stream   pace.Stream
	Metadata Metadata
}

// Failure records an activity CollectBatch skipped.
type Failure struct {
	ActivityID string
	Err        error
}

// BatchResult is the outcome of CollectBatch.
type BatchResult struct {
	Records  []*pace.ActivityResidualRecord
	Failures []Failure
}

// Collector builds and stores residual records.
type Collector struct {
	seg          *segment.Engine
	store        RecordSaver
	clock        timeutil.Clock
	halfLifeDays float64
}

// NewCollector returns a Collector. store may be nil, in which case records
// are returned but not persisted.
func NewCollector(seg *segment.Engine, store RecordSaver, clock timeutil.Clock, halfLifeDays float64) *Collector {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Collector{seg: seg, store: store, clock: clock, halfLifeDays: halfLifeDays}
}

// Collect segments one activity, labels every segment against baseline
// and saves the record, replacing any earlier record for the activity.
func (c *Collector) Collect(ctx context.Context, userID, activityID string, s pace.Stream, meta Metadata, baseline Baseline) (*pace.ActivityResidualRecord, error) {
	rec, err := c.build(userID, activityID, s, meta, baseline)
	if err != nil {
		return nil, err
	}
	if c.store != nil {
		if err := c.store.SaveResidualRecord(ctx, rec); err != nil {
			return nil, fmt.Errorf("save residual record %s/%s: %w", userID, activityID, err)
		}
	}
	return rec, nil
}

func (c *Collector) build(userID, activityID string, s pace.Stream, meta Metadata, baseline Baseline) (*pace.ActivityResidualRecord, error) {
	if !s.Timed() {
		return nil, fmt.Errorf("%w: activity %s: stream has no time samples", pace.ErrResidualCollection, activityID)
	}
	segs, err := c.seg.Segment(s)
	if err != nil {
		return nil, fmt.Errorf("%w: activity %s: %w", pace.ErrResidualCollection, activityID, err)
	}

	// Baseline ratios do not use the previous-ratio feature, so a first
	// pass without observed ratios is enough to evaluate them.
	first := features.All(segs, nil)
	physics := make([]float64, len(segs))
	for i, fv := range first {
		physics[i] = baseline.Ratio(fv)
	}

	// The activity's equivalent flat pace is the one that explains the
	// moving time under the baseline.
	moving, expected := 0.0, 0.0
	for i, seg := range segs {
		if seg.Stopped || !seg.Timed() {
			continue
		}
		moving += seg.DurationS
		expected += seg.LengthKm() * physics[i]
	}
	if moving <= 0 || expected <= 0 {
		return nil, fmt.Errorf("%w: activity %s has no moving segments", pace.ErrResidualCollection, activityID)
	}
	flatPace := moving / expected

	actual := make([]float64, len(segs))
	for i, seg := range segs {
		if seg.Timed() {
			actual[i] = seg.ActualPace / flatPace
		}
	}

	fvs := features.All(segs, actual)
	now := c.clock.Now().UTC()
	rec := &pace.ActivityResidualRecord{
		UserID:              userID,
		ActivityID:          activityID,
		ActivityDate:        meta.ActivityDate.UTC(),
		CollectedAt:         now,
		SegmentationVersion: c.seg.Version(),
		BaselineTier:        baseline.Tier,
		FlatPaceSecPerKm:    flatPace,
		RecencyWeight:       pace.RecencyWeight(meta.ActivityDate, now, c.halfLifeDays),
		Segments:            make([]pace.SegmentResidual, len(segs)),
	}
	for i, seg := range segs {
		sr := pace.SegmentResidual{
			Segment:          seg,
			Features:         fvs[i],
			PhysicsPaceRatio: physics[i],
			ActualPaceRatio:  actual[i],
		}
		if physics[i] > 0 && actual[i] > 0 {
			sr.Residual = actual[i] / physics[i]
		}
		if math.IsNaN(sr.Residual) || math.IsInf(sr.Residual, 0) {
			sr.Residual = 0
		}
		rec.Segments[i] = sr
	}
	return rec, nil
}

// CollectBatch collects every activity, logging and skipping the ones that
// fail. Only context cancellation aborts the batch; the records collected
// so far are returned with the error. progress, if set, is called after
// each activity.
func (c *Collector) CollectBatch(ctx context.Context, userID string, acts []Activity, baseline Baseline, progress func(done, total int)) (*BatchResult, error) {
	res := &BatchResult{}
	for i, a := range acts {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		rec, err := c.Collect(ctx, userID, a.ID, a.Stream, a.Metadata, baseline)
		if err != nil {
			monitoring.Logf("[ResidualCollector] user=%s skipping activity %s: %v", userID, a.ID, err)
			res.Failures = append(res.Failures, Failure{ActivityID: a.ID, Err: err})
		} else {
			res.Records = append(res.Records, rec)
		}
		if progress != nil {
			progress(i+1, len(acts))
		}
	}
	monitoring.Logf("[ResidualCollector] user=%s collected %d of %d activities (%d skipped)",
		userID, len(res.Records), len(acts), len(res.Failures))
	return res, nil
}
