// Package engine is the entry point the surrounding application uses:
// predictions, tier status, residual collection and training, all backed
// by one artifact Store.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/banshee-data/pace.report/internal/config"
	"github.com/banshee-data/pace.report/internal/monitoring"
	"github.com/banshee-data/pace.report/internal/pace"
	"github.com/banshee-data/pace.report/internal/pace/boost"
	"github.com/banshee-data/pace.report/internal/pace/collect"
	"github.com/banshee-data/pace.report/internal/pace/jobs"
	"github.com/banshee-data/pace.report/internal/pace/params"
	"github.com/banshee-data/pace.report/internal/pace/physics"
	"github.com/banshee-data/pace.report/internal/pace/residual"
	"github.com/banshee-data/pace.report/internal/pace/segment"
	"github.com/banshee-data/pace.report/internal/pace/tier"
	"github.com/banshee-data/pace.report/internal/timeutil"
)

var logf = monitoring.Component("Engine")

// Store is the persistence the engine needs. Missing artifacts are
// reported with pace.ErrModelNotFound. An empty userID in
// ListResidualRecords lists every user.
type Store interface {
	collect.RecordSaver
	tier.Source
	jobs.StatusSink

	ListResidualRecords(ctx context.Context, userID, segmentationVersion string) ([]*pace.ActivityResidualRecord, error)
	CountStaleRecords(ctx context.Context, userID, segmentationVersion string) (int, error)
	SaveParameters(ctx context.Context, p *pace.LearnedParameters) error
	SaveResidualModel(ctx context.Context, m *pace.ResidualEnsembleModel) error
	LoadTrainingStatus(ctx context.Context, userID string) (*pace.TrainingStatus, error)
}

// Config gathers the settings of every component.
type Config struct {
	Segment           segment.Config
	Params            params.Config
	Tier              tier.Config
	MaxConcurrentJobs int
	JobQueueSize      int
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return ConfigFrom(config.EmptyPacerConfig())
}

// ConfigFrom maps a PacerConfig onto the component settings. The tier
// thresholds double as the training minimums so that a user becomes
// trainable exactly when they become eligible.
func ConfigFrom(c *config.PacerConfig) Config {
	res := residual.Config{
		MinActivities:      c.GetTier3MinActivities(),
		MinSegments:        c.GetResidualMinSegments(),
		ValidationFraction: c.GetValidationFraction(),
		ResidualMin:        c.GetResidualMin(),
		ResidualMax:        c.GetResidualMax(),
		ConfidenceMedium:   residual.DefaultConfig().ConfidenceMedium,
		ConfidenceHigh:     residual.DefaultConfig().ConfidenceHigh,
		Boost: boost.Params{
			NEstimators:    c.GetNEstimators(),
			LearningRate:   c.GetLearningRate(),
			MaxDepth:       c.GetMaxDepth(),
			MinSamplesLeaf: c.GetMinSamplesLeaf(),
		},
	}
	par := params.DefaultConfig()
	par.MinActivities = c.GetTier2MinActivities()
	par.MinSegments = c.GetMinTrainingSegments()
	par.RecencyHalfLifeDays = c.GetRecencyHalfLifeDays()
	par.ContinuityGapWarn = c.GetContinuityGapWarn()
	par.MaxEvaluations = c.GetMaxOptimizerEvaluations()

	return Config{
		Segment: segment.Config{
			MinElevationDeltaM: c.GetMinElevationDeltaM(),
			MinSegmentLengthM:  c.GetMinSegmentLengthM(),
			MaxSegmentLengthM:  c.GetMaxSegmentLengthM(),
			StoppedVelocityMPS: c.GetStoppedVelocityMPS(),
			GainThresholdM:     c.GetGainThresholdM(),
			SmoothingWindow:    c.GetSmoothingWindow(),
		},
		Params: par,
		Tier: tier.Config{
			Tier2MinActivities:  c.GetTier2MinActivities(),
			Tier3MinActivities:  c.GetTier3MinActivities(),
			DefaultFlatPace:     c.GetDefaultFlatPace(),
			RecencyHalfLifeDays: c.GetRecencyHalfLifeDays(),
			Residual:            res,
		},
		MaxConcurrentJobs: c.GetMaxConcurrentJobs(),
		JobQueueSize:      c.GetJobQueueSize(),
	}
}

// Engine wires the pace components together. It is safe for concurrent
// use; training submitted through StartTraining runs on a bounded pool.
type Engine struct {
	cfg       Config
	store     Store
	clock     timeutil.Clock
	segmenter *segment.Engine
	physics   *physics.Model
	orch      *tier.Orchestrator
	learner   *params.Learner
	trainer   *residual.Trainer
	collector *collect.Collector
	runner    *jobs.Runner
}

// New builds an Engine. A nil curve uses the bundled population curve and
// a nil clock uses the wall clock.
func New(cfg Config, store Store, curve *physics.GlobalCurve, clock timeutil.Clock) (*Engine, error) {
	if store == nil {
		return nil, errors.New("engine: store is required")
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	seg, err := segment.NewEngine(cfg.Segment)
	if err != nil {
		return nil, err
	}
	phys, err := physics.NewModel(curve)
	if err != nil {
		return nil, fmt.Errorf("engine: global curve: %w", err)
	}
	orch, err := tier.NewOrchestrator(cfg.Tier, store, phys, seg.Version(), clock)
	if err != nil {
		return nil, fmt.Errorf("engine: tier config: %w", err)
	}
	if err := cfg.Tier.Residual.Boost.Validate(); err != nil {
		return nil, fmt.Errorf("engine: boost params: %w", err)
	}

	e := &Engine{
		cfg:       cfg,
		store:     store,
		clock:     clock,
		segmenter: seg,
		physics:   phys,
		orch:      orch,
		learner:   params.NewLearner(cfg.Params, clock),
		trainer:   residual.NewTrainer(cfg.Tier.Residual, clock),
		collector: collect.NewCollector(seg, store, clock, cfg.Tier.RecencyHalfLifeDays),
		runner:    jobs.NewRunner(cfg.MaxConcurrentJobs, cfg.JobQueueSize, store, clock),
	}
	logf("ready: segmentation %s, curve %s, tiers %d/%d, %d training workers",
		seg.Version(), phys.Curve().Version, cfg.Tier.Tier2MinActivities, cfg.Tier.Tier3MinActivities,
		max(cfg.MaxConcurrentJobs, 1))
	return e, nil
}

// Close cancels running training jobs and waits for them to stop.
func (e *Engine) Close() {
	e.runner.Close()
}

// SegmentationVersion fingerprints the active segmentation thresholds.
func (e *Engine) SegmentationVersion() string {
	return e.segmenter.Version()
}

// Physics returns the population model.
func (e *Engine) Physics() *physics.Model {
	return e.physics
}

// Segment splits a stream with the engine's thresholds.
func (e *Engine) Segment(s pace.Stream) ([]pace.Segment, error) {
	return e.segmenter.Segment(s)
}

// PredictRequest asks for a route prediction. Exactly one of Segments and
// Stream must be set; a stream is segmented first.
type PredictRequest struct {
	UserID           string
	Segments         []pace.Segment
	Stream           *pace.Stream
	Effort           pace.Effort
	FlatPaceSecPerKm float64
}

// Predict returns a route prediction. It only fails on malformed input.
func (e *Engine) Predict(ctx context.Context, req PredictRequest) (*tier.Prediction, error) {
	segs := req.Segments
	switch {
	case len(segs) > 0 && req.Stream != nil:
		return nil, fmt.Errorf("%w: give either segments or a stream, not both", pace.ErrInvalidParameters)
	case req.Stream != nil:
		var err error
		if segs, err = e.segmenter.Segment(*req.Stream); err != nil {
			return nil, err
		}
	}
	return e.orch.Predict(ctx, tier.Request{
		UserID:           req.UserID,
		Segments:         segs,
		Effort:           req.Effort,
		FlatPaceSecPerKm: req.FlatPaceSecPerKm,
	})
}

// TierStatus reports the user's current tier and progress to the next,
// and how many records need re-collecting after a threshold change.
func (e *Engine) TierStatus(ctx context.Context, userID string) tier.Status {
	st := e.orch.Status(ctx, userID)
	stale, err := e.store.CountStaleRecords(ctx, userID, e.segmenter.Version())
	if err != nil {
		logf("user=%s cannot count stale records: %v", userID, err)
		return st
	}
	st.StaleRecords = stale
	return st
}

// baseline is the ratio function of the best calibrated model the user
// has, ignoring any residual model: Tier 2 when valid parameters exist,
// otherwise the population curve.
func (e *Engine) baseline(ctx context.Context, userID string) collect.Baseline {
	sel := e.orch.Select(ctx, userID)
	if p := sel.Parameters(); p != nil {
		return collect.Baseline{
			Tier:  pace.TierCalibrated,
			Ratio: func(fv pace.FeatureVector) float64 { return params.SegmentRatio(p, fv) },
		}
	}
	return collect.Baseline{
		Tier:  pace.TierPhysics,
		Ratio: func(fv pace.FeatureVector) float64 { return e.physics.PredictRatio(fv[pace.FeatGradeMean]) },
	}
}

// CollectResiduals segments one historical activity, labels it against the
// user's current baseline and stores the record, replacing any earlier
// record for the same activity.
func (e *Engine) CollectResiduals(ctx context.Context, userID, activityID string, s pace.Stream, meta collect.Metadata) (*pace.ActivityResidualRecord, error) {
	return e.collector.Collect(ctx, userID, activityID, s, meta, e.baseline(ctx, userID))
}

// CollectBatch collects many activities, skipping and reporting the ones
// that fail.
func (e *Engine) CollectBatch(ctx context.Context, userID string, acts []collect.Activity, progress func(done, total int)) (*collect.BatchResult, error) {
	return e.collector.CollectBatch(ctx, userID, acts, e.baseline(ctx, userID), progress)
}

// ResidualRecords lists the user's records under the current segmentation
// version. An empty userID lists every user.
func (e *Engine) ResidualRecords(ctx context.Context, userID string) ([]*pace.ActivityResidualRecord, error) {
	records, err := e.store.ListResidualRecords(ctx, userID, e.segmenter.Version())
	if err != nil {
		return nil, fmt.Errorf("failed to list residual records for %s: %w", userID, err)
	}
	return records, nil
}

// TrainParameters fits and stores the user's Tier 2 parameters. On any
// failure the previously stored artifact is left untouched. It fails with
// jobs.ErrJobInFlight while the user has a training job queued or running.
func (e *Engine) TrainParameters(ctx context.Context, userID string) (*pace.LearnedParameters, error) {
	release, err := e.runner.Acquire(userID)
	if err != nil {
		return nil, err
	}
	defer release()
	return e.trainParameters(ctx, userID)
}

func (e *Engine) trainParameters(ctx context.Context, userID string) (*pace.LearnedParameters, error) {
	records, err := e.ResidualRecords(ctx, userID)
	if err != nil {
		return nil, err
	}
	p, err := e.learner.Train(userID, records)
	if err != nil {
		return nil, err
	}
	if err := e.store.SaveParameters(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to save parameters for %s: %w", userID, err)
	}
	return p, nil
}

// TrainResidualModel fits and stores the user's Tier 3 model against their
// current baseline. On any failure the previously stored artifact is left
// untouched. Like TrainParameters it never overlaps another job for the
// same user.
func (e *Engine) TrainResidualModel(ctx context.Context, userID string) (*pace.ResidualEnsembleModel, error) {
	release, err := e.runner.Acquire(userID)
	if err != nil {
		return nil, err
	}
	defer release()
	return e.trainResidualModel(ctx, userID)
}

func (e *Engine) trainResidualModel(ctx context.Context, userID string) (*pace.ResidualEnsembleModel, error) {
	records, err := e.ResidualRecords(ctx, userID)
	if err != nil {
		return nil, err
	}
	base := e.baseline(ctx, userID)
	m, err := e.trainer.Train(userID, records, base.Tier, residual.Baseline(base.Ratio))
	if err != nil {
		return nil, err
	}
	if err := e.store.SaveResidualModel(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to save residual model for %s: %w", userID, err)
	}
	return m, nil
}

// BuildGlobalCurve rebuilds the population curve from every user's
// residual records under the current segmentation version.
func (e *Engine) BuildGlobalCurve(ctx context.Context, opts physics.BuildOptions) (*physics.GlobalCurve, error) {
	records, err := e.store.ListResidualRecords(ctx, "", e.segmenter.Version())
	if err != nil {
		return nil, fmt.Errorf("failed to list residual records: %w", err)
	}
	if opts.BuiltAt.IsZero() {
		opts.BuiltAt = e.clock.Now().UTC()
	}
	return physics.BuildCurve(physics.SamplesFromRecords(records), opts)
}

// TrainingStatus returns the user's latest job status: the live one when a
// job ran in this process, otherwise the last persisted one.
func (e *Engine) TrainingStatus(ctx context.Context, userID string) (pace.TrainingStatus, error) {
	if st, ok := e.runner.Status(userID); ok {
		return st, nil
	}
	st, err := e.store.LoadTrainingStatus(ctx, userID)
	if err != nil {
		return pace.TrainingStatus{}, err
	}
	return *st, nil
}
