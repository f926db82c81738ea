// Package tier implements the TierOrchestrator: per request it selects the
// most personalised usable tier for a user, composes per-segment pace
// ratios and aggregates them into a route prediction.
package tier

import (
	"context"
	"errors"
	"fmt"

	"github.com/banshee-data/pace.report/internal/monitoring"
	"github.com/banshee-data/pace.report/internal/pace"
	"github.com/banshee-data/pace.report/internal/pace/params"
	"github.com/banshee-data/pace.report/internal/pace/physics"
	"github.com/banshee-data/pace.report/internal/pace/residual"
	"github.com/banshee-data/pace.report/internal/timeutil"
)

var logf = monitoring.Component("TierOrchestrator")

// Source loads the per-user inputs the orchestrator reads. Missing
// artifacts are reported with pace.ErrModelNotFound.
type Source interface {
	ListActivitySummaries(ctx context.Context, userID, segmentationVersion string) ([]pace.ActivitySummary, error)
	LoadParameters(ctx context.Context, userID string) (*pace.LearnedParameters, error)
	LoadResidualModel(ctx context.Context, userID string) (*pace.ResidualEnsembleModel, error)
}

// Config holds the tier thresholds.
type Config struct {
	Tier2MinActivities  int
	Tier3MinActivities  int
	DefaultFlatPace     float64
	RecencyHalfLifeDays float64
	Residual            residual.Config
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		Tier2MinActivities:  5,
		Tier3MinActivities:  15,
		DefaultFlatPace:     360,
		RecencyHalfLifeDays: 120,
		Residual:            residual.DefaultConfig(),
	}
}

// Validate checks the thresholds are consistent.
func (c Config) Validate() error {
	if c.Tier2MinActivities < 1 {
		return fmt.Errorf("tier 2 minimum must be at least 1, got %d", c.Tier2MinActivities)
	}
	if c.Tier3MinActivities < c.Tier2MinActivities {
		return fmt.Errorf("tier 3 minimum (%d) must not be below tier 2 minimum (%d)",
			c.Tier3MinActivities, c.Tier2MinActivities)
	}
	if c.DefaultFlatPace <= 0 {
		return fmt.Errorf("default flat pace must be positive, got %f", c.DefaultFlatPace)
	}
	return nil
}

// Selection is the resolved state of one user for one request.
type Selection struct {
	Tier          pace.Tier
	Confidence    pace.Confidence
	ActivityCount int
	Downgrades    []string

	summaries []pace.ActivitySummary
	physics   *physics.Model
	params    *pace.LearnedParameters
	residual  *residual.Model
	// residualBase is the tier the residual model was trained against.
	residualBase pace.Tier
}

// Parameters returns the Tier 2 artifact in use, if any.
func (s *Selection) Parameters() *pace.LearnedParameters {
	return s.params
}

// BaselineTier is the tier whose ratio function Baseline evaluates.
func (s *Selection) BaselineTier() pace.Tier {
	switch {
	case s.Tier == pace.TierResidual:
		return s.residualBase
	case s.params != nil:
		return pace.TierCalibrated
	default:
		return pace.TierPhysics
	}
}

// Baseline returns the baseline pace ratio for a segment: Tier 2 when
// calibrated parameters are in use, otherwise the population curve.
func (s *Selection) Baseline(fv pace.FeatureVector) float64 {
	if s.BaselineTier() == pace.TierCalibrated {
		return params.SegmentRatio(s.params, fv)
	}
	return s.physics.PredictRatio(fv[pace.FeatGradeMean])
}

// Ratio returns the final pace ratio for a segment, before effort.
func (s *Selection) Ratio(fv pace.FeatureVector) (baseline, multiplier float64) {
	baseline = s.Baseline(fv)
	multiplier = 1
	if s.Tier == pace.TierResidual {
		multiplier = s.residual.Predict(fv)
	}
	return baseline, multiplier
}

// Orchestrator selects tiers and predicts routes. It only reads per-user
// artifacts and is safe for concurrent use.
type Orchestrator struct {
	cfg        Config
	src        Source
	physics    *physics.Model
	segVersion string
	clock      timeutil.Clock
}

// NewOrchestrator returns an Orchestrator reading records collected under
// segmentationVersion.
func NewOrchestrator(cfg Config, src Source, phys *physics.Model, segmentationVersion string, clock timeutil.Clock) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Orchestrator{cfg: cfg, src: src, physics: phys, segVersion: segmentationVersion, clock: clock}, nil
}

// Physics returns the Tier 1 model.
func (o *Orchestrator) Physics() *physics.Model {
	return o.physics
}

// Select resolves the user's tier. Tiers are tried from the most
// personalised down; any missing, invalid or unreadable artifact moves the
// selection one step down, and Tier 1 always remains.
func (o *Orchestrator) Select(ctx context.Context, userID string) *Selection {
	sel := &Selection{Tier: pace.TierPhysics, Confidence: pace.ConfidenceLow, physics: o.physics}

	summaries, err := o.src.ListActivitySummaries(ctx, userID, o.segVersion)
	if err != nil {
		logf("user=%s cannot list activities: %v", userID, err)
		sel.downgrade("activity history unavailable")
		return sel
	}
	for _, s := range summaries {
		if s.TrainableSegments > 0 {
			sel.summaries = append(sel.summaries, s)
		}
	}
	sel.ActivityCount = len(sel.summaries)

	if sel.ActivityCount < o.cfg.Tier2MinActivities {
		return sel
	}
	p, err := o.src.LoadParameters(ctx, userID)
	if err == nil {
		err = params.Validate(p)
	}
	if err != nil {
		sel.downgrade("tier 2: " + describe(err))
		if !errors.Is(err, pace.ErrModelNotFound) {
			logf("user=%s tier 2 parameters unusable: %v", userID, err)
		}
	} else {
		sel.params = p
		sel.Tier = pace.TierCalibrated
		sel.Confidence = p.Confidence
	}

	if sel.ActivityCount < o.cfg.Tier3MinActivities {
		return sel
	}
	art, err := o.src.LoadResidualModel(ctx, userID)
	if err != nil {
		sel.downgrade("tier 3: " + describe(err))
		if !errors.Is(err, pace.ErrModelNotFound) {
			logf("user=%s tier 3 model unreadable: %v", userID, err)
		}
		return sel
	}
	switch art.BaselineTier {
	case pace.TierPhysics:
	case pace.TierCalibrated:
		if sel.params == nil {
			sel.downgrade("tier 3: trained against tier 2 parameters that are unavailable")
			return sel
		}
	default:
		sel.downgrade(fmt.Sprintf("tier 3: unknown baseline tier %d", art.BaselineTier))
		return sel
	}
	m, err := residual.Load(art, o.cfg.Residual)
	if err != nil {
		logf("user=%s tier 3 model incompatible: %v", userID, err)
		sel.downgrade("tier 3: " + describe(err))
		return sel
	}
	sel.residual = m
	sel.residualBase = art.BaselineTier
	sel.Tier = pace.TierResidual
	sel.Confidence = art.Confidence
	return sel
}

func (s *Selection) downgrade(reason string) {
	s.Downgrades = append(s.Downgrades, reason)
}

func describe(err error) string {
	switch {
	case errors.Is(err, pace.ErrModelNotFound):
		return "no trained artifact"
	case errors.Is(err, pace.ErrInvalidParameters):
		return "artifact invalid"
	default:
		return "artifact unavailable"
	}
}
