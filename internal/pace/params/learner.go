package params

import (
	"fmt"
	"math"

	"github.com/sajari/regression"
	"gonum.org/v1/gonum/optimize"

	"github.com/banshee-data/pace.report/internal/monitoring"
	"github.com/banshee-data/pace.report/internal/pace"
	"github.com/banshee-data/pace.report/internal/timeutil"
)

// Config holds the Tier 2 training thresholds.
type Config struct {
	MinActivities       int
	MinSegments         int
	RecencyHalfLifeDays float64
	ContinuityGapWarn   float64
	MaxEvaluations      int
	ConfidenceMedium    int
	ConfidenceHigh      int
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		MinActivities:       5,
		MinSegments:         20,
		RecencyHalfLifeDays: 120,
		ContinuityGapWarn:   0.05,
		MaxEvaluations:      6000,
		ConfidenceMedium:    10,
		ConfidenceHigh:      20,
	}
}

// observation is one trainable segment flattened for the objective.
type observation struct {
	grade    float64
	cumKm    float64
	cumGainM float64
	ratio    float64
	weight   float64
}

// Learner fits LearnedParameters for one user at a time. It holds no
// per-user state and is safe for concurrent use.
type Learner struct {
	cfg   Config
	clock timeutil.Clock
}

// NewLearner returns a Learner. A nil clock uses the wall clock.
func NewLearner(cfg Config, clock timeutil.Clock) *Learner {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Learner{cfg: cfg, clock: clock}
}

// Config returns the learner's thresholds.
func (l *Learner) Config() Config {
	return l.cfg
}

// ShouldTrain reports whether activityCount activities with collected
// residuals are enough to fit Tier 2.
func (l *Learner) ShouldTrain(activityCount int) bool {
	return activityCount >= l.cfg.MinActivities
}

// Train fits the two-branch model to the user's records by minimising the
// recency-weighted mean absolute error of the pace ratio. Records must
// already be filtered to the current segmentation version.
func (l *Learner) Train(userID string, records []*pace.ActivityResidualRecord) (*pace.LearnedParameters, error) {
	obs, nActivities := l.observations(records)
	if !l.ShouldTrain(nActivities) {
		return nil, fmt.Errorf("%w: %d activities with residuals, need %d",
			pace.ErrInsufficientData, nActivities, l.cfg.MinActivities)
	}
	if len(obs) < l.cfg.MinSegments {
		return nil, fmt.Errorf("%w: %d valid segments, need %d",
			pace.ErrTrainingFailed, len(obs), l.cfg.MinSegments)
	}

	objective := func(z []float64) float64 {
		v := decode(z)
		return weightedMAE(&v, obs)
	}

	start := warmStart(obs)
	x0 := encode(start)
	initial := objective(x0)

	settings := &optimize.Settings{
		FuncEvaluations: l.cfg.MaxEvaluations,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-7,
			Iterations: 200,
		},
	}
	result, err := optimize.Minimize(optimize.Problem{Func: objective}, x0, settings, &optimize.NelderMead{})
	if err != nil {
		return nil, fmt.Errorf("%w: optimiser: %v", pace.ErrTrainingFailed, err)
	}
	if math.IsNaN(result.F) || math.IsInf(result.F, 0) {
		return nil, fmt.Errorf("%w: optimiser returned non-finite score", pace.ErrTrainingFailed)
	}
	if result.Status != optimize.FunctionConvergence && result.F >= initial {
		return nil, fmt.Errorf("%w: optimiser stopped (%v) without improving on %.4f",
			pace.ErrTrainingFailed, result.Status, initial)
	}

	p := &pace.LearnedParameters{
		UserID:            userID,
		OptimizationScore: result.F,
		NActivitiesUsed:   nActivities,
		NSegmentsUsed:     len(obs),
		Confidence:        pace.ConfidenceFor(nActivities, l.cfg.ConfidenceMedium, l.cfg.ConfidenceHigh),
		TrainedAt:         l.clock.Now().UTC(),
	}
	fromVector(decode(result.X), p)
	p.ContinuityGap = ContinuityGap(p)

	if err := Validate(p); err != nil {
		return nil, fmt.Errorf("%w: %v", pace.ErrTrainingFailed, err)
	}
	if p.ContinuityGap > l.cfg.ContinuityGapWarn {
		monitoring.Logf("[ParameterLearner] user=%s continuity gap at 0%% grade is %.3f (warn above %.3f)",
			userID, p.ContinuityGap, l.cfg.ContinuityGapWarn)
	}
	monitoring.Logf("[ParameterLearner] user=%s fitted %d segments from %d activities: mae %.4f -> %.4f (%v, %d evals)",
		userID, len(obs), nActivities, initial, result.F, result.Status, result.FuncEvaluations)
	return p, nil
}

// observations flattens trainable segments and counts the activities that
// contributed at least one.
func (l *Learner) observations(records []*pace.ActivityResidualRecord) ([]observation, int) {
	now := l.clock.Now()
	var obs []observation
	activities := 0
	for _, rec := range records {
		segs := rec.TrainableSegments()
		if len(segs) == 0 {
			continue
		}
		activities++
		w := pace.RecencyWeight(rec.ActivityDate, now, l.cfg.RecencyHalfLifeDays)
		for _, s := range segs {
			obs = append(obs, observation{
				grade:    s.Segment.GradeMean,
				cumKm:    s.Features[pace.FeatCumulativeDistanceKm],
				cumGainM: s.Features[pace.FeatCumulativeGainM],
				ratio:    s.ActualPaceRatio,
				weight:   w,
			})
		}
	}
	return obs, activities
}

func weightedMAE(v *[numParams]float64, obs []observation) float64 {
	sum, wsum := 0.0, 0.0
	for _, o := range obs {
		pred := gradeRatio(v, o.grade) * fatigue(v, o.cumKm, o.cumGainM)
		sum += o.weight * math.Abs(pred-o.ratio)
		wsum += o.weight
	}
	if wsum == 0 {
		return math.Inf(1)
	}
	return sum / wsum
}

// warmStart seeds the optimiser from an ordinary least-squares fit of the
// ratio against uphill and downhill grade. Histories without both climbs
// and descents, or any regression failure, fall back to defaultParams.
func warmStart(obs []observation) [numParams]float64 {
	start := defaultParams

	ups, downs := 0, 0
	for _, o := range obs {
		switch {
		case o.grade > 0:
			ups++
		case o.grade < 0:
			downs++
		}
	}
	if ups == 0 || downs == 0 {
		return start
	}

	var r regression.Regression
	r.SetObserved("pace_ratio")
	r.SetVar(0, "uphill_grade")
	r.SetVar(1, "downhill_grade")
	for _, o := range obs {
		up, down := 0.0, 0.0
		if o.grade >= 0 {
			up = o.grade / 10
		} else {
			down = -o.grade / 10
		}
		r.Train(regression.DataPoint(o.ratio, []float64{up, down}))
	}
	if err := r.Run(); err != nil {
		monitoring.Logf("[ParameterLearner] warm start regression failed, using defaults: %v", err)
		return start
	}

	c := r.GetCoeffs()
	if len(c) < 3 {
		return start
	}
	for _, x := range c {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return start
		}
	}
	if c[0] <= 0 {
		return start
	}

	start[idxVFlat] = bounds[idxVFlat].clamp(c[0])
	start[idxKUp] = bounds[idxKUp].clamp(c[1] / c[0])
	start[idxAUp] = 1
	if k := -c[2] / c[0]; k > 0 {
		start[idxKTech] = bounds[idxKTech].clamp(k)
	}
	return start
}
