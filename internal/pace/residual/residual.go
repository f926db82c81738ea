// Package residual implements the Tier 3 ResidualModel: a per-user
// gradient-boosted correction applied on top of the Tier 1 or Tier 2
// baseline pace ratio.
package residual

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/pace.report/internal/monitoring"
	"github.com/banshee-data/pace.report/internal/pace"
	"github.com/banshee-data/pace.report/internal/pace/boost"
	"github.com/banshee-data/pace.report/internal/timeutil"
)

// Config holds the Tier 3 training settings.
type Config struct {
	MinActivities      int
	MinSegments        int
	ValidationFraction float64
	ResidualMin        float64
	ResidualMax        float64
	ConfidenceMedium   int
	ConfidenceHigh     int
	Boost              boost.Params
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		MinActivities:      15,
		MinSegments:        50,
		ValidationFraction: 0.2,
		ResidualMin:        0.5,
		ResidualMax:        2.0,
		ConfidenceMedium:   25,
		ConfidenceHigh:     40,
		Boost:              boost.DefaultParams(),
	}
}

// Baseline returns the baseline pace ratio for a segment's features.
type Baseline func(fv pace.FeatureVector) float64

// example is one chronologically ordered training row.
type example struct {
	date     int64
	activity string
	seq      int
	features pace.FeatureVector
	target   float64
}

// Trainer fits residual ensembles. It is safe for concurrent use.
type Trainer struct {
	cfg   Config
	clock timeutil.Clock
}

// NewTrainer returns a Trainer. A nil clock uses the wall clock.
func NewTrainer(cfg Config, clock timeutil.Clock) *Trainer {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Trainer{cfg: cfg, clock: clock}
}

// Config returns the trainer's settings.
func (t *Trainer) Config() Config {
	return t.cfg
}

// ShouldTrain reports whether activityCount activities with collected
// residuals are enough for Tier 3.
func (t *Trainer) ShouldTrain(activityCount int) bool {
	return activityCount >= t.cfg.MinActivities
}

// Train fits a residual ensemble against baseline, which must be the
// ratio function of baselineTier. The earliest segments train the model
// and the latest validate it.
func (t *Trainer) Train(userID string, records []*pace.ActivityResidualRecord, baselineTier pace.Tier, baseline Baseline) (*pace.ResidualEnsembleModel, error) {
	examples, nActivities, dropped := t.examples(records, baseline)
	if !t.ShouldTrain(nActivities) {
		return nil, fmt.Errorf("%w: %d activities with residuals, need %d",
			pace.ErrInsufficientData, nActivities, t.cfg.MinActivities)
	}
	if len(examples) < t.cfg.MinSegments {
		return nil, fmt.Errorf("%w: %d segments after filtering %d outliers, need %d",
			pace.ErrTrainingFailed, len(examples), dropped, t.cfg.MinSegments)
	}

	nVal := int(math.Round(float64(len(examples)) * t.cfg.ValidationFraction))
	trainSet, valSet := examples[:len(examples)-nVal], examples[len(examples)-nVal:]

	X := make([][]float64, len(trainSet))
	y := make([]float64, len(trainSet))
	for i, ex := range trainSet {
		X[i] = ex.features.Slice()
		y[i] = ex.target
	}
	ens, err := boost.Fit(X, y, pace.FeatureNames[:], t.cfg.Boost)
	if errors.Is(err, boost.ErrDegenerate) {
		return nil, fmt.Errorf("%w: residual target has no variance", pace.ErrTrainingFailed)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pace.ErrTrainingFailed, err)
	}
	blob, err := ens.Marshal()
	if err != nil {
		return nil, fmt.Errorf("%w: encode model: %v", pace.ErrTrainingFailed, err)
	}

	m := &Model{ens: ens, lo: t.cfg.ResidualMin, hi: t.cfg.ResidualMax}
	metrics := m.evaluate(valSet)

	out := &pace.ResidualEnsembleModel{
		UserID:            userID,
		Model:             blob,
		FeatureNames:      append([]string(nil), pace.FeatureNames[:]...),
		FeatureImportance: ens.FeatureImportance(),
		NActivitiesUsed:   nActivities,
		NSegmentsTrained:  len(trainSet),
		Validation:        metrics,
		BaselineTier:      baselineTier,
		Confidence:        pace.ConfidenceFor(nActivities, t.cfg.ConfidenceMedium, t.cfg.ConfidenceHigh),
		TrainedAt:         t.clock.Now().UTC(),
	}
	monitoring.Logf("[ResidualModel] user=%s trained on %d segments (%d activities, %d outliers dropped, baseline %s): val mae=%.4f rmse=%.4f r2=%.3f n=%d",
		userID, len(trainSet), nActivities, dropped, baselineTier, metrics.MAE, metrics.RMSE, metrics.R2, metrics.N)
	return out, nil
}

// examples recomputes every trainable segment's residual against baseline,
// drops outliers, and orders the rows chronologically.
func (t *Trainer) examples(records []*pace.ActivityResidualRecord, baseline Baseline) ([]example, int, int) {
	var out []example
	activities, dropped := 0, 0
	for _, rec := range records {
		segs := rec.TrainableSegments()
		if len(segs) == 0 {
			continue
		}
		activities++
		for i, s := range segs {
			b := baseline(s.Features)
			if b <= 0 || math.IsNaN(b) || math.IsInf(b, 0) {
				dropped++
				continue
			}
			target := s.ActualPaceRatio / b
			if target < t.cfg.ResidualMin || target > t.cfg.ResidualMax {
				dropped++
				continue
			}
			out = append(out, example{
				date:     rec.ActivityDate.UnixNano(),
				activity: rec.ActivityID,
				seq:      i,
				features: s.Features,
				target:   target,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.date != b.date {
			return a.date < b.date
		}
		if a.activity != b.activity {
			return a.activity < b.activity
		}
		return a.seq < b.seq
	})
	return out, activities, dropped
}

// Model is a decoded Tier 3 artifact ready for prediction.
type Model struct {
	ens    *boost.Ensemble
	lo, hi float64
}

// Load decodes an artifact and checks it was trained on the current
// feature schema.
func Load(a *pace.ResidualEnsembleModel, cfg Config) (*Model, error) {
	if a == nil {
		return nil, fmt.Errorf("%w: no residual model", pace.ErrModelNotFound)
	}
	if !sameNames(a.FeatureNames) {
		return nil, fmt.Errorf("%w: residual model feature schema %v does not match current schema",
			pace.ErrInvalidParameters, a.FeatureNames)
	}
	ens, err := boost.Unmarshal(a.Model)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pace.ErrInvalidParameters, err)
	}
	if !sameNames(ens.FeatureNames) {
		return nil, fmt.Errorf("%w: serialised model feature schema does not match", pace.ErrInvalidParameters)
	}
	return &Model{ens: ens, lo: cfg.ResidualMin, hi: cfg.ResidualMax}, nil
}

func sameNames(names []string) bool {
	if len(names) != len(pace.FeatureNames) {
		return false
	}
	for i, n := range names {
		if n != pace.FeatureNames[i] {
			return false
		}
	}
	return true
}

// Predict returns the residual multiplier for one segment, clamped to the
// training band.
func (m *Model) Predict(fv pace.FeatureVector) float64 {
	r := m.ens.Predict(fv[:])
	if math.IsNaN(r) {
		return 1
	}
	return math.Max(m.lo, math.Min(m.hi, r))
}

func (m *Model) evaluate(val []example) pace.ValidationMetrics {
	if len(val) == 0 {
		return pace.ValidationMetrics{}
	}
	pred := make([]float64, len(val))
	obs := make([]float64, len(val))
	absSum, sqSum := 0.0, 0.0
	for i, ex := range val {
		pred[i] = m.Predict(ex.features)
		obs[i] = ex.target
		d := pred[i] - obs[i]
		absSum += math.Abs(d)
		sqSum += d * d
	}
	n := float64(len(val))
	r2 := stat.RSquaredFrom(pred, obs, nil)
	if math.IsNaN(r2) || math.IsInf(r2, 0) {
		r2 = 0
	}
	return pace.ValidationMetrics{
		MAE:  absSum / n,
		RMSE: math.Sqrt(sqSum / n),
		R2:   r2,
		N:    len(val),
	}
}
