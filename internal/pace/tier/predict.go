package tier

import (
	"context"
	"fmt"

	"github.com/banshee-data/pace.report/internal/pace"
	"github.com/banshee-data/pace.report/internal/pace/features"
	"github.com/banshee-data/pace.report/internal/units"
)

// Flat pace sources reported in Metadata.
const (
	FlatPaceFromRequest = "request"
	FlatPaceFromHistory = "history"
	FlatPaceDefault     = "default"
)

// Request is one route prediction request.
type Request struct {
	UserID   string
	Segments []pace.Segment
	Effort   pace.Effort
	// FlatPaceSecPerKm overrides the user's flat pace when positive.
	FlatPaceSecPerKm float64
}

// SegmentPrediction is the predicted split for one segment.
type SegmentPrediction struct {
	Index              int     `json:"index"`
	StartDistanceM     float64 `json:"start_distance_m"`
	LengthM            float64 `json:"length_m"`
	GradeMean          float64 `json:"grade_mean"`
	BaselineRatio      float64 `json:"baseline_ratio"`
	ResidualMultiplier float64 `json:"residual_multiplier"`
	PaceRatio          float64 `json:"pace_ratio"`
	PaceSecPerKm       float64 `json:"pace_s_per_km"`
	TimeS              float64 `json:"time_s"`
	CumulativeTimeS    float64 `json:"cumulative_time_s"`
}

// Metadata describes how a prediction was made.
type Metadata struct {
	Tier             pace.Tier       `json:"tier"`
	Confidence       pace.Confidence `json:"confidence"`
	Effort           pace.Effort     `json:"effort"`
	EffortFactor     float64         `json:"effort_factor"`
	FlatPaceSecPerKm float64         `json:"flat_pace_s_per_km"`
	FlatPaceSource   string          `json:"flat_pace_source"`
	Downgrades       []string        `json:"downgrades,omitempty"`
	TierProgress     Status          `json:"tier_progress"`

	// Tier 1 only: route time at the population 25th and 75th percentiles.
	RangeLowS  float64 `json:"range_low_s,omitempty"`
	RangeHighS float64 `json:"range_high_s,omitempty"`
}

// Prediction is a complete route prediction.
type Prediction struct {
	Segments           []SegmentPrediction `json:"segments"`
	TotalTimeS         float64             `json:"total_time_seconds"`
	TotalTimeFormatted string              `json:"total_time_formatted"`
	Metadata           Metadata            `json:"metadata"`
}

// Predict estimates the route time. It only fails on malformed input;
// missing or broken artifacts fall back to lower tiers.
func (o *Orchestrator) Predict(ctx context.Context, req Request) (*Prediction, error) {
	if err := pace.ValidateSegments(req.Segments); err != nil {
		return nil, err
	}
	effort, err := pace.ParseEffort(string(req.Effort))
	if err != nil {
		return nil, err
	}
	if req.FlatPaceSecPerKm < 0 {
		return nil, fmt.Errorf("%w: negative flat pace %f", pace.ErrInvalidParameters, req.FlatPaceSecPerKm)
	}

	sel := o.Select(ctx, req.UserID)
	flat, source := o.flatPace(req.FlatPaceSecPerKm, sel)
	factor := effort.Factor()

	pred := &Prediction{
		Segments: make([]SegmentPrediction, 0, len(req.Segments)),
		Metadata: Metadata{
			Tier:             sel.Tier,
			Confidence:       sel.Confidence,
			Effort:           effort,
			EffortFactor:     factor,
			FlatPaceSecPerKm: flat,
			FlatPaceSource:   source,
			Downgrades:       sel.Downgrades,
			TierProgress:     o.status(sel),
		},
	}

	w := features.NewWalker(req.Segments)
	prev := 1.0
	for i, seg := range req.Segments {
		fv := w.Next(prev)
		base, mult := sel.Ratio(fv)
		ratio := base * mult
		prev = ratio

		p := flat * ratio * factor
		t := seg.LengthKm() * p
		pred.TotalTimeS += t
		pred.Segments = append(pred.Segments, SegmentPrediction{
			Index:              i,
			StartDistanceM:     seg.StartDistanceM,
			LengthM:            seg.LengthM,
			GradeMean:          seg.GradeMean,
			BaselineRatio:      base,
			ResidualMultiplier: mult,
			PaceRatio:          ratio,
			PaceSecPerKm:       p,
			TimeS:              t,
			CumulativeTimeS:    pred.TotalTimeS,
		})

		if sel.Tier == pace.TierPhysics {
			lo, hi := o.physics.Band(seg.GradeMean)
			pred.Metadata.RangeLowS += seg.LengthKm() * flat * lo * factor
			pred.Metadata.RangeHighS += seg.LengthKm() * flat * hi * factor
		}
	}
	pred.TotalTimeFormatted = units.FormatDuration(pred.TotalTimeS)
	return pred, nil
}

// flatPace picks the request's pace, else the recency-weighted mean of the
// user's activity flat paces, else the configured default.
func (o *Orchestrator) flatPace(requested float64, sel *Selection) (float64, string) {
	if requested > 0 {
		return requested, FlatPaceFromRequest
	}
	now := o.clock.Now()
	sum, wsum := 0.0, 0.0
	for _, s := range sel.summaries {
		if s.FlatPaceSecPerKm <= 0 {
			continue
		}
		w := pace.RecencyWeight(s.ActivityDate, now, o.cfg.RecencyHalfLifeDays)
		sum += w * s.FlatPaceSecPerKm
		wsum += w
	}
	if wsum > 0 {
		return sum / wsum, FlatPaceFromHistory
	}
	return o.cfg.DefaultFlatPace, FlatPaceDefault
}
