// Package params implements the Tier 2 ParameterLearner: a per-user
// parametric physics model fitted to collected residual records.
package params

import (
	"fmt"
	"math"

	"github.com/banshee-data/pace.report/internal/pace"
)

// bound is a closed [lo, hi] interval for one parameter.
type bound struct {
	lo, hi float64
}

func (b bound) clamp(v float64) float64 {
	return math.Max(b.lo, math.Min(b.hi, v))
}

// Parameter order used by the optimiser.
const (
	idxVFlat = iota
	idxKUp
	idxKTech
	idxAUp
	idxADown
	idxKTerrainUp
	idxKTerrainDown
	idxFatigueAlpha
	numParams
)

var bounds = [numParams]bound{
	idxVFlat:        {0.5, 2.0},
	idxKUp:          {0, 3},
	idxKTech:        {0, 2},
	idxAUp:          {0.5, 3},
	idxADown:        {0.5, 3},
	idxKTerrainUp:   {0.7, 1.5},
	idxKTerrainDown: {0.7, 1.5},
	idxFatigueAlpha: {0, 0.02},
}

// defaultParams seeds the optimiser when the warm start is unusable.
var defaultParams = [numParams]float64{
	idxVFlat:        1.0,
	idxKUp:          0.45,
	idxKTech:        0.3,
	idxAUp:          1.2,
	idxADown:        2.0,
	idxKTerrainUp:   1.0,
	idxKTerrainDown: 1.0,
	idxFatigueAlpha: 0.002,
}

func toVector(p *pace.LearnedParameters) [numParams]float64 {
	return [numParams]float64{
		idxVFlat:        p.VFlat,
		idxKUp:          p.KUp,
		idxKTech:        p.KTech,
		idxAUp:          p.AUp,
		idxADown:        p.ADown,
		idxKTerrainUp:   p.KTerrainUp,
		idxKTerrainDown: p.KTerrainDown,
		idxFatigueAlpha: p.FatigueAlpha,
	}
}

func fromVector(v [numParams]float64, p *pace.LearnedParameters) {
	p.VFlat = v[idxVFlat]
	p.KUp = v[idxKUp]
	p.KTech = v[idxKTech]
	p.AUp = v[idxAUp]
	p.ADown = v[idxADown]
	p.KTerrainUp = v[idxKTerrainUp]
	p.KTerrainDown = v[idxKTerrainDown]
	p.FatigueAlpha = v[idxFatigueAlpha]
}

// gradeRatio evaluates the two-branch model without fatigue. x is the
// absolute grade in tenths (10% -> 1.0).
func gradeRatio(v *[numParams]float64, grade float64) float64 {
	x := math.Abs(grade) / 10
	if grade >= 0 {
		return v[idxVFlat] * v[idxKTerrainUp] * (1 + v[idxKUp]*math.Pow(x, v[idxAUp]))
	}
	k := v[idxKTech]
	return v[idxVFlat] * v[idxKTerrainDown] * (1 - k*x + k*math.Pow(x, v[idxADown]))
}

func fatigue(v *[numParams]float64, cumKm, cumGainM float64) float64 {
	return 1 + v[idxFatigueAlpha]*(cumKm+cumGainM/100)
}

// Ratio returns the Tier 2 pace ratio at grade (percent) after cumKm
// kilometres and cumGainM metres of climbing.
func Ratio(p *pace.LearnedParameters, grade, cumKm, cumGainM float64) float64 {
	v := toVector(p)
	return gradeRatio(&v, grade) * fatigue(&v, cumKm, cumGainM)
}

// SegmentRatio evaluates Ratio from a segment's feature vector.
func SegmentRatio(p *pace.LearnedParameters, fv pace.FeatureVector) float64 {
	return Ratio(p, fv[pace.FeatGradeMean], fv[pace.FeatCumulativeDistanceKm], fv[pace.FeatCumulativeGainM])
}

// ContinuityGap is the jump between the uphill and downhill branches at
// zero grade.
func ContinuityGap(p *pace.LearnedParameters) float64 {
	return p.VFlat * math.Abs(p.KTerrainUp-p.KTerrainDown)
}

// Validate checks a stored artifact is usable for prediction.
func Validate(p *pace.LearnedParameters) error {
	if p == nil {
		return fmt.Errorf("%w: no parameters", pace.ErrModelNotFound)
	}
	v := toVector(p)
	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("%w: parameter %d is not finite", pace.ErrInvalidParameters, i)
		}
		// Small tolerance for values stored at a bound.
		if x < bounds[i].lo-1e-9 || x > bounds[i].hi+1e-9 {
			return fmt.Errorf("%w: parameter %d = %f outside [%f, %f]",
				pace.ErrInvalidParameters, i, x, bounds[i].lo, bounds[i].hi)
		}
	}
	return nil
}

// logistic maps an unbounded optimiser coordinate into b.
func (b bound) logistic(z float64) float64 {
	return b.lo + (b.hi-b.lo)/(1+math.Exp(-z))
}

// logit is the inverse of logistic, pulled slightly inside the interval.
func (b bound) logit(v float64) float64 {
	const eps = 1e-6
	if b.hi == b.lo {
		return 0
	}
	u := (b.clamp(v) - b.lo) / (b.hi - b.lo)
	u = math.Max(eps, math.Min(1-eps, u))
	return math.Log(u / (1 - u))
}

func decode(z []float64) [numParams]float64 {
	var v [numParams]float64
	for i := range v {
		v[i] = bounds[i].logistic(z[i])
	}
	return v
}

func encode(v [numParams]float64) []float64 {
	z := make([]float64, numParams)
	for i := range v {
		z[i] = bounds[i].logit(v[i])
	}
	return z
}
