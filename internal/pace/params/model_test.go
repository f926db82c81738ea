package params

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pace.report/internal/pace"
)

func truthParams() *pace.LearnedParameters {
	return &pace.LearnedParameters{
		VFlat:        1.05,
		KUp:          0.5,
		KTech:        0.4,
		AUp:          1.3,
		ADown:        2.0,
		KTerrainUp:   1.0,
		KTerrainDown: 1.0,
	}
}

func TestRatioBranches(t *testing.T) {
	t.Parallel()

	p := truthParams()
	assert.InDelta(t, 1.05, Ratio(p, 0, 0, 0), 1e-12)
	assert.InDelta(t, 1.05*1.5, Ratio(p, 10, 0, 0), 1e-12)
	// 1 - 0.4*0.5 + 0.4*0.25
	assert.InDelta(t, 1.05*0.9, Ratio(p, -5, 0, 0), 1e-12)
	assert.Greater(t, Ratio(p, 12, 0, 0), Ratio(p, 6, 0, 0))
}

func TestRatioFatigue(t *testing.T) {
	t.Parallel()

	p := truthParams()
	p.FatigueAlpha = 0.01
	fresh := Ratio(p, 0, 0, 0)
	tired := Ratio(p, 20, 30, 500)
	assert.Greater(t, tired, Ratio(p, 20, 0, 0))
	assert.InDelta(t, fresh*(1+0.01*35), Ratio(p, 0, 30, 500), 1e-12)

	var fv pace.FeatureVector
	fv[pace.FeatGradeMean] = 0
	fv[pace.FeatCumulativeDistanceKm] = 30
	fv[pace.FeatCumulativeGainM] = 500
	assert.Equal(t, Ratio(p, 0, 30, 500), SegmentRatio(p, fv))
}

func TestContinuityGap(t *testing.T) {
	t.Parallel()

	p := truthParams()
	assert.Zero(t, ContinuityGap(p))

	p.KTerrainUp = 1.1
	p.KTerrainDown = 0.9
	assert.InDelta(t, 1.05*0.2, ContinuityGap(p), 1e-12)
	up := Ratio(p, 1e-9, 0, 0)
	down := Ratio(p, -1e-9, 0, 0)
	assert.InDelta(t, ContinuityGap(p), up-down, 1e-6)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, Validate(truthParams()))

	err := Validate(nil)
	assert.True(t, errors.Is(err, pace.ErrModelNotFound))

	p := truthParams()
	p.KUp = math.NaN()
	assert.True(t, errors.Is(Validate(p), pace.ErrInvalidParameters))

	p = truthParams()
	p.VFlat = 5
	assert.True(t, errors.Is(Validate(p), pace.ErrInvalidParameters))
}

func TestLogisticRoundTrip(t *testing.T) {
	t.Parallel()

	v := toVector(truthParams())
	got := decode(encode(v))
	for i := range v {
		assert.InDelta(t, v[i], got[i], 1e-6, "param %d", i)
	}

	// Values on a bound are pulled just inside it.
	b := bounds[idxKUp]
	assert.InDelta(t, b.lo, b.logistic(b.logit(b.lo)), 1e-5)
	assert.InDelta(t, b.hi, b.logistic(b.logit(b.hi+10)), 1e-5)
}
