package pace

import (
	"fmt"
	"strings"
)

// Tier identifies one of the three prediction strategies.
type Tier int

const (
	// TierPhysics uses the population GlobalCurve only.
	TierPhysics Tier = 1
	// TierCalibrated uses per-user fitted physics parameters.
	TierCalibrated Tier = 2
	// TierResidual applies a per-user residual ensemble on top of the baseline.
	TierResidual Tier = 3
)

func (t Tier) String() string {
	switch t {
	case TierPhysics:
		return "physics"
	case TierCalibrated:
		return "calibrated"
	case TierResidual:
		return "residual"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Valid reports whether t is one of the three known tiers.
func (t Tier) Valid() bool {
	return t >= TierPhysics && t <= TierResidual
}

// Confidence is a coarse bucket describing how much history backs an artifact.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// ConfidenceFor buckets n against two ascending thresholds: below medium is
// low, below high is medium, otherwise high.
func ConfidenceFor(n, medium, high int) Confidence {
	switch {
	case n >= high:
		return ConfidenceHigh
	case n >= medium:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// Effort is the named pace modifier applied to a whole prediction.
type Effort string

const (
	EffortRecovery Effort = "recovery"
	EffortEasy     Effort = "easy"
	EffortTraining Effort = "training"
	EffortTempo    Effort = "tempo"
	EffortRace     Effort = "race"
)

// DefaultEffort is used when a request does not name one.
const DefaultEffort = EffortTraining

var effortFactors = map[Effort]float64{
	EffortRecovery: 1.15,
	EffortEasy:     1.08,
	EffortTraining: 1.00,
	EffortTempo:    0.96,
	EffortRace:     0.92,
}

// Factor returns the multiplier applied to every segment's pace.
func (e Effort) Factor() float64 {
	if f, ok := effortFactors[e]; ok {
		return f
	}
	return 1.0
}

// ParseEffort maps a user-supplied name onto an Effort. The empty string
// selects DefaultEffort.
func ParseEffort(s string) (Effort, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return DefaultEffort, nil
	}
	e := Effort(s)
	if _, ok := effortFactors[e]; !ok {
		return "", fmt.Errorf("%w: unknown effort level %q", ErrInvalidParameters, s)
	}
	return e, nil
}
