package pace

import (
	"math"
	"time"
)

// RecencyWeight decays an activity's influence exponentially with its age:
// an activity halfLifeDays old counts half as much as one from today.
// Future-dated activities and non-positive half-lives weigh 1.
func RecencyWeight(activity, now time.Time, halfLifeDays float64) float64 {
	if halfLifeDays <= 0 {
		return 1
	}
	days := now.Sub(activity).Hours() / 24
	if days <= 0 {
		return 1
	}
	return math.Exp(-math.Ln2 * days / halfLifeDays)
}
