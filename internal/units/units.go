// Package units provides pace unit constants, conversion and formatting
package units

import (
	"fmt"
	"math"
	"strings"
)

// Unit constants
const (
	PerKm   = "min/km"
	PerMile = "min/mi"
)

// metresPerMile is the international mile.
const metresPerMile = 1609.344

// ValidUnits contains all valid pace units
var ValidUnits = []string{PerKm, PerMile}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return strings.Join(ValidUnits, ", ")
}

// ConvertPace converts a pace from seconds per kilometre to seconds per
// target unit. Unknown units return the input unchanged.
func ConvertPace(secPerKm float64, targetUnits string) float64 {
	switch targetUnits {
	case PerMile:
		return secPerKm * metresPerMile / 1000
	default:
		return secPerKm
	}
}

// FormatDuration renders seconds as m:ss below an hour and h:mm:ss above.
func FormatDuration(seconds float64) string {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds < 0 {
		return "--:--"
	}
	total := int64(math.Round(seconds))
	h, m, s := total/3600, (total%3600)/60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// FormatPace renders a pace in seconds per kilometre as e.g. "5:00 min/km"
// in the requested unit.
func FormatPace(secPerKm float64, targetUnits string) string {
	if !IsValid(targetUnits) {
		targetUnits = PerKm
	}
	return FormatDuration(ConvertPace(secPerKm, targetUnits)) + " " + targetUnits
}
