// Package units provides shared constants and conversions for distance units
package units

// Unit constants
const (
	KM     = "km"
	M      = "m"
	MI     = "mi"
	DEGREE = "deg"
)

// KilometresPerDegree is the flat-earth scale used to turn a kernel
// bandwidth given in kilometres into degrees of latitude/longitude.
const KilometresPerDegree = 111.0

// MinBandwidthKm is the smallest KDE bandwidth accepted from callers.
const MinBandwidthKm = 0.05

// ValidUnits contains all valid unit values
var ValidUnits = []string{KM, M, MI, DEGREE}

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
	return "km, m, mi, deg"
}

// ToKilometres converts a distance in the given units to kilometres.
// Unknown units are treated as kilometres.
func ToKilometres(d float64, unit string) float64 {
	switch unit {
	case M:
		return d / 1000
	case MI:
		return d * 1.609344
	case DEGREE:
		return d * KilometresPerDegree
	default:
		return d
	}
}

// KilometresToDegrees converts a distance in kilometres to degrees.
func KilometresToDegrees(km float64) float64 {
	return km / KilometresPerDegree
}

// BandwidthDegrees clamps a caller-supplied bandwidth in kilometres to
// MinBandwidthKm and converts it to degrees.
func BandwidthDegrees(km float64) float64 {
	if !(km >= MinBandwidthKm) {
		km = MinBandwidthKm
	}
	return KilometresToDegrees(km)
}
