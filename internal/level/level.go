// Package level holds the fill-percent computation shared by the relay
// exchange, the dashboard views and the alert evaluator. All three must
// report identical values for the same reading, so this is the only
// implementation.
package level

import "math"

// Percent maps a raw ultrasonic distance reading to a 0-100 fill percent.
//
// topMargin is the blind-zone distance corresponding to a full tank and
// emptyLevel the distance corresponding to an empty one, so a smaller
// reading means a higher level. Out-of-range readings plateau at 0 or 100
// through the double clamp; they are never rejected here.
func Percent(distanceCM float64, topMargin, emptyLevel int) int {
	if emptyLevel == 0 {
		emptyLevel = 1
	}
	raw := (distanceCM - float64(topMargin)) * 100.0 / float64(emptyLevel-topMargin)
	return clamp(100 - clamp(int(math.Round(raw))))
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
