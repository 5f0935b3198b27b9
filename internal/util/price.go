// Package util provides common utility functions for price calculations.
package util

import "math"

// RoundToTick rounds x to the nearest tick increment.
// For example, with tick=0.01, 1.2345 becomes 1.23 or 1.24 depending on rounding.
func RoundToTick(x, tick float64) float64 {
	if !usableTick(x, tick) {
		return x
	}
	tick = math.Abs(tick)
	return math.Round(x/tick) * tick
}

// FloorToTick rounds x down to the nearest tick increment. Quotients within
// a few ulps of an exact multiple snap to it first, so 1.30/0.05 floors to
// 1.30 rather than 1.25.
func FloorToTick(x, tick float64) float64 {
	if !usableTick(x, tick) {
		return x
	}
	tick = math.Abs(tick)
	return math.Floor(snapQuotient(x/tick)) * tick
}

// CeilToTick rounds x up to the nearest tick increment, with the same
// exact-multiple snapping as FloorToTick.
func CeilToTick(x, tick float64) float64 {
	if !usableTick(x, tick) {
		return x
	}
	tick = math.Abs(tick)
	return math.Ceil(snapQuotient(x/tick)) * tick
}

func usableTick(x, tick float64) bool {
	if tick == 0 || math.IsNaN(x) || math.IsInf(x, 0) || math.IsNaN(tick) {
		return false
	}
	return true
}

// snapQuotient collapses quotients that differ from an integer only by
// floating-point division error. The tolerance scales with the quotient so
// it stays below any intentional sub-tick offset.
func snapQuotient(q float64) float64 {
	eps := math.Abs(q)*1e-14 + 1e-14
	if nearest := math.Round(q); math.Abs(q-nearest) <= eps {
		return nearest
	}
	return q
}
