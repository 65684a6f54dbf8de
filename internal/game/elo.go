package game

import "math"

// kFactor is the fixed ELO K-factor for all settlements.
const kFactor = 32

// eloDelta returns the rating change for a player with rating own
// against opponent rating opp, given the achieved score (1 win, 0.5
// draw, 0 loss).
func eloDelta(own, opp int, score float64) int {
	expected := 1.0 / (1.0 + math.Pow(10, float64(opp-own)/400.0))
	return int(math.Round(kFactor * (score - expected)))
}
