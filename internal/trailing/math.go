// Package trailing moves protective stops as positions become profitable.
// It offers three modes: native (exchange-managed trailing order), manual
// (local ROI ladder with stop replacement) and hybrid (ladder decides when,
// exchange trails afterwards).
package trailing

import "github.com/alanyoungcy/execbridge/internal/domain"

// roiEpsilon absorbs float noise when comparing ROI against a trigger.
const roiEpsilon = 1e-9

// ROIPercent is the leveraged return on margin for a move from entry to
// price: ((long ? p-entry : entry-p) / entry) * leverage * 100.
func ROIPercent(dir domain.Direction, entry, price float64, leverage int) float64 {
	if entry <= 0 || leverage <= 0 {
		return 0
	}
	move := price - entry
	if dir == domain.DirectionShort {
		move = entry - price
	}
	return move / entry * float64(leverage) * 100
}

// StopPriceForROI is the inverse of ROIPercent: the price at which the
// position shows roi percent.
func StopPriceForROI(dir domain.Direction, entry, roi float64, leverage int) float64 {
	if entry <= 0 || leverage <= 0 {
		return 0
	}
	frac := roi / float64(leverage) / 100
	if dir == domain.DirectionShort {
		return entry * (1 - frac)
	}
	return entry * (1 + frac)
}

// HighestLevel returns the 1-based index of the highest level whose trigger
// roi has reached, or 0 when none has. levels must be ordered by trigger.
func HighestLevel(levels []domain.TrailLevel, roi float64) int {
	reached := 0
	for i, l := range levels {
		if roi+roiEpsilon >= l.TriggerROI {
			reached = i + 1
		}
	}
	return reached
}

// LadderStop returns the stop implied by the ladder at roi together with its
// level. ok is false when no level is reached.
func LadderStop(levels []domain.TrailLevel, dir domain.Direction, entry float64, leverage int, roi float64) (level int, stop float64, ok bool) {
	level = HighestLevel(levels, roi)
	if level == 0 {
		return 0, 0, false
	}
	return level, StopPriceForROI(dir, entry, levels[level-1].StopROI, leverage), true
}
