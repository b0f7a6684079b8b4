package core

import "time"

// DefaultPaceThreshold is the margin (in percentage points) separating
// "comfortably under pace" from "on pace" from "over pace".
const DefaultPaceThreshold = 10.0

// DerivePace compares elapsed window time with observed utilization to
// project end-of-window exhaustion.
//
//	elapsed        = clamp(D - max(0, R - now), 0, D)
//	elapsedPercent = 100 * elapsed / D
//	projected      = 100 * u / elapsedPercent   (undefined when elapsed <= 0)
//	margin         = 100 - projected
func DerivePace(utilization *float64, windowDuration time.Duration, resetsAt *time.Time, now time.Time, threshold float64) Pace {
	if threshold <= 0 {
		threshold = DefaultPaceThreshold
	}

	if utilization == nil || resetsAt == nil || resetsAt.IsZero() || windowDuration <= 0 {
		return Pace{Status: PaceUnknown}
	}

	remaining := resetsAt.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	elapsed := windowDuration - remaining
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > windowDuration {
		elapsed = windowDuration
	}

	elapsedPercent := 100 * float64(elapsed) / float64(windowDuration)
	pace := Pace{ElapsedPercent: FloatPtr(elapsedPercent)}

	if elapsedPercent <= 0 {
		pace.Status = PaceUnknown
		return pace
	}

	projected := 100 * *utilization / elapsedPercent
	margin := 100 - projected
	pace.ProjectedEndUtilizationPercent = FloatPtr(projected)
	pace.PaceMarginPercent = FloatPtr(margin)

	switch {
	case margin >= threshold:
		pace.Status = PaceMargin
	case margin <= -threshold:
		pace.Status = PaceOver
	default:
		pace.Status = PaceBalanced
	}
	return pace
}
