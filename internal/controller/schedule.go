package controller

import "time"

// timeLimitStep is the granularity time limits are rounded down to.
const timeLimitStep = 30 * time.Second

// timeLimitSetting is the Time-Attack mode setting carrying the time
// limit in seconds.
const timeLimitSetting = "S_TimeLimit"

// computeTimeLimit derives a map's time limit from its reference time
// (the faster of the top record and the author time):
// clamp(factor × base, min, max), rounded down to the nearest 30 s.
func computeTimeLimit(refMillis, factor, minSecs, maxSecs int) time.Duration {
	limit := time.Duration(refMillis*factor) * time.Millisecond

	minLimit := time.Duration(minSecs) * time.Second
	maxLimit := time.Duration(maxSecs) * time.Second
	if limit > maxLimit {
		limit = maxLimit
	}
	if limit < minLimit {
		limit = minLimit
	}

	return limit - limit%timeLimitStep
}
