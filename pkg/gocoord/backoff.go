package gocoord

import "time"

// Backoff returns the delay before the given attempt, doubling from base
// and capping at max. Attempt counts start at 1; non-positive attempts
// return base. It is a pure function of its inputs so retry schedules can
// be tested without timers.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt <= 1 {
		if base > max && max > 0 {
			return max
		}
		return base
	}

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	return d
}
