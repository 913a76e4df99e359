package supervisor

import "time"

// backoffDelay computes min(base * 2^attempts, max). The shift is capped
// so a large attempt count cannot overflow into a negative duration.
func backoffDelay(base, max time.Duration, attempts uint32) time.Duration {
	const maxShift = 32
	if attempts > maxShift {
		attempts = maxShift
	}
	delay := base << attempts
	if delay <= 0 || delay > max {
		return max
	}
	return delay
}
