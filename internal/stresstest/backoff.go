package stresstest

import "time"

// Backoff computes the wait before a retry: Base doubled per retry, capped at Cap
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns the wait before retry number retryIndex (1-based).
// There is no wait before the first attempt, so index 0 yields 0.
func (b Backoff) Delay(retryIndex int) time.Duration {
	if retryIndex <= 0 || b.Base <= 0 {
		return 0
	}

	d := b.Base
	for i := 1; i < retryIndex; i++ {
		if b.Cap > 0 && d >= b.Cap {
			return b.Cap
		}
		// Stop doubling before the int64 overflows
		if d >= time.Duration(1<<62) {
			break
		}
		d *= 2
	}

	if b.Cap > 0 && d > b.Cap {
		return b.Cap
	}
	return d
}

// TotalDelay returns the sum of waits for retries 1..retries
func (b Backoff) TotalDelay(retries int) time.Duration {
	var total time.Duration
	for i := 1; i <= retries; i++ {
		total += b.Delay(i)
	}
	return total
}
