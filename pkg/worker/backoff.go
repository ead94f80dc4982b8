package worker

import "time"

// Backoff returns the delay before the retry that follows a failure at
// retryCount: base * 2^retryCount, capped at ceiling. The delay before retry
// attempt k (k >= 1) is therefore base * 2^(k-1).
func Backoff(base, ceiling time.Duration, retryCount int) time.Duration {
	if base <= 0 {
		return 0
	}
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= 62 {
		return ceiling
	}
	d := base << uint(retryCount)
	if d <= 0 || d > ceiling || d>>uint(retryCount) != base {
		return ceiling
	}
	return d
}
