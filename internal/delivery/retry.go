package delivery

import "time"

// maxShift keeps base << n from overflowing.
const maxShift = 20

// RetryPolicy bounds retries and spaces them out exponentially.
type RetryPolicy struct {
	MaxRetries int
	Base       time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, Base: 30 * time.Second}
}

// Backoff is base * 2^retryCount.
func (p RetryPolicy) Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > maxShift {
		retryCount = maxShift
	}
	return p.Base << uint(retryCount)
}

// Next is the eligibility time of an item that has been retried retryCount times.
func (p RetryPolicy) Next(now time.Time, retryCount int) time.Time {
	return now.Add(p.Backoff(retryCount))
}
