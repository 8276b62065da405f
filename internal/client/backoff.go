package client

import (
	"math"
	"time"
)

// Policy is the reconnect schedule.
//
//	delay(attempt) = min(BaseDelay * ExponentialBase^(attempt-1), MaxDelay)
//
// ExponentialBase of 1 gives a fixed delay. MaxAttempts <= 0 retries forever.
type Policy struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
}

// DefaultPolicy doubles from 1s up to 30s and gives up after 10 failures.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     10,
		BaseDelay:       time.Second,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2.0,
	}
}

// FixedPolicy waits the same delay between attempts.
func FixedPolicy(delay time.Duration, maxAttempts int) Policy {
	return Policy{MaxAttempts: maxAttempts, BaseDelay: delay, MaxDelay: delay, ExponentialBase: 1}
}

// Delay is the wait before the given (1-based) retry attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 || p.ExponentialBase <= 1 {
		return p.capped(float64(p.BaseDelay))
	}
	return p.capped(float64(p.BaseDelay) * math.Pow(p.ExponentialBase, float64(attempt-1)))
}

func (p Policy) capped(d float64) time.Duration {
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	// Without a cap the exponent outgrows Duration.
	if d >= math.MaxInt64 || math.IsInf(d, 0) || math.IsNaN(d) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// IsRetryable reports whether another attempt is allowed after attempt failures.
func (p Policy) IsRetryable(attempt int) bool {
	return p.MaxAttempts <= 0 || attempt <= p.MaxAttempts
}
