package queue

import (
	"math"
	"time"

	"github.com/rendis/flowrun/pkg/schema"
)

// Backoff kinds accepted by RetryPolicy.
const (
	BackoffNone        = "none"
	BackoffConstant    = "constant"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// RetryPolicy decides how often a failed task is redelivered.
// A task is attempted at most MaxAttempts times in total.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     string
	Delay       time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy retries twice with exponential backoff from 5s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     BackoffExponential,
		Delay:       5 * time.Second,
		MaxDelay:    5 * time.Minute,
	}
}

// ShouldRetry reports whether a delivery that failed on its attempt-th try
// with cause gets another attempt.
func (p RetryPolicy) ShouldRetry(attempt int, cause error) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	return isRetryable(cause)
}

// NextDelay is the wait before attempt+1.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	if p.Delay <= 0 {
		return 0
	}
	var d time.Duration
	switch p.Backoff {
	case BackoffConstant:
		d = p.Delay
	case BackoffLinear:
		d = p.Delay * time.Duration(attempt)
	case BackoffExponential:
		f := float64(p.Delay) * math.Pow(2, float64(attempt-1))
		switch {
		case p.MaxDelay > 0 && f > float64(p.MaxDelay):
			return p.MaxDelay
		case f >= math.MaxInt64:
			return time.Duration(math.MaxInt64)
		}
		d = time.Duration(f)
	default:
		return 0
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// isRetryable classifies task failures. Configuration and graph problems
// fail the same way on every attempt; a deleted workflow never comes back;
// a CONFLICT means the execution was already closed.
func isRetryable(err error) bool {
	switch schema.ErrorCode(err) {
	case schema.ErrCodeValidation, schema.ErrCodeConfig, schema.ErrCodeGraph, schema.ErrCodeNotFound, schema.ErrCodeConflict:
		return false
	}
	return true
}
