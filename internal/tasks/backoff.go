package tasks

import (
	"time"

	"github.com/xhnixjj-source/emag-erp-sub001/internal/classify"
)

// RetryPolicy decides whether a failed attempt gets another try and how long
// the task waits before becoming eligible again.
type RetryPolicy struct {
	// MaxRetries is the overall retry budget per task.
	MaxRetries int
	// ExtractionMaxRetries caps extraction failures separately. A page that
	// loads but does not parse rarely fixes itself, so it gets fewer tries.
	ExtractionMaxRetries int
	// Base is the delay before the first retry.
	Base time.Duration
	// Multiplier grows the delay on each subsequent retry.
	Multiplier float64
	// Max caps the delay regardless of retry count.
	Max time.Duration
}

// DefaultRetryPolicy mirrors the scheduler's production settings
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:           3,
		ExtractionMaxRetries: 2,
		Base:                 2 * time.Second,
		Multiplier:           2.0,
		Max:                  60 * time.Second,
	}
}

// AllowRetry reports whether a task whose attempt just failed may run again.
// retryCount is the count of failures before this one, so a budget of 3
// yields at most 3 attempts in total. Terminal classifications never retry.
func (p RetryPolicy) AllowRetry(c classify.Classification, retryCount int) bool {
	if !c.Retryable {
		return false
	}
	max := p.MaxRetries
	if c.Type == classify.ExtractionFailure {
		max = p.ExtractionMaxRetries
	}
	return retryCount+1 < max
}

// Delay returns the backoff before the retry numbered attempt (1-based).
// The progression is Base, Base*Multiplier, Base*Multiplier^2, ... capped at
// Max, so it never shrinks between attempts. Timeout failures wait a full
// step longer than the attempt number suggests: the page was slow, so coming
// back quickly rarely helps.
func (p RetryPolicy) Delay(errType classify.ErrorType, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	shaped := attempt
	switch errType {
	case classify.NavigationTimeout, classify.ElementWaitTimeout:
		shaped++
	}

	delay := p.Base
	for i := 1; i < shaped; i++ {
		delay = time.Duration(float64(delay) * p.Multiplier)
		if delay >= p.Max {
			return p.Max
		}
	}
	if delay > p.Max {
		delay = p.Max
	}
	return delay
}
