package classify

import (
	"strings"
	"time"
)

// Stage identifies which part of a fetch attempt produced a failure.
type Stage string

const (
	StageNavigation  Stage = "page_navigation"
	StageElementWait Stage = "element_wait"
	StageExtraction  Stage = "extraction"
)

// ErrorType is the closed taxonomy of task failure classifications.
type ErrorType string

const (
	NavigationTimeout  ErrorType = "navigation_timeout"
	ElementWaitTimeout ErrorType = "element_wait_timeout"
	ExtractionFailure  ErrorType = "extraction_failure"
	Cancelled          ErrorType = "cancelled"
	LockDenied         ErrorType = "lock_denied"
)

// Failure is the raw description of a failed fetch attempt, as reported by
// the page-fetch collaborator or the worker boundary.
type Failure struct {
	Message      string
	Stage        Stage
	Timeout      time.Duration // declared stage timeout budget, zero when unknown
	StatusCode   int
	CategoryRank bool // the failing stage was a category-rank fetch
	Cancelled    bool
}

// Classification is the verdict for one failure.
type Classification struct {
	Type      ErrorType
	Retryable bool

	// CategoryRankTimeout marks failures on category-rank fetches for
	// downstream aggregation; rank pages are the dominant timeout source.
	CategoryRankTimeout bool
}

// Classify maps a raw failure to an error type and a retryability verdict.
// It is pure: logging and requeue decisions belong to the caller.
func Classify(f Failure) Classification {
	c := Classification{CategoryRankTimeout: f.CategoryRank}

	switch {
	case f.Cancelled:
		c.Type = Cancelled
		c.Retryable = false
	case f.Stage == StageNavigation && isTimeout(f):
		c.Type = NavigationTimeout
		c.Retryable = true
	case f.Stage == StageElementWait && isTimeout(f):
		// Counted separately from navigation timeouts: the page loaded but
		// the content never rendered, which warrants a different backoff.
		c.Type = ElementWaitTimeout
		c.Retryable = true
	default:
		// Structural parse failure with no timeout signature. Retryable up to
		// a stricter cap: repeated extraction failures usually mean the page
		// layout changed, not a transient load problem.
		c.Type = ExtractionFailure
		c.Retryable = true
	}

	return c
}

// isTimeout reports whether the failure carries a timeout signature, either a
// declared stage budget or a timeout-shaped message.
func isTimeout(f Failure) bool {
	if f.Timeout > 0 {
		return true
	}
	msg := strings.ToLower(f.Message)
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded")
}
