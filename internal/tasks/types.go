package tasks

import (
	"fmt"

	"github.com/xhnixjj-source/emag-erp-sub001/internal/fetch"
)

// Type identifies what a crawl task fetches
type Type string

const (
	TypeKeywordSearch    Type = "keyword_search"
	TypeCategoryRankScan Type = "category_rank_scan"
	TypeProductMonitor   Type = "product_monitor"
)

// Valid reports whether t is a known task type
func (t Type) Valid() bool {
	switch t {
	case TypeKeywordSearch, TypeCategoryRankScan, TypeProductMonitor:
		return true
	}
	return false
}

// FetchKind maps the task type onto the fetch layer's page kind
func (t Type) FetchKind() fetch.Kind {
	switch t {
	case TypeKeywordSearch:
		return fetch.KindKeywordSearch
	case TypeCategoryRankScan:
		return fetch.KindCategoryRankScan
	default:
		return fetch.KindProductMonitor
	}
}

// IsCategoryRank reports whether failures of this task carry the
// category-rank aggregation marker
func (t Type) IsCategoryRank() bool {
	return t == TypeCategoryRankScan
}

// Priority orders tasks within the queue. Lower values lease first.
type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 2
	PriorityLow    Priority = 3
)

// ParsePriority maps the API-level priority names onto queue ordering values
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "high":
		return PriorityHigh, nil
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// Status is a task's lifecycle state
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// CanTransition enumerates the legal lifecycle moves. Completed and failed
// are terminal; a retryable failure is the processing->pending edge.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusFailed
	case StatusProcessing:
		return to == StatusPending || to == StatusCompleted || to == StatusFailed
	}
	return false
}
