package fetch

import (
	"fmt"
	"time"

	"github.com/xhnixjj-source/emag-erp-sub001/internal/classify"
)

// Kind selects which extraction routine and target URL shape apply.
type Kind string

const (
	KindKeywordSearch    Kind = "keyword_search"
	KindCategoryRankScan Kind = "category_rank_scan"
	KindProductMonitor   Kind = "product_monitor"
)

// Signals are the numeric observations extracted from one page visit.
// Zero values mean the signal was not present on the page.
type Signals struct {
	Price        float64 `json:"price"`
	Stock        int     `json:"stock"`
	ReviewCount  int     `json:"review_count"`
	ShopRank     int     `json:"shop_rank"`
	CategoryRank int     `json:"category_rank"`
	AdRank       int     `json:"ad_rank"`
}

// Observation ties extracted signals to the product URL they describe.
type Observation struct {
	URL     string
	Signals Signals
}

// Result is the outcome of one successful fetch. A product monitor fetch
// yields exactly one observation; search and rank scans yield one per
// product card found.
type Result struct {
	Observations []Observation
	StatusCode   int
	ResponseTime int64 // milliseconds
}

// StageError reports a failure tagged with the stage that produced it and
// the declared timeout budget for that stage, when one applies.
type StageError struct {
	Stage        classify.Stage
	Timeout      time.Duration
	CategoryRank bool
	Err          error
}

func (e *StageError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("%s (timeout %dms): %v", e.Stage, e.Timeout.Milliseconds(), e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
