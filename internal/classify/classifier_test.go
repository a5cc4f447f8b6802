//go:build unit || !integration

package classify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name          string
		failure       Failure
		wantType      ErrorType
		wantRetryable bool
		wantMarker    bool
	}{
		{
			name: "navigation timeout with declared 10s budget",
			failure: Failure{
				Message: "navigation did not complete",
				Stage:   StageNavigation,
				Timeout: 10 * time.Second,
			},
			wantType:      NavigationTimeout,
			wantRetryable: true,
		},
		{
			name: "navigation timeout from message signature",
			failure: Failure{
				Message: "context deadline exceeded",
				Stage:   StageNavigation,
			},
			wantType:      NavigationTimeout,
			wantRetryable: true,
		},
		{
			name: "element wait timeout with declared 20s budget",
			failure: Failure{
				Message: "waiting for selector .product-page-pricing",
				Stage:   StageElementWait,
				Timeout: 20 * time.Second,
			},
			wantType:      ElementWaitTimeout,
			wantRetryable: true,
		},
		{
			name: "extraction failure has no timeout signature",
			failure: Failure{
				Message: "price node missing from document",
				Stage:   StageExtraction,
			},
			wantType:      ExtractionFailure,
			wantRetryable: true,
		},
		{
			name: "navigation failure without timeout signature is structural",
			failure: Failure{
				Message: "unexpected status 503",
				Stage:   StageNavigation,
			},
			wantType:      ExtractionFailure,
			wantRetryable: true,
		},
		{
			name: "cancelled is terminal regardless of stage",
			failure: Failure{
				Message:   "context canceled",
				Stage:     StageNavigation,
				Timeout:   10 * time.Second,
				Cancelled: true,
			},
			wantType:      Cancelled,
			wantRetryable: false,
		},
		{
			name: "category rank fetch carries aggregation marker",
			failure: Failure{
				Message:      "navigation did not complete",
				Stage:        StageNavigation,
				Timeout:      10 * time.Second,
				CategoryRank: true,
			},
			wantType:      NavigationTimeout,
			wantRetryable: true,
			wantMarker:    true,
		},
		{
			name: "category rank marker applies to element wait failures too",
			failure: Failure{
				Message:      "rank list never rendered",
				Stage:        StageElementWait,
				Timeout:      20 * time.Second,
				CategoryRank: true,
			},
			wantType:      ElementWaitTimeout,
			wantRetryable: true,
			wantMarker:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.failure)
			assert.Equal(t, tt.wantType, got.Type)
			assert.Equal(t, tt.wantRetryable, got.Retryable)
			assert.Equal(t, tt.wantMarker, got.CategoryRankTimeout)
		})
	}
}

func TestClassifyIsPure(t *testing.T) {
	f := Failure{Message: "timeout", Stage: StageNavigation, Timeout: 10 * time.Second}
	first := Classify(f)
	second := Classify(f)
	assert.Equal(t, first, second)
}
