package tasks

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xhnixjj-source/emag-erp-sub001/internal/fetch"
)

func TestTypeValid(t *testing.T) {
	tests := []struct {
		taskType Type
		valid    bool
	}{
		{TypeKeywordSearch, true},
		{TypeCategoryRankScan, true},
		{TypeProductMonitor, true},
		{Type("unknown"), false},
		{Type(""), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.taskType), func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.taskType.Valid())
		})
	}
}

func TestTypeFetchKind(t *testing.T) {
	assert.Equal(t, fetch.KindKeywordSearch, TypeKeywordSearch.FetchKind())
	assert.Equal(t, fetch.KindCategoryRankScan, TypeCategoryRankScan.FetchKind())
	assert.Equal(t, fetch.KindProductMonitor, TypeProductMonitor.FetchKind())
}

func TestTypeIsCategoryRank(t *testing.T) {
	assert.True(t, TypeCategoryRankScan.IsCategoryRank())
	assert.False(t, TypeProductMonitor.IsCategoryRank())
	assert.False(t, TypeKeywordSearch.IsCategoryRank())
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		input   string
		want    Priority
		wantErr bool
	}{
		{"high", PriorityHigh, false},
		{"normal", PriorityNormal, false},
		{"", PriorityNormal, false},
		{"low", PriorityLow, false},
		{"urgent", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParsePriority(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPriorityOrdering(t *testing.T) {
	// Lower values lease first
	assert.Less(t, int(PriorityHigh), int(PriorityNormal))
	assert.Less(t, int(PriorityNormal), int(PriorityLow))
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"pending to processing", StatusPending, StatusProcessing, true},
		{"pending cancelled", StatusPending, StatusFailed, true},
		{"processing to completed", StatusProcessing, StatusCompleted, true},
		{"processing to failed", StatusProcessing, StatusFailed, true},
		{"retry requeue", StatusProcessing, StatusPending, true},
		{"pending cannot complete directly", StatusPending, StatusCompleted, false},
		{"completed is terminal", StatusCompleted, StatusPending, false},
		{"failed is terminal", StatusFailed, StatusProcessing, false},
		{"no self loop", StatusPending, StatusPending, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}
