//go:build unit || !integration

package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormaliseURL(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"adds https prefix", "www.emag.ro/pd/ABC123", "https://www.emag.ro/pd/ABC123"},
		{"upgrades http", "http://www.emag.ro/pd/ABC123", "https://www.emag.ro/pd/ABC123"},
		{"strips query string", "https://www.emag.ro/pd/ABC123?ref=hp", "https://www.emag.ro/pd/ABC123"},
		{"strips fragment", "https://www.emag.ro/pd/ABC123#reviews", "https://www.emag.ro/pd/ABC123"},
		{"trims whitespace", "  https://www.emag.ro/pd/ABC123  ", "https://www.emag.ro/pd/ABC123"},
		{"empty input", "", ""},
		{"garbage input", "https://", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormaliseURL(tt.input))
		})
	}
}

func TestSearchURL(t *testing.T) {
	assert.Equal(t, "https://www.emag.ro/search/laptop", SearchURL("laptop"))
	assert.Equal(t, "https://www.emag.ro/search/gaming%20mouse", SearchURL(" gaming mouse "))
}

func TestCategoryURL(t *testing.T) {
	assert.Equal(t, "https://www.emag.ro/laptopuri/c", CategoryURL("/laptopuri/c"))
	assert.Equal(t, "https://www.emag.ro/laptopuri/c", CategoryURL("laptopuri/c"))
	assert.Equal(t, "https://www.emag.ro/laptopuri/c", CategoryURL("https://www.emag.ro/laptopuri/c?p=2"))
}

func TestIsProductURL(t *testing.T) {
	assert.True(t, IsProductURL("https://www.emag.ro/laptop-apple/pd/DV8B83MBM/"))
	assert.False(t, IsProductURL("https://www.emag.ro/laptopuri/c"))
}

func TestValidateTarget(t *testing.T) {
	assert.NoError(t, ValidateTarget("https://www.emag.ro/pd/ABC123"))
	assert.NoError(t, ValidateTarget("emag.ro/pd/ABC123"))
	assert.Error(t, ValidateTarget("https://example.com/pd/ABC123"))
	assert.Error(t, ValidateTarget(""))
}

func TestResolveURL(t *testing.T) {
	page := "https://www.emag.ro/laptopuri/c?p=2"

	// Relative hrefs resolve against the page host
	assert.Equal(t, "https://www.emag.ro/produs/pd/AAA111/",
		ResolveURL(page, "/produs/pd/AAA111/"))

	// Absolute hrefs pass through normalisation untouched
	assert.Equal(t, "https://www.emag.ro/produs/pd/BBB222/",
		ResolveURL(page, "https://www.emag.ro/produs/pd/BBB222/?ref=sp"))

	// An unusable page URL falls back to the marketplace root
	assert.Equal(t, "https://www.emag.ro/produs/pd/CCC333/",
		ResolveURL("", "/produs/pd/CCC333/"))

	assert.Equal(t, "", ResolveURL(page, ""))
}
