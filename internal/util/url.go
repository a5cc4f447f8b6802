package util

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
)

// BaseURL is the marketplace root used to resolve relative targets.
const BaseURL = "https://www.emag.ro"

// NormaliseURL ensures a URL has proper https:// scheme and validates format
func NormaliseURL(rawURL string) string {
	// Clean up the URL by trimming spaces
	rawURL = strings.TrimSpace(rawURL)

	// Skip empty URLs
	if rawURL == "" {
		return ""
	}

	// Convert http:// to https://
	if strings.HasPrefix(rawURL, "http://") {
		rawURL = strings.Replace(rawURL, "http://", "https://", 1)
	}

	// Add https:// prefix if missing
	if !strings.HasPrefix(rawURL, "https://") {
		rawURL = "https://" + rawURL
	}

	// Strip query string and fragment: product URLs are keyed without them
	if i := strings.IndexAny(rawURL, "?#"); i != -1 {
		rawURL = rawURL[:i]
	}

	// Validate URL format
	parsedURL, err := url.Parse(rawURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		log.Debug().Str("url", rawURL).Err(err).Msg("Invalid URL format")
		return ""
	}

	return rawURL
}

// ResolveURL resolves an href found on a page against that page's URL and
// normalises the result. Listing cards link relatively, so a bare path like
// /produs/pd/AAA111/ comes out as an absolute marketplace URL.
func ResolveURL(pageURL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}

	base, err := url.Parse(strings.TrimSpace(pageURL))
	if err != nil || base.Host == "" {
		base, _ = url.Parse(BaseURL)
	}

	ref, err := url.Parse(href)
	if err != nil {
		log.Debug().Str("href", href).Err(err).Msg("Invalid link format")
		return ""
	}

	return NormaliseURL(base.ResolveReference(ref).String())
}

// SearchURL builds the keyword search page URL for a keyword target.
func SearchURL(keyword string) string {
	return fmt.Sprintf("%s/search/%s", BaseURL, url.PathEscape(strings.TrimSpace(keyword)))
}

// CategoryURL resolves a category path or full URL to an absolute category
// listing URL.
func CategoryURL(target string) string {
	target = strings.TrimSpace(target)
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return NormaliseURL(target)
	}
	if !strings.HasPrefix(target, "/") {
		target = "/" + target
	}
	return BaseURL + target
}

// IsProductURL reports whether a URL points at a product detail page.
func IsProductURL(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.Contains(parsed.Path, "/pd/")
}

// ValidateTarget checks that a target URL belongs to the marketplace and is
// well formed. Returns an error describing why the target is invalid.
func ValidateTarget(rawURL string) error {
	normalised := NormaliseURL(rawURL)
	if normalised == "" {
		return fmt.Errorf("invalid URL format: %q", rawURL)
	}

	parsed, err := url.Parse(normalised)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	host := strings.ToLower(strings.TrimPrefix(parsed.Host, "www."))
	if host != "emag.ro" && !strings.HasSuffix(host, ".emag.ro") {
		return fmt.Errorf("target %q is not an emag.ro URL", rawURL)
	}

	return nil
}
