package fetch

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/xhnixjj-source/emag-erp-sub001/internal/util"
)

// Selectors for the marketplace page structures each routine depends on.
// The element-wait stage polls for these before extraction runs.
const (
	productPriceSelector = `[itemprop="price"], .product-new-price`
	cardSelector         = `div.card-item`
)

var (
	numberRe = regexp.MustCompile(`\d+(?:[.,]\d+)*`)
	reviewRe = regexp.MustCompile(`(\d+)\s*(?:de\s+)?review`)
	stockRe  = regexp.MustCompile(`(?i)ultimele\s+(\d+)|(\d+)\s+produse?\s+in\s+stoc`)
)

func parseDocument(body []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}
	return doc, nil
}

// requiredSelector names the element each extraction routine cannot run
// without.
func requiredSelector(kind Kind) string {
	switch kind {
	case KindProductMonitor:
		return productPriceSelector
	default:
		return cardSelector
	}
}

// extract runs the routine for the task kind against a parsed page.
func extract(doc *goquery.Document, target string, kind Kind) ([]Observation, error) {
	switch kind {
	case KindProductMonitor:
		return extractProduct(doc, target)
	case KindKeywordSearch:
		return extractListing(doc, target, false)
	case KindCategoryRankScan:
		return extractListing(doc, target, true)
	default:
		return nil, fmt.Errorf("unknown task kind: %s", kind)
	}
}

// extractProduct reads price, stock and review count from a product detail
// page. Rank signals are only produced by listing scans.
func extractProduct(doc *goquery.Document, target string) ([]Observation, error) {
	sig := Signals{}

	price, ok := extractPrice(doc.Selection)
	if !ok {
		return nil, fmt.Errorf("price node missing from document")
	}
	sig.Price = price

	sig.Stock = extractStock(doc)
	sig.ReviewCount = extractReviewCount(doc)

	return []Observation{{URL: util.NormaliseURL(target), Signals: sig}}, nil
}

// extractListing reads product cards from a search or category results page.
// Each card yields one observation carrying the card's position as rank:
// category_rank for category scans, shop_rank for keyword searches. Sponsored
// cards additionally carry their position among sponsored results as ad_rank.
func extractListing(doc *goquery.Document, target string, categoryScan bool) ([]Observation, error) {
	var observations []Observation
	adPosition := 0

	doc.Find(cardSelector).Each(func(i int, card *goquery.Selection) {
		href := cardProductURL(card, target)
		if href == "" {
			return
		}

		sig := Signals{}
		if price, ok := extractPrice(card); ok {
			sig.Price = price
		}

		// Rank is the card's position on the page, so a skipped card still
		// counts.
		position := i + 1
		if categoryScan {
			sig.CategoryRank = position
		} else {
			sig.ShopRank = position
		}

		if isSponsoredCard(card) {
			adPosition++
			sig.AdRank = adPosition
		}

		observations = append(observations, Observation{URL: href, Signals: sig})
	})

	if len(observations) == 0 {
		return nil, fmt.Errorf("no product cards found in listing")
	}
	return observations, nil
}

// cardProductURL finds the product detail link inside a listing card. Cards
// link relatively, so the href is resolved against the listing page URL.
func cardProductURL(card *goquery.Selection, pageURL string) string {
	href := strings.TrimSpace(card.Find(`a[href*="/pd/"]`).First().AttrOr("href", ""))
	if href == "" {
		return ""
	}
	return util.ResolveURL(pageURL, href)
}

func isSponsoredCard(card *goquery.Selection) bool {
	if _, exists := card.Attr("data-sponsored"); exists {
		return true
	}
	return card.Find(".sponsored-label, .card-v2-badge-cmp").Length() > 0
}

// extractPrice tries the known price node shapes in order.
func extractPrice(sel *goquery.Selection) (float64, bool) {
	// itemprop carries the clean machine-readable value when present.
	if content, exists := sel.Find(`[itemprop="price"]`).First().Attr("content"); exists {
		if price, err := strconv.ParseFloat(strings.TrimSpace(content), 64); err == nil && price > 0 {
			return price, true
		}
	}

	for _, selector := range []string{`[itemprop="price"]`, ".product-new-price", ".price", "[data-price]"} {
		text := strings.TrimSpace(sel.Find(selector).First().Text())
		if text == "" {
			continue
		}
		if price, ok := parsePrice(text); ok {
			return price, true
		}
	}
	return 0, false
}

// parsePrice handles displayed prices like "1.234,56 Lei" and "49,99 Lei".
func parsePrice(text string) (float64, bool) {
	match := numberRe.FindString(text)
	if match == "" {
		return 0, false
	}

	// Romanian formatting: "." groups thousands, "," marks decimals.
	if strings.Contains(match, ",") {
		match = strings.ReplaceAll(match, ".", "")
		match = strings.Replace(match, ",", ".", 1)
	} else if strings.Contains(match, ".") && allThousandGroups(match) {
		match = strings.ReplaceAll(match, ".", "")
	}

	price, err := strconv.ParseFloat(match, 64)
	if err != nil || price <= 0 {
		return 0, false
	}
	return price, true
}

// allThousandGroups reports whether every dot-separated group after the
// first has exactly three digits, i.e. the dots are thousands separators.
func allThousandGroups(s string) bool {
	groups := strings.Split(s, ".")
	for _, g := range groups[1:] {
		if len(g) != 3 {
			return false
		}
	}
	return true
}

// extractStock reads the remaining-stock count when the page shows one.
// "In stoc" with no count reports zero, meaning unknown rather than sold out.
func extractStock(doc *goquery.Document) int {
	text := doc.Find(".stock-and-genius, .product-stock-status, [data-stock]").First().Text()
	if m := stockRe.FindStringSubmatch(text); m != nil {
		for _, g := range m[1:] {
			if g != "" {
				if n, err := strconv.Atoi(g); err == nil {
					return n
				}
			}
		}
	}
	return 0
}

func extractReviewCount(doc *goquery.Document) int {
	for _, selector := range []string{`a[href*="#reviews"]`, `a[href*="/reviews"]`, ".reviews-count", ".rating-count"} {
		text := strings.ToLower(strings.TrimSpace(doc.Find(selector).First().Text()))
		if text == "" {
			continue
		}
		if m := reviewRe.FindStringSubmatch(text); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				return n
			}
		}
		if m := numberRe.FindString(strings.ReplaceAll(text, ",", "")); m != "" && !strings.Contains(m, ".") {
			if n, err := strconv.Atoi(m); err == nil {
				return n
			}
		}
	}
	return 0
}
