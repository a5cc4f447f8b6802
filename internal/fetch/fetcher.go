package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/xhnixjj-source/emag-erp-sub001/internal/classify"
)

// Fetcher is the page-fetch/extract contract consumed by the worker pool.
// Implementations must respect the per-stage timeout budgets declared in
// their configuration and report failures as *StageError.
type Fetcher interface {
	Fetch(ctx context.Context, target string, kind Kind) (*Result, error)
}

// Client fetches marketplace pages over HTTP and extracts monitoring signals.
type Client struct {
	config  *Config
	colly   *colly.Collector
	limiter *rate.Limiter
	id      string
}

// New creates a new Client with the given configuration and optional ID.
// If config is nil, default configuration is used.
func New(config *Config, id ...string) *Client {
	if config == nil {
		config = DefaultConfig()
	}

	clientID := ""
	if len(id) > 0 {
		clientID = id[0]
	}

	c := colly.NewCollector(
		colly.UserAgent(config.UserAgent),
		colly.MaxDepth(1),
		colly.Async(true),
		colly.AllowURLRevisit(),
	)

	c.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: config.MaxConcurrency,
	})

	c.SetClient(&http.Client{
		Timeout: config.NavigationTimeout,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 25,
			MaxConnsPerHost:     50,
			IdleConnTimeout:     120 * time.Second,
			ForceAttemptHTTP2:   true,
		},
	})

	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "ro-RO,ro;q=0.9,en;q=0.8")

		log.Debug().
			Str("url", r.URL.String()).
			Str("fetcher_id", clientID).
			Msg("Fetcher sending request")
	})

	return &Client{
		config:  config,
		colly:   c,
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), 1),
		id:      clientID,
	}
}

// navResponse is the raw outcome of the navigation stage.
type navResponse struct {
	body         []byte
	statusCode   int
	responseTime int64
}

// Fetch visits the target and extracts signals for the given task kind. It
// runs the three stages in order: page navigation, element wait, extraction.
// Failures are returned as *StageError so the caller can classify them.
func (c *Client) Fetch(ctx context.Context, target string, kind Kind) (*Result, error) {
	if _, err := url.ParseRequestURI(target); err != nil {
		return nil, &StageError{
			Stage:        classify.StageNavigation,
			CategoryRank: kind == KindCategoryRankScan,
			Err:          fmt.Errorf("invalid target URL: %w", err),
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &StageError{
			Stage:        classify.StageNavigation,
			CategoryRank: kind == KindCategoryRankScan,
			Err:          err,
		}
	}

	// Stage 1: page navigation, bounded by the navigation budget.
	navCtx, cancel := context.WithTimeout(ctx, c.config.NavigationTimeout)
	defer cancel()

	resp, err := c.navigate(navCtx, target)
	if err != nil {
		stageErr := &StageError{
			Stage:        classify.StageNavigation,
			CategoryRank: kind == KindCategoryRankScan,
			Err:          err,
		}
		// Only an expired navigation budget is a timeout. Connection
		// failures and bad status codes carry no timeout signature and
		// classify on their own terms.
		if errors.Is(navCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			stageErr.Timeout = c.config.NavigationTimeout
		}
		return nil, stageErr
	}

	doc, err := parseDocument(resp.body)
	if err != nil {
		return nil, &StageError{
			Stage:        classify.StageExtraction,
			CategoryRank: kind == KindCategoryRankScan,
			Err:          err,
		}
	}

	// Stage 2: wait for the content the extraction routine needs. Rendered
	// pages sometimes return a shell before listing content is available, so
	// poll with fresh navigations until the element-wait budget runs out.
	selector := requiredSelector(kind)
	if doc.Find(selector).Length() == 0 {
		doc, resp, err = c.waitForElement(ctx, target, kind, selector)
		if err != nil {
			return nil, err
		}
	}

	// Stage 3: extraction.
	observations, err := extract(doc, target, kind)
	if err != nil {
		return nil, &StageError{
			Stage:        classify.StageExtraction,
			CategoryRank: kind == KindCategoryRankScan,
			Err:          err,
		}
	}

	log.Debug().
		Str("url", target).
		Str("kind", string(kind)).
		Int("status_code", resp.statusCode).
		Int("observations", len(observations)).
		Int64("response_time_ms", resp.responseTime).
		Msg("Fetch completed")

	return &Result{
		Observations: observations,
		StatusCode:   resp.statusCode,
		ResponseTime: resp.responseTime,
	}, nil
}

// waitForElement re-navigates until the selector appears or the element-wait
// budget is exhausted.
func (c *Client) waitForElement(ctx context.Context, target string, kind Kind, selector string) (doc *goquery.Document, resp *navResponse, err error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.config.ElementWaitTimeout)
	defer cancel()

	attempt := 0
	for {
		attempt++

		select {
		case <-waitCtx.Done():
			// Distinguish caller cancellation from budget expiry.
			if ctx.Err() != nil {
				return nil, nil, &StageError{
					Stage:        classify.StageElementWait,
					CategoryRank: kind == KindCategoryRankScan,
					Err:          ctx.Err(),
				}
			}
			return nil, nil, &StageError{
				Stage:        classify.StageElementWait,
				Timeout:      c.config.ElementWaitTimeout,
				CategoryRank: kind == KindCategoryRankScan,
				Err:          fmt.Errorf("element %q did not appear after %d attempts", selector, attempt-1),
			}
		case <-time.After(c.config.ElementPollDelay):
		}

		resp, err = c.navigate(waitCtx, target)
		if err != nil {
			if waitCtx.Err() != nil {
				continue // budget expiry is reported on the next loop entry
			}
			return nil, nil, &StageError{
				Stage:        classify.StageElementWait,
				Timeout:      c.config.ElementWaitTimeout,
				CategoryRank: kind == KindCategoryRankScan,
				Err:          err,
			}
		}

		doc, err = parseDocument(resp.body)
		if err != nil {
			continue
		}

		if doc.Find(selector).Length() > 0 {
			log.Debug().
				Str("url", target).
				Str("selector", selector).
				Int("attempts", attempt).
				Msg("Element appeared after polling")
			return doc, resp, nil
		}
	}
}

// navigate performs one page visit and returns the raw body. It supports
// context cancellation by running the visit in a goroutine, the way a
// browser-driven fetch would be watched.
func (c *Client) navigate(ctx context.Context, target string) (*navResponse, error) {
	clone := c.colly.Clone()

	start := time.Now()
	resp := &navResponse{}
	var navErr error

	clone.OnResponse(func(r *colly.Response) {
		resp.body = r.Body
		resp.statusCode = r.StatusCode
		resp.responseTime = time.Since(start).Milliseconds()
	})

	clone.OnError(func(r *colly.Response, err error) {
		navErr = err
		if r != nil {
			resp.statusCode = r.StatusCode
			resp.responseTime = time.Since(start).Milliseconds()
		}
	})

	done := make(chan error, 1)
	go func() {
		if err := clone.Visit(target); err != nil {
			done <- err
			return
		}
		clone.Wait()
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if navErr != nil {
		return nil, navErr
	}
	if resp.statusCode < 200 || resp.statusCode >= 300 {
		return nil, fmt.Errorf("non-success status code: %d", resp.statusCode)
	}
	return resp, nil
}

// IsCancelled reports whether a fetch error was caused by caller
// cancellation rather than a stage budget expiring.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}
