package monitor

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"

	"github.com/xhnixjj-source/emag-erp-sub001/internal/cache"
	"github.com/xhnixjj-source/emag-erp-sub001/internal/fetch"
)

// Executor runs a database operation in a transaction
type Executor interface {
	Execute(ctx context.Context, fn func(*sql.Tx) error) error
	Querier() *sql.DB
}

// Snapshot is the current state of one monitored product
type Snapshot struct {
	PoolID      int           `json:"pool_id"`
	URL         string        `json:"url"`
	Signals     fetch.Signals `json:"signals"`
	CrawledAt   time.Time     `json:"crawled_at"`
	FirstSeenAt time.Time     `json:"first_seen_at"`
}

// Writer persists successful observations. Each observation lands in one
// transaction: a history row is appended and the pool row is brought up to
// date, so readers never see a snapshot whose history row is missing.
type Writer struct {
	exec  Executor
	cache *cache.Store[Snapshot]
}

// NewWriter creates a Writer. cache may be nil to disable snapshot caching.
func NewWriter(exec Executor, c *cache.Store[Snapshot]) *Writer {
	return &Writer{exec: exec, cache: c}
}

func snapshotCacheKey(url string) string {
	return "monitor:snapshot:" + url
}

// Record stores one observation for url. The pool row is created on first
// sight of a URL, so observations arriving from listing scans need no prior
// registration.
func (w *Writer) Record(ctx context.Context, url string, signals fetch.Signals, observedAt time.Time) error {
	span := sentry.StartSpan(ctx, "monitor.record")
	span.SetTag("url", url)
	defer span.Finish()

	if observedAt.IsZero() {
		observedAt = time.Now()
	}

	var poolID int
	var firstSeen time.Time

	err := w.exec.Execute(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO monitor_pool (url, price, stock, review_count, shop_rank, category_rank, ad_rank, crawled_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (url) DO UPDATE SET
				price = EXCLUDED.price,
				stock = EXCLUDED.stock,
				review_count = EXCLUDED.review_count,
				shop_rank = EXCLUDED.shop_rank,
				category_rank = EXCLUDED.category_rank,
				ad_rank = EXCLUDED.ad_rank,
				crawled_at = EXCLUDED.crawled_at
			RETURNING id, created_at
		`, url, signals.Price, signals.Stock, signals.ReviewCount,
			signals.ShopRank, signals.CategoryRank, signals.AdRank, observedAt,
		).Scan(&poolID, &firstSeen)
		if err != nil {
			return fmt.Errorf("failed to upsert monitor pool row: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO monitor_history (monitor_pool_id, price, stock, review_count, shop_rank, category_rank, ad_rank, observed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, poolID, signals.Price, signals.Stock, signals.ReviewCount,
			signals.ShopRank, signals.CategoryRank, signals.AdRank, observedAt)
		if err != nil {
			return fmt.Errorf("failed to append monitor history row: %w", err)
		}
		return nil
	})
	if err != nil {
		span.SetTag("error", "true")
		return err
	}

	if w.cache != nil {
		w.cache.Set(snapshotCacheKey(url), Snapshot{
			PoolID:      poolID,
			URL:         url,
			Signals:     signals,
			CrawledAt:   observedAt,
			FirstSeenAt: firstSeen,
		})
	}

	log.Debug().
		Str("url", url).
		Int("pool_id", poolID).
		Float64("price", signals.Price).
		Msg("Recorded observation")

	return nil
}

// Latest returns the current snapshot for url, or nil when the product has
// never been observed. Cache hits skip the database entirely.
func (w *Writer) Latest(ctx context.Context, url string) (*Snapshot, error) {
	if w.cache != nil {
		if snap, found := w.cache.Get(snapshotCacheKey(url)); found {
			return &snap, nil
		}
	}

	var snap Snapshot
	var price sql.NullFloat64
	var stock, reviewCount, shopRank, categoryRank, adRank sql.NullInt64
	var crawledAt sql.NullTime

	err := w.exec.Querier().QueryRowContext(ctx, `
		SELECT id, url, price, stock, review_count, shop_rank, category_rank, ad_rank, crawled_at, created_at
		FROM monitor_pool
		WHERE url = $1
	`, url).Scan(
		&snap.PoolID, &snap.URL, &price, &stock, &reviewCount,
		&shopRank, &categoryRank, &adRank, &crawledAt, &snap.FirstSeenAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	snap.Signals = fetch.Signals{
		Price:        price.Float64,
		Stock:        int(stock.Int64),
		ReviewCount:  int(reviewCount.Int64),
		ShopRank:     int(shopRank.Int64),
		CategoryRank: int(categoryRank.Int64),
		AdRank:       int(adRank.Int64),
	}
	if crawledAt.Valid {
		snap.CrawledAt = crawledAt.Time
	}

	if w.cache != nil {
		w.cache.Set(snapshotCacheKey(url), snap)
	}
	return &snap, nil
}

// History returns up to limit observations for url, newest first.
func (w *Writer) History(ctx context.Context, url string, limit int) ([]Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := w.exec.Querier().QueryContext(ctx, `
		SELECT h.monitor_pool_id, p.url, h.price, h.stock, h.review_count,
			h.shop_rank, h.category_rank, h.ad_rank, h.observed_at, p.created_at
		FROM monitor_history h
		JOIN monitor_pool p ON p.id = h.monitor_pool_id
		WHERE p.url = $1
		ORDER BY h.observed_at DESC
		LIMIT $2
	`, url, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer rows.Close()

	var history []Snapshot
	for rows.Next() {
		var snap Snapshot
		var price sql.NullFloat64
		var stock, reviewCount, shopRank, categoryRank, adRank sql.NullInt64

		err := rows.Scan(
			&snap.PoolID, &snap.URL, &price, &stock, &reviewCount,
			&shopRank, &categoryRank, &adRank, &snap.CrawledAt, &snap.FirstSeenAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}

		snap.Signals = fetch.Signals{
			Price:        price.Float64,
			Stock:        int(stock.Int64),
			ReviewCount:  int(reviewCount.Int64),
			ShopRank:     int(shopRank.Int64),
			CategoryRank: int(categoryRank.Int64),
			AdRank:       int(adRank.Int64),
		}
		history = append(history, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history rows: %w", err)
	}
	return history, nil
}
