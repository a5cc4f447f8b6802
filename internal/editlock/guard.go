package editlock

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Executor runs a database operation in a transaction
type Executor interface {
	Execute(ctx context.Context, fn func(*sql.Tx) error) error
}

// ErrNotFound is returned when the listing does not exist
var ErrNotFound = fmt.Errorf("listing not found")

// DeniedError is returned when another user already holds the edit lock.
// It names the holder so the caller can tell the user who to wait for.
type DeniedError struct {
	ListingID int
	HolderID  int64
	LockedAt  time.Time
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("listing %d is being edited by user %d", e.ListingID, e.HolderID)
}

// Guard mediates exclusive edit access to listing records. Acquisition is a
// single compare-and-set UPDATE, so two users racing for the same listing
// resolve at the database row without any in-process coordination.
//
// MaxHold is an optional staleness bound: when non-zero, a lock held longer
// than MaxHold is treated as abandoned and can be taken over. Zero (the
// default) means locks never expire and only release or an admin can clear
// them.
type Guard struct {
	exec    Executor
	maxHold time.Duration
}

// NewGuard creates a Guard. maxHold of zero disables lock expiry.
func NewGuard(exec Executor, maxHold time.Duration) *Guard {
	return &Guard{exec: exec, maxHold: maxHold}
}

// Acquire takes the edit lock on a listing for userID. Re-acquiring a lock
// the user already holds succeeds and refreshes locked_at. When another user
// holds the lock, a *DeniedError naming the holder is returned.
func (g *Guard) Acquire(ctx context.Context, listingID int, userID int64) error {
	return g.exec.Execute(ctx, func(tx *sql.Tx) error {
		query := `
			UPDATE listing_pool
			SET is_locked = TRUE, locked_by_user_id = $2, locked_at = NOW()
			WHERE id = $1
			  AND (is_locked = FALSE OR locked_by_user_id = $2`
		args := []interface{}{listingID, userID}
		if g.maxHold > 0 {
			query += ` OR locked_at < NOW() - $3::interval`
			args = append(args, g.maxHold.String())
		}
		query += `)`

		result, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to acquire edit lock: %w", err)
		}

		rows, _ := result.RowsAffected()
		if rows > 0 {
			log.Debug().
				Int("listing_id", listingID).
				Int64("user_id", userID).
				Msg("Edit lock acquired")
			return nil
		}

		// The CAS lost. Read the row to name the holder, or report a
		// missing listing.
		var holderID sql.NullInt64
		var lockedAt sql.NullTime
		err = tx.QueryRowContext(ctx, `
			SELECT locked_by_user_id, locked_at
			FROM listing_pool
			WHERE id = $1
		`, listingID).Scan(&holderID, &lockedAt)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read lock holder: %w", err)
		}

		denied := &DeniedError{ListingID: listingID, HolderID: holderID.Int64}
		if lockedAt.Valid {
			denied.LockedAt = lockedAt.Time
		}
		return denied
	})
}

// FlagPendingCalc marks the listings tracking a product URL as needing a
// profit recalculation after a fresh observation. Crawl writes must not
// mutate a listing while a human holds its edit lock, so locked rows are
// left alone and reported as a *DeniedError naming the holder; unlocked
// rows are still flagged in the same pass. ErrNotFound means no listing
// tracks this product, which most monitored URLs won't.
func (g *Guard) FlagPendingCalc(ctx context.Context, productURL string) error {
	var flagged int64
	var denied *DeniedError

	err := g.exec.Execute(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE listing_pool
			SET status = 'pending_calc'
			WHERE product_url = $1 AND is_locked = FALSE
		`, productURL)
		if err != nil {
			return fmt.Errorf("failed to flag listing for recalculation: %w", err)
		}
		flagged, _ = result.RowsAffected()

		// Locked rows are reported even when others were flagged, so a
		// partially locked product still surfaces the held edit session.
		var listingID int
		var holderID sql.NullInt64
		var lockedAt sql.NullTime
		err = tx.QueryRowContext(ctx, `
			SELECT id, locked_by_user_id, locked_at
			FROM listing_pool
			WHERE product_url = $1 AND is_locked = TRUE
			ORDER BY id
			LIMIT 1
		`, productURL).Scan(&listingID, &holderID, &lockedAt)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read lock holder: %w", err)
		}

		denied = &DeniedError{ListingID: listingID, HolderID: holderID.Int64}
		if lockedAt.Valid {
			denied.LockedAt = lockedAt.Time
		}
		return nil
	})
	if err != nil {
		return err
	}

	if flagged > 0 {
		log.Debug().
			Str("product_url", productURL).
			Int64("listings", flagged).
			Msg("Listings flagged for recalculation")
	}
	if denied != nil {
		return denied
	}
	if flagged == 0 {
		return ErrNotFound
	}
	return nil
}

// Release clears the lock when userID holds it. Releasing a lock the user
// does not hold is an error, so a stale client cannot clear someone else's
// session.
func (g *Guard) Release(ctx context.Context, listingID int, userID int64) error {
	return g.exec.Execute(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE listing_pool
			SET is_locked = FALSE, locked_by_user_id = NULL, locked_at = NULL
			WHERE id = $1 AND is_locked = TRUE AND locked_by_user_id = $2
		`, listingID, userID)
		if err != nil {
			return fmt.Errorf("failed to release edit lock: %w", err)
		}

		rows, _ := result.RowsAffected()
		if rows == 0 {
			return fmt.Errorf("user %d does not hold the lock on listing %d", userID, listingID)
		}

		log.Debug().
			Int("listing_id", listingID).
			Int64("user_id", userID).
			Msg("Edit lock released")
		return nil
	})
}

// ForceRelease clears the lock regardless of holder. Admin recovery path for
// locks stranded by dead sessions. Idempotent: clearing an unlocked listing
// succeeds.
func (g *Guard) ForceRelease(ctx context.Context, listingID int) error {
	return g.exec.Execute(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE listing_pool
			SET is_locked = FALSE, locked_by_user_id = NULL, locked_at = NULL
			WHERE id = $1
		`, listingID)
		if err != nil {
			return fmt.Errorf("failed to force-release edit lock: %w", err)
		}

		rows, _ := result.RowsAffected()
		if rows == 0 {
			return ErrNotFound
		}

		log.Info().
			Int("listing_id", listingID).
			Msg("Edit lock force-released")
		return nil
	})
}

// IsLocked reports whether a listing is currently locked and by whom.
func (g *Guard) IsLocked(ctx context.Context, listingID int) (bool, int64, error) {
	locked := false
	var holder int64

	err := g.exec.Execute(ctx, func(tx *sql.Tx) error {
		var holderID sql.NullInt64
		err := tx.QueryRowContext(ctx, `
			SELECT is_locked, locked_by_user_id
			FROM listing_pool
			WHERE id = $1
		`, listingID).Scan(&locked, &holderID)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read lock state: %w", err)
		}
		holder = holderID.Int64
		return nil
	})
	if err != nil {
		return false, 0, err
	}
	return locked, holder, nil
}
