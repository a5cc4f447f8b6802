package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// RetryConfig holds configuration for connection retry behaviour
type RetryConfig struct {
	MaxAttempts     int           // Maximum number of connection attempts
	InitialInterval time.Duration // Initial retry interval
	MaxInterval     time.Duration // Maximum retry interval (cap for exponential backoff)
	Multiplier      float64       // Backoff multiplier (typically 2.0)
	Jitter          bool          // Add randomness to prevent thundering herd
}

// DefaultRetryConfig returns sensible defaults for database connection retries
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     10,               // Try up to 10 times
		InitialInterval: 1 * time.Second,  // Start with 1 second
		MaxInterval:     30 * time.Second, // Cap at 30 seconds
		Multiplier:      2.0,              // Double each time
		Jitter:          true,             // Add randomness
	}
}

// isRetryableError determines if an error is infrastructure-related (should retry)
// vs data-related (poison pill that should be skipped)
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Unwrap to find the underlying PostgreSQL error
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08": // Connection exceptions
			return true
		case "53": // Insufficient resources (connection limit, out of memory, disk full)
			return true
		case "57": // Operator intervention (shutdown in progress, etc)
			return true
		case "58": // System errors (IO errors, etc)
			return true
		case "23": // Integrity constraint violations - NOT retryable (bad data)
			return false
		case "22": // Data exceptions (invalid input, etc) - NOT retryable (bad data)
			return false
		default:
			// For unknown postgres errors, be conservative and retry
			return true
		}
	}

	// Check for common Go database errors
	switch err {
	case sql.ErrConnDone:
		return true
	case context.DeadlineExceeded:
		return true
	case context.Canceled:
		return true
	}

	// Check error message for connection issues
	errMsg := err.Error()
	connectionErrors := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"timeout",
		"too many clients",
		"pool",
	}

	for _, connErr := range connectionErrors {
		if strings.Contains(errMsg, connErr) {
			return true
		}
	}

	// Default: assume it's retryable (safer than dropping data)
	return true
}

// InitFromEnvWithRetry creates a PostgreSQL connection using environment variables
// with automatic retry on connection failures
func InitFromEnvWithRetry(ctx context.Context) (*DB, error) {
	config := DefaultRetryConfig()
	return InitFromEnvWithRetryConfig(ctx, config)
}

// InitFromEnvWithRetryConfig creates a PostgreSQL connection with custom retry configuration
func InitFromEnvWithRetryConfig(ctx context.Context, retryConfig RetryConfig) (*DB, error) {
	var lastErr error
	backoff := retryConfig.InitialInterval
	startTime := time.Now()

	for attempt := 1; attempt <= retryConfig.MaxAttempts; attempt++ {
		// Try to connect
		db, err := InitFromEnv()
		if err == nil {
			// Success!
			if attempt > 1 {
				log.Info().
					Int("attempts", attempt).
					Dur("elapsed", time.Since(startTime)).
					Msg("Database connection established after retries")
			}
			return db, nil
		}

		lastErr = err

		// Check if error is retryable
		if !isRetryableError(err) {
			// Configuration or authentication errors - fail fast
			log.Error().
				Err(err).
				Int("attempt", attempt).
				Msg("Database connection failed with non-retryable error")
			return nil, fmt.Errorf("database connection failed: %w", err)
		}

		// Don't retry if we've exhausted attempts
		if attempt >= retryConfig.MaxAttempts {
			break
		}

		// Log retry attempt
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", retryConfig.MaxAttempts).
			Dur("retry_in", backoff).
			Msg("Database connection failed, retrying...")

		// Wait before retry (respecting context cancellation)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connection retry cancelled: %w", ctx.Err())
		case <-time.After(backoff):
			// Continue to next attempt
		}

		// Calculate next backoff with exponential increase
		backoff = time.Duration(float64(backoff) * retryConfig.Multiplier)
		if backoff > retryConfig.MaxInterval {
			backoff = retryConfig.MaxInterval
		}

		// Add jitter to prevent thundering herd
		if retryConfig.Jitter {
			jitter := time.Duration(float64(backoff) * 0.1 * (2.0*float64(time.Now().UnixNano()%100)/100.0 - 1.0))
			backoff += jitter
		}
	}

	// All retries exhausted
	log.Error().
		Err(lastErr).
		Int("max_attempts", retryConfig.MaxAttempts).
		Msg("Database connection failed after all retry attempts")

	return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", retryConfig.MaxAttempts, lastErr)
}

// WaitForDatabase blocks until the database connection is established or context is cancelled
// This is useful during application startup to gracefully wait for database availability
func WaitForDatabase(ctx context.Context, maxWait time.Duration) (*DB, error) {
	waitCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	config := RetryConfig{
		MaxAttempts:     int(math.Ceil(float64(maxWait) / float64(5*time.Second))),
		InitialInterval: 2 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
	}

	log.Info().
		Dur("max_wait", maxWait).
		Int("max_attempts", config.MaxAttempts).
		Msg("Waiting for database to become available...")

	return InitFromEnvWithRetryConfig(waitCtx, config)
}
