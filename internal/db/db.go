package db

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
)

// DB represents a PostgreSQL database connection
type DB struct {
	client *sql.DB
	config *Config
}

// GetConfig returns the original DB connection settings
func (d *DB) GetConfig() *Config {
	return d.config
}

// Config holds PostgreSQL connection configuration
type Config struct {
	Host         string        // Database host
	Port         string        // Database port
	User         string        // Database user
	Password     string        // Database password
	Database     string        // Database name
	SSLMode      string        // SSL mode (disable, require, verify-ca, verify-full)
	MaxIdleConns int           // Maximum number of idle connections
	MaxOpenConns int           // Maximum number of open connections
	MaxLifetime  time.Duration // Maximum lifetime of a connection
	DatabaseURL  string        // Original DATABASE_URL if used
}

// ConnectionString returns the PostgreSQL connection string
func (c *Config) ConnectionString() string {
	// If we have a DatabaseURL, use it directly
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}

	// Otherwise use the individual components
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// New creates a new PostgreSQL database connection
func New(config *Config) (*DB, error) {
	// Validate required fields
	if config.Host == "" {
		return nil, fmt.Errorf("database host is required")
	}
	if config.Port == "" {
		return nil, fmt.Errorf("database port is required")
	}
	if config.User == "" {
		return nil, fmt.Errorf("database user is required")
	}
	if config.Database == "" {
		return nil, fmt.Errorf("database name is required")
	}

	// Set defaults for optional fields
	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 30
	}
	if config.MaxOpenConns == 0 {
		config.MaxOpenConns = 75
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 20 * time.Minute
	}

	client, err := sql.Open("pgx", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	// Configure connection pool
	client.SetMaxOpenConns(config.MaxOpenConns)
	client.SetMaxIdleConns(config.MaxIdleConns)
	client.SetConnMaxLifetime(config.MaxLifetime)

	// Test connection
	if err := client.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	// Initialize schema
	if err := setupSchema(client); err != nil {
		return nil, fmt.Errorf("failed to setup schema: %w", err)
	}

	return &DB{client: client, config: config}, nil
}

// InitFromEnv creates a PostgreSQL connection using environment variables
func InitFromEnv() (*DB, error) {
	// If DATABASE_URL is provided, use it with default config
	if url := os.Getenv("DATABASE_URL"); url != "" {
		config := &Config{
			DatabaseURL:  url,
			MaxIdleConns: 30,
			MaxOpenConns: 75,
			MaxLifetime:  20 * time.Minute,
		}

		client, err := sql.Open("pgx", url)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to PostgreSQL via DATABASE_URL: %w", err)
		}

		client.SetMaxOpenConns(config.MaxOpenConns)
		client.SetMaxIdleConns(config.MaxIdleConns)
		client.SetConnMaxLifetime(config.MaxLifetime)

		if err := client.Ping(); err != nil {
			return nil, fmt.Errorf("failed to ping PostgreSQL via DATABASE_URL: %w", err)
		}

		if err := setupSchema(client); err != nil {
			return nil, fmt.Errorf("failed to setup schema: %w", err)
		}

		return &DB{client: client, config: config}, nil
	}

	config := &Config{
		Host:         os.Getenv("POSTGRES_HOST"),
		Port:         os.Getenv("POSTGRES_PORT"),
		User:         os.Getenv("POSTGRES_USER"),
		Password:     os.Getenv("POSTGRES_PASSWORD"),
		Database:     os.Getenv("POSTGRES_DB"),
		SSLMode:      os.Getenv("POSTGRES_SSL_MODE"),
		MaxIdleConns: 30,
		MaxOpenConns: 75,
		MaxLifetime:  20 * time.Minute,
	}

	// Use defaults if not set
	if config.Host == "" {
		config.Host = "localhost"
	}
	if config.Port == "" {
		config.Port = "5432"
	}
	if config.User == "" {
		config.User = "postgres"
	}
	if config.Database == "" {
		config.Database = "emag_erp"
	}

	return New(config)
}

// setupSchema creates the necessary tables in PostgreSQL
func setupSchema(db *sql.DB) error {
	// Crawl task queue. available_at gates lease eligibility so retried
	// tasks respect their backoff delay.
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS crawl_tasks (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			priority SMALLINT NOT NULL DEFAULT 2,
			status TEXT NOT NULL,
			target TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL,
			available_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			leased_by TEXT,
			lease_expires_at TIMESTAMPTZ,
			error TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at TIMESTAMPTZ
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create crawl_tasks table: %w", err)
	}

	// Immutable record of each failed attempt. Tasks may be deleted or
	// completed by the time a log is read, so task_id is a back-reference
	// only, never a foreign key.
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS error_logs (
			id BIGSERIAL PRIMARY KEY,
			task_id TEXT,
			error_type TEXT NOT NULL,
			raw_message TEXT,
			location TEXT NOT NULL,
			target TEXT,
			category_rank_timeout BOOLEAN NOT NULL DEFAULT FALSE,
			occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create error_logs table: %w", err)
	}

	// Current-state snapshot per monitored product, keyed by URL.
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS monitor_pool (
			id SERIAL PRIMARY KEY,
			url TEXT UNIQUE NOT NULL,
			price DOUBLE PRECISION,
			stock INTEGER,
			review_count INTEGER,
			shop_rank INTEGER,
			category_rank INTEGER,
			ad_rank INTEGER,
			crawled_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create monitor_pool table: %w", err)
	}

	// Append-only observation history, one row per successful observation.
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS monitor_history (
			id BIGSERIAL PRIMARY KEY,
			monitor_pool_id INTEGER NOT NULL REFERENCES monitor_pool(id),
			price DOUBLE PRECISION,
			stock INTEGER,
			review_count INTEGER,
			shop_rank INTEGER,
			category_rank INTEGER,
			ad_rank INTEGER,
			observed_at TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create monitor_history table: %w", err)
	}

	// Listing records carry the human edit lock. locked_by_user_id is a weak
	// reference: deleting the user must not cascade into the lock.
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS listing_pool (
			id SERIAL PRIMARY KEY,
			monitor_pool_id INTEGER REFERENCES monitor_pool(id),
			product_url TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending_calc',
			created_by_user_id BIGINT,
			is_locked BOOLEAN NOT NULL DEFAULT FALSE,
			locked_by_user_id BIGINT,
			locked_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create listing_pool table: %w", err)
	}

	// Create indexes
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_crawl_tasks_lease_order ON crawl_tasks (priority, created_at) WHERE status = 'pending'`)
	if err != nil {
		return fmt.Errorf("failed to create task lease index: %w", err)
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_crawl_tasks_lease_expiry ON crawl_tasks (lease_expires_at) WHERE status = 'processing'`)
	if err != nil {
		return fmt.Errorf("failed to create lease expiry index: %w", err)
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_error_logs_task_id ON error_logs (task_id)`)
	if err != nil {
		return fmt.Errorf("failed to create error_logs task index: %w", err)
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_error_logs_occurred_at ON error_logs (occurred_at)`)
	if err != nil {
		return fmt.Errorf("failed to create error_logs occurred index: %w", err)
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_monitor_history_pool ON monitor_history (monitor_pool_id, observed_at)`)
	if err != nil {
		return fmt.Errorf("failed to create monitor_history index: %w", err)
	}

	// Wake idle workers when a task becomes available.
	err = setupQueueNotifyTrigger(db)
	if err != nil {
		return fmt.Errorf("failed to setup queue notify trigger: %w", err)
	}

	return nil
}

// setupQueueNotifyTrigger creates the trigger that signals listeners on the
// task_enqueued channel whenever a task enters (or re-enters) pending state.
func setupQueueNotifyTrigger(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE OR REPLACE FUNCTION notify_task_enqueued()
		RETURNS TRIGGER AS $$
		BEGIN
		  IF NEW.status = 'pending' THEN
		    PERFORM pg_notify('task_enqueued', NEW.id);
		  END IF;
		  RETURN NEW;
		END;
		$$ LANGUAGE plpgsql;
	`)
	if err != nil {
		return fmt.Errorf("failed to create notify_task_enqueued function: %w", err)
	}

	_, err = db.Exec(`
		DROP TRIGGER IF EXISTS trigger_notify_task_enqueued ON crawl_tasks;
		CREATE TRIGGER trigger_notify_task_enqueued
		  AFTER INSERT OR UPDATE OF status ON crawl_tasks
		  FOR EACH ROW
		  EXECUTE FUNCTION notify_task_enqueued();
	`)
	if err != nil {
		return fmt.Errorf("failed to create task enqueued trigger: %w", err)
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.client.Close()
}

// GetDB returns the underlying database connection
func (db *DB) GetDB() *sql.DB {
	return db.client
}

// ResetSchema resets the database schema
func (db *DB) ResetSchema() error {
	log.Warn().Msg("Resetting PostgreSQL schema")

	// Drop tables in reverse order to respect foreign keys
	tables := []string{"monitor_history", "listing_pool", "monitor_pool", "error_logs", "crawl_tasks"}

	for _, table := range tables {
		log.Debug().Str("table", table).Msg("Dropping table")
		_, err := db.client.Exec(fmt.Sprintf(`DROP TABLE IF EXISTS %s CASCADE`, table))
		if err != nil {
			log.Error().Err(err).Str("table", table).Msg("Failed to drop table")
			return fmt.Errorf("failed to drop table %s: %w", table, err)
		}
	}

	err := setupSchema(db.client)
	if err != nil {
		log.Error().Err(err).Msg("Failed to recreate schema")
		return fmt.Errorf("failed to recreate schema: %w", err)
	}

	log.Info().Msg("Successfully reset database schema")
	return nil
}
