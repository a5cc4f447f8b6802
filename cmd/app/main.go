package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/xhnixjj-source/emag-erp-sub001/internal/cache"
	"github.com/xhnixjj-source/emag-erp-sub001/internal/db"
	"github.com/xhnixjj-source/emag-erp-sub001/internal/editlock"
	"github.com/xhnixjj-source/emag-erp-sub001/internal/errorlog"
	"github.com/xhnixjj-source/emag-erp-sub001/internal/fetch"
	"github.com/xhnixjj-source/emag-erp-sub001/internal/monitor"
	"github.com/xhnixjj-source/emag-erp-sub001/internal/observability"
	"github.com/xhnixjj-source/emag-erp-sub001/internal/tasks"
)

// Config holds the application configuration loaded from environment variables
type Config struct {
	Env                  string // Environment (development/production)
	SentryDSN            string // Sentry DSN for error tracking
	LogLevel             string // Log level (debug, info, warn, error)
	ObservabilityEnabled bool   // Toggle OpenTelemetry + Prometheus exporters
	MetricsAddr          string // Address for Prometheus metrics endpoint (":9464" style)
	ErrorLogPath         string // JSON-lines error log file, empty disables
	MonitorInterval      time.Duration
}

func main() {
	// Load .env files - .env.local takes priority for development
	godotenv.Load(".env.local", ".env")

	config := &Config{
		Env:                  getEnvWithDefault("APP_ENV", "development"),
		SentryDSN:            os.Getenv("SENTRY_DSN"),
		LogLevel:             getEnvWithDefault("LOG_LEVEL", "info"),
		ObservabilityEnabled: getEnvWithDefault("OBSERVABILITY_ENABLED", "true") == "true",
		MetricsAddr:          getEnvWithDefault("METRICS_ADDR", ":9464"),
		ErrorLogPath:         getEnvWithDefault("ERROR_LOG_PATH", "crawl_errors.log"),
		MonitorInterval:      getEnvDuration("MONITOR_INTERVAL", 30*time.Minute),
	}

	setupLogging(config)

	// Initialise Sentry for error tracking and performance monitoring
	if config.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.SentryDSN,
			Environment: config.Env,
			TracesSampleRate: func() float64 {
				if config.Env == "production" {
					return 0.1 // 10% sampling in production
				}
				return 1.0 // 100% sampling in development
			}(),
			AttachStacktrace: true,
			Debug:            config.Env == "development",
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise Sentry")
		} else {
			log.Info().Str("environment", config.Env).Msg("Sentry initialised successfully")
			defer sentry.Flush(2 * time.Second)
		}
	} else {
		log.Warn().Msg("Sentry DSN not configured, error tracking disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var obsProviders *observability.Providers
	if config.ObservabilityEnabled {
		var err error
		obsProviders, err = observability.Init(ctx, observability.Config{
			Enabled:        true,
			ServiceName:    "emag-erp",
			Environment:    config.Env,
			MetricsAddress: config.MetricsAddr,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise observability providers")
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := obsProviders.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("Failed to flush telemetry providers cleanly")
				}
			}()
		}
	}

	// Connect to PostgreSQL, waiting for it to come up in orchestrated envs
	pgDB, err := db.WaitForDatabase(ctx, 2*time.Minute)
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL database")
	}
	defer pgDB.Close()

	log.Info().Msg("Connected to PostgreSQL database")

	dbQueue := db.NewDbQueue(pgDB.GetDB())

	// Error log sink: database rows plus the JSON-lines file
	var sinkOut *os.File
	if config.ErrorLogPath != "" {
		sinkOut, err = os.OpenFile(config.ErrorLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			log.Warn().Err(err).Str("path", config.ErrorLogPath).Msg("Failed to open error log file, file sink disabled")
			sinkOut = nil
		} else {
			defer sinkOut.Close()
		}
	}
	sink := errorlog.New(dbQueue, sinkOut)

	snapshots := cache.New[monitor.Snapshot]()
	writer := monitor.NewWriter(dbQueue, snapshots)

	fetchConfig := fetch.DefaultConfig()
	fetchConfig.NavigationTimeout = getEnvDuration("NAVIGATION_TIMEOUT", fetchConfig.NavigationTimeout)
	fetchConfig.ElementWaitTimeout = getEnvDuration("ELEMENT_WAIT_TIMEOUT", fetchConfig.ElementWaitTimeout)
	fetcher := fetch.New(fetchConfig)

	// Worker count scales with environment to prevent resource exhaustion
	var numWorkers int
	switch config.Env {
	case "production":
		numWorkers = 20
	case "staging":
		numWorkers = 10
	default:
		numWorkers = 5
	}
	numWorkers = getEnvInt("NUM_WORKERS", numWorkers)

	poolConfig := tasks.DefaultWorkerPoolConfig()
	poolConfig.NumWorkers = numWorkers
	poolConfig.ListenerConnString = pgDB.GetConfig().ConnectionString()

	var metrics *observability.Metrics
	if obsProviders != nil {
		metrics = obsProviders.Metrics
	}

	pool := tasks.NewWorkerPool(dbQueue, fetcher, writer, sink, metrics, poolConfig)
	manager := tasks.NewManager(dbQueue, sink, getEnvInt("MAX_RETRIES", 3))
	manager.AttachPool(pool)

	// Human edit sessions lock listings; crawl writes defer to them.
	// EDIT_LOCK_MAX_HOLD of zero means locks never expire on their own.
	guard := editlock.NewGuard(dbQueue, getEnvDuration("EDIT_LOCK_MAX_HOLD", 0))
	pool.AttachListingGuard(guard)

	// Sweep leases stranded by a previous run before workers start
	pending, err := dbQueue.ResumePending(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to resume pending tasks")
	} else if pending > 0 {
		log.Info().Int("pending", pending).Msg("Resuming queued tasks from previous run")
	}

	pool.Start(ctx)
	defer pool.Stop()

	g, gCtx := errgroup.WithContext(ctx)

	// Metrics endpoint
	var metricsSrv *http.Server
	if obsProviders != nil && obsProviders.MetricsHandler != nil && config.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", obsProviders.MetricsHandler)
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintln(w, "ok")
		})

		metricsSrv = &http.Server{
			Addr:              config.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			log.Info().Str("addr", config.MetricsAddr).Msg("Metrics server listening")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				sentry.CaptureException(err)
				return err
			}
			return nil
		})

		g.Go(func() error {
			<-gCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	// Periodic re-monitoring of every product in the pool
	g.Go(func() error {
		monitorRefreshLoop(gCtx, pgDB, manager, config.MonitorInterval)
		return nil
	})

	log.Info().
		Int("workers", numWorkers).
		Dur("monitor_interval", config.MonitorInterval).
		Str("environment", config.Env).
		Msg("Crawl scheduler ready")

	<-ctx.Done()
	log.Info().Msg("Shutting down...")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Background loop exited with error")
	}
	log.Info().Msg("Scheduler stopped")
}

// monitorRefreshLoop re-enqueues a product monitor task for every URL in the
// monitor pool on each tick. Admission dedupe makes the sweep idempotent, so
// a slow crawl cycle never piles up duplicate tasks.
func monitorRefreshLoop(ctx context.Context, pgDB *db.DB, manager *tasks.Manager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		rows, err := pgDB.GetDB().QueryContext(ctx, `SELECT url FROM monitor_pool ORDER BY crawled_at ASC NULLS FIRST`)
		if err != nil {
			sentry.CaptureException(err)
			log.Error().Err(err).Msg("Failed to list monitored products")
			continue
		}

		queued := 0
		for rows.Next() {
			var url string
			if err := rows.Scan(&url); err != nil {
				log.Error().Err(err).Msg("Failed to scan monitored product URL")
				continue
			}

			_, created, err := manager.Create(ctx, tasks.CreateRequest{
				Type:     tasks.TypeProductMonitor,
				Target:   url,
				Priority: tasks.PriorityLow,
			})
			if err != nil {
				log.Warn().Err(err).Str("url", url).Msg("Failed to queue monitor refresh")
				continue
			}
			if created {
				queued++
			}
		}
		if err := rows.Err(); err != nil {
			log.Error().Err(err).Msg("Failed to read monitored product URLs")
		}
		rows.Close()

		if queued > 0 {
			log.Info().Int("queued", queued).Msg("Monitor refresh sweep queued tasks")
		}
	}
}

// getEnvWithDefault retrieves an environment variable or returns a default value if not set
func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt retrieves an environment variable as an integer or returns a default value if not set or invalid
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var result int
	if _, err := fmt.Sscanf(value, "%d", &result); err != nil {
		log.Warn().
			Str("key", key).
			Str("value", value).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
		return defaultValue
	}

	return result
}

// getEnvDuration retrieves an environment variable as a duration or returns a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	result, err := time.ParseDuration(value)
	if err != nil {
		log.Warn().
			Str("key", key).
			Str("value", value).
			Dur("default", defaultValue).
			Msg("Invalid duration in environment variable, using default")
		return defaultValue
	}
	return result
}

// setupLogging configures the logging system
func setupLogging(config *Config) {
	// Configure log level
	level, err := zerolog.ParseLevel(config.LogLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)

	// Use console writer in development
	if config.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		// In production, use a JSON format that works well with log collectors
		log.Logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Str("service", "emag-erp").
			Logger()
	}
}
