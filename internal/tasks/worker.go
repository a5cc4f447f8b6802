package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/xhnixjj-source/emag-erp-sub001/internal/classify"
	"github.com/xhnixjj-source/emag-erp-sub001/internal/db"
	"github.com/xhnixjj-source/emag-erp-sub001/internal/editlock"
	"github.com/xhnixjj-source/emag-erp-sub001/internal/errorlog"
	"github.com/xhnixjj-source/emag-erp-sub001/internal/fetch"
	"github.com/xhnixjj-source/emag-erp-sub001/internal/observability"
)

// TaskQueue is the queue surface the worker pool drives
type TaskQueue interface {
	Lease(ctx context.Context, workerID string, leaseDuration time.Duration) (*db.Task, error)
	AckSuccess(ctx context.Context, taskID string) error
	AckFailure(ctx context.Context, taskID string, errMsg string, requeue bool, delay time.Duration) (bool, error)
	ReclaimExpiredLeases(ctx context.Context) (int, error)
}

// ObservationWriter persists successful observations
type ObservationWriter interface {
	Record(ctx context.Context, url string, signals fetch.Signals, observedAt time.Time) error
}

// FailureSink records failed attempts
type FailureSink interface {
	Record(ctx context.Context, entry errorlog.Entry) error
}

// ListingGuard flags listings for recalculation after a fresh observation,
// respecting human edit locks
type ListingGuard interface {
	FlagPendingCalc(ctx context.Context, productURL string) error
}

// WorkerPoolConfig tunes the pool
type WorkerPoolConfig struct {
	NumWorkers       int
	LeaseDuration    time.Duration
	RecoveryInterval time.Duration
	// ListenerConnString enables LISTEN/NOTIFY wakeups when set. Without it
	// idle workers fall back to polling with backoff.
	ListenerConnString string
	Retry              RetryPolicy
}

// DefaultWorkerPoolConfig returns production defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		NumWorkers:       5,
		LeaseDuration:    5 * time.Minute,
		RecoveryInterval: time.Minute,
		Retry:            DefaultRetryPolicy(),
	}
}

// WorkerPool leases crawl tasks and runs them to completion. Each worker
// loops lease, fetch, classify, acknowledge. Failed attempts are classified
// and either requeued with backoff or terminally failed, with every attempt
// leaving an error log row behind.
type WorkerPool struct {
	queue   TaskQueue
	fetcher fetch.Fetcher
	writer  ObservationWriter
	sink    FailureSink
	guard   ListingGuard
	metrics *observability.Metrics

	config WorkerPoolConfig

	stopCh   chan struct{}
	notifyCh chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// inflight maps task ID to the cancel func of its attempt context so a
	// processing task can be cancelled from outside.
	inflightMu sync.Mutex
	inflight   map[string]context.CancelFunc
}

// NewWorkerPool creates a worker pool. metrics may be nil.
func NewWorkerPool(queue TaskQueue, fetcher fetch.Fetcher, writer ObservationWriter, sink FailureSink, metrics *observability.Metrics, config WorkerPoolConfig) *WorkerPool {
	if config.NumWorkers <= 0 {
		config.NumWorkers = 5
	}
	if config.LeaseDuration <= 0 {
		config.LeaseDuration = 5 * time.Minute
	}
	if config.RecoveryInterval <= 0 {
		config.RecoveryInterval = time.Minute
	}
	if config.Retry.MaxRetries == 0 {
		config.Retry = DefaultRetryPolicy()
	}

	return &WorkerPool{
		queue:    queue,
		fetcher:  fetcher,
		writer:   writer,
		sink:     sink,
		metrics:  metrics,
		config:   config,
		stopCh:   make(chan struct{}),
		notifyCh: make(chan struct{}, 1), // Buffer of 1 to prevent blocking
		inflight: make(map[string]context.CancelFunc),
	}
}

// AttachListingGuard wires the edit-lock guard so successful observations
// flag their listings for recalculation. Optional; call before Start.
func (wp *WorkerPool) AttachListingGuard(guard ListingGuard) {
	wp.guard = guard
}

// Start launches the workers, the lease recovery monitor and, when
// configured, the notification listener
func (wp *WorkerPool) Start(ctx context.Context) {
	log.Info().
		Int("workers", wp.config.NumWorkers).
		Dur("lease", wp.config.LeaseDuration).
		Msg("Starting worker pool")

	for i := 0; i < wp.config.NumWorkers; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx, i)
	}

	wp.wg.Add(1)
	go wp.recoveryMonitor(ctx)

	if wp.config.ListenerConnString != "" {
		wp.wg.Add(1)
		go wp.listenForNotifications(ctx)
	}
}

// Stop signals all goroutines and waits for in-flight attempts to finish
func (wp *WorkerPool) Stop() {
	wp.stopOnce.Do(func() {
		close(wp.stopCh)
	})
	wp.wg.Wait()
	log.Info().Msg("Worker pool stopped")
}

// Notify wakes one idle worker. Non-blocking; a pending wakeup is enough.
func (wp *WorkerPool) Notify() {
	select {
	case wp.notifyCh <- struct{}{}:
	default:
	}
}

// CancelInflight cancels the attempt context of a processing task. Returns
// false when the task is not currently running on this pool.
func (wp *WorkerPool) CancelInflight(taskID string) bool {
	wp.inflightMu.Lock()
	cancel, ok := wp.inflight[taskID]
	wp.inflightMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (wp *WorkerPool) registerInflight(taskID string, cancel context.CancelFunc) {
	wp.inflightMu.Lock()
	wp.inflight[taskID] = cancel
	wp.inflightMu.Unlock()
}

func (wp *WorkerPool) unregisterInflight(taskID string) {
	wp.inflightMu.Lock()
	delete(wp.inflight, taskID)
	wp.inflightMu.Unlock()
}

func (wp *WorkerPool) worker(ctx context.Context, workerID int) {
	defer wp.wg.Done()

	workerName := fmt.Sprintf("worker-%d-%s", workerID, uuid.New().String()[:8])
	consecutiveNoTasks := 0

	for {
		select {
		case <-wp.stopCh:
			log.Debug().Str("worker", workerName).Msg("Worker received stop signal")
			return
		case <-ctx.Done():
			log.Debug().Str("worker", workerName).Msg("Worker context cancelled")
			return
		case <-wp.notifyCh:
			consecutiveNoTasks = 0
		default:
		}

		task, err := wp.queue.Lease(ctx, workerName, wp.config.LeaseDuration)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Str("worker", workerName).Msg("Failed to lease task")
			select {
			case <-time.After(time.Second):
			case <-wp.stopCh:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		if task == nil {
			// No eligible tasks. Back off, but wake immediately on notify.
			consecutiveNoTasks++
			sleepTime := time.Duration(consecutiveNoTasks) * 500 * time.Millisecond
			if sleepTime > 10*time.Second {
				sleepTime = 10 * time.Second
			}

			select {
			case <-time.After(sleepTime):
			case <-wp.notifyCh:
				consecutiveNoTasks = 0
			case <-wp.stopCh:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		consecutiveNoTasks = 0
		wp.processTask(ctx, workerName, task)
	}
}

// processTask runs one leased attempt end to end. The attempt gets its own
// cancellable context so CancelInflight can abort it mid-fetch.
func (wp *WorkerPool) processTask(ctx context.Context, workerName string, task *db.Task) {
	span := sentry.StartSpan(ctx, "tasks.process")
	span.SetTag("task_type", task.Type)
	span.SetTag("task_id", task.ID)
	defer span.Finish()

	attemptCtx, cancel := context.WithCancel(ctx)
	wp.registerInflight(task.ID, cancel)
	defer func() {
		wp.unregisterInflight(task.ID)
		cancel()
	}()

	defer func() {
		if r := recover(); r != nil {
			sentry.CurrentHub().Recover(r)
			log.Error().
				Str("task_id", task.ID).
				Interface("panic", r).
				Msg("Recovered from panic in task processing")
			wp.handleFailure(ctx, task, fmt.Errorf("panic: %v", r))
		}
	}()

	started := time.Now()
	log.Debug().
		Str("worker", workerName).
		Str("task_id", task.ID).
		Str("task_type", task.Type).
		Str("target", task.Target).
		Int("retry_count", task.RetryCount).
		Msg("Processing task")

	result, err := wp.fetcher.Fetch(attemptCtx, task.Target, Type(task.Type).FetchKind())

	duration := time.Since(started)
	if wp.metrics != nil {
		wp.metrics.ObserveTaskDuration(ctx, task.Type, duration)
	}

	if err != nil {
		span.SetTag("error", "true")
		wp.handleFailure(ctx, task, err)
		return
	}

	observedAt := time.Now()
	for _, obs := range result.Observations {
		if err := wp.writer.Record(ctx, obs.URL, obs.Signals, observedAt); err != nil {
			span.SetTag("error", "true")
			wp.handleFailure(ctx, task, fmt.Errorf("failed to record observation: %w", err))
			return
		}
		wp.flagListing(ctx, task, obs.URL)
	}

	if err := wp.queue.AckSuccess(ctx, task.ID); err != nil {
		log.Error().Err(err).Str("task_id", task.ID).Msg("Failed to acknowledge completion")
		return
	}

	if wp.metrics != nil {
		wp.metrics.CountTaskCompleted(ctx, task.Type)
	}

	log.Info().
		Str("task_id", task.ID).
		Str("task_type", task.Type).
		Int("observations", len(result.Observations)).
		Dur("duration", duration).
		Msg("Task completed")
}

// flagListing marks the listings tracking an observed product for
// recalculation. A human edit lock denies the flag; that is recorded as a
// lock_denied error log entry but never fails the task, so crawl writes are
// not starved by edit sessions.
func (wp *WorkerPool) flagListing(ctx context.Context, task *db.Task, url string) {
	if wp.guard == nil {
		return
	}

	err := wp.guard.FlagPendingCalc(ctx, url)
	if err == nil || errors.Is(err, editlock.ErrNotFound) {
		return
	}

	var denied *editlock.DeniedError
	if errors.As(err, &denied) {
		entry := errorlog.Entry{
			TaskID:   task.ID,
			Type:     classify.LockDenied,
			Message:  denied.Error(),
			Location: "listing_update",
			Target:   url,
		}
		if sinkErr := wp.sink.Record(ctx, entry); sinkErr != nil {
			log.Error().Err(sinkErr).Str("task_id", task.ID).Msg("Failed to record error log")
		}
		log.Warn().
			Str("task_id", task.ID).
			Int("listing_id", denied.ListingID).
			Int64("holder", denied.HolderID).
			Msg("Listing recalculation deferred by edit lock")
		return
	}

	log.Error().Err(err).Str("task_id", task.ID).Str("url", url).Msg("Failed to flag listing for recalculation")
}

// handleFailure classifies the failure, records the error log entry and
// acknowledges the attempt. Acknowledgement deliberately uses the pool
// context, not the attempt context: a cancelled attempt must still reach a
// terminal state.
func (wp *WorkerPool) handleFailure(ctx context.Context, task *db.Task, fetchErr error) {
	failure := failureFrom(task, fetchErr)
	classification := classify.Classify(failure)

	entry := errorlog.Entry{
		TaskID:              task.ID,
		Type:                classification.Type,
		Message:             failure.Message,
		Location:            string(failure.Stage),
		Target:              task.Target,
		CategoryRankTimeout: classification.CategoryRankTimeout,
	}
	if err := wp.sink.Record(ctx, entry); err != nil {
		log.Error().Err(err).Str("task_id", task.ID).Msg("Failed to record error log")
	}

	requeue := wp.config.Retry.AllowRetry(classification, task.RetryCount)
	delay := time.Duration(0)
	if requeue {
		delay = wp.config.Retry.Delay(classification.Type, task.RetryCount+1)
	}

	requeued, err := wp.queue.AckFailure(ctx, task.ID, failure.Message, requeue, delay)
	if err != nil {
		log.Error().Err(err).Str("task_id", task.ID).Msg("Failed to acknowledge failure")
		return
	}

	if wp.metrics != nil {
		wp.metrics.CountTaskError(ctx, task.Type, string(classification.Type), classification.CategoryRankTimeout)
	}

	log.Warn().
		Str("task_id", task.ID).
		Str("task_type", task.Type).
		Str("error_type", string(classification.Type)).
		Bool("requeued", requeued).
		Dur("backoff", delay).
		Int("retry_count", task.RetryCount).
		Msg("Task attempt failed")
}

// failureFrom maps a fetch error onto the classifier's input. Stage and
// timeout details travel on StageError; anything else is an extraction-level
// failure at whatever stage the error surfaced.
func failureFrom(task *db.Task, err error) classify.Failure {
	failure := classify.Failure{
		Message:      err.Error(),
		Stage:        classify.StageExtraction,
		CategoryRank: Type(task.Type).IsCategoryRank(),
		Cancelled:    fetch.IsCancelled(err),
	}

	var stageErr *fetch.StageError
	if errors.As(err, &stageErr) {
		failure.Stage = stageErr.Stage
		failure.Timeout = stageErr.Timeout
		if stageErr.CategoryRank {
			failure.CategoryRank = true
		}
	}

	return failure
}

func (wp *WorkerPool) recoveryMonitor(ctx context.Context) {
	defer wp.wg.Done()

	ticker := time.NewTicker(wp.config.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-wp.stopCh:
			return
		case <-ticker.C:
			reclaimed, err := wp.queue.ReclaimExpiredLeases(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Failed to reclaim expired leases")
				continue
			}
			if reclaimed > 0 {
				wp.Notify()
			}
		}
	}
}

func (wp *WorkerPool) listenForNotifications(ctx context.Context) {
	defer wp.wg.Done()

	listener := pq.NewListener(wp.config.ListenerConnString,
		10*time.Second, // Min reconnect interval
		time.Minute,    // Max reconnect interval
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("Database notification error")
			}
		})

	if err := listener.Listen("task_enqueued"); err != nil {
		log.Error().Err(err).Msg("Failed to start listening for task notifications")
		return
	}
	defer listener.Close()

	for {
		select {
		case <-wp.stopCh:
			return
		case <-ctx.Done():
			return
		case n := <-listener.Notify:
			if n == nil {
				// Connection lost; the listener reconnects on its own
				log.Warn().Msg("Task notification connection lost")
				continue
			}
			wp.Notify()
		case <-time.After(90 * time.Second):
			// Check connection is alive
			if err := listener.Ping(); err != nil {
				log.Error().Err(err).Msg("Task notification ping failed")
			}
		}
	}
}
