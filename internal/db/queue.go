package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
)

// Task statuses. A task is born pending, is leased into processing, and ends
// in completed or failed. A retryable failure sends it back to pending with a
// future available_at.
const (
	TaskStatusPending    = "pending"
	TaskStatusProcessing = "processing"
	TaskStatusCompleted  = "completed"
	TaskStatusFailed     = "failed"
)

// DbQueue is a PostgreSQL implementation of the crawl task queue
type DbQueue struct {
	db *sql.DB
}

// NewDbQueue creates a PostgreSQL crawl task queue
func NewDbQueue(db *sql.DB) *DbQueue {
	return &DbQueue{
		db: db,
	}
}

// Querier exposes the underlying connection for plain reads
func (q *DbQueue) Querier() *sql.DB {
	return q.db
}

// Execute runs a database operation in a transaction
func (q *DbQueue) Execute(ctx context.Context, fn func(*sql.Tx) error) error {
	// Begin transaction
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Run the operation
	if err := fn(tx); err != nil {
		return err
	}

	// Commit the transaction
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Task represents a crawl task in the queue
type Task struct {
	ID          string
	Type        string
	Priority    int
	Status      string
	Target      string
	RetryCount  int
	MaxRetries  int
	AvailableAt time.Time
	LeasedBy    string
	LeaseExpiry time.Time
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt time.Time
}

// Enqueue inserts a new pending task. The insert trigger notifies listening
// workers on the task_enqueued channel.
func (q *DbQueue) Enqueue(ctx context.Context, task *Task) error {
	if task == nil {
		return fmt.Errorf("cannot enqueue nil task")
	}

	return q.Execute(ctx, func(tx *sql.Tx) error {
		now := time.Now()
		availableAt := task.AvailableAt
		if availableAt.IsZero() {
			availableAt = now
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO crawl_tasks (
				id, type, priority, status, target, retry_count, max_retries,
				available_at, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, task.ID, task.Type, task.Priority, TaskStatusPending, task.Target,
			0, task.MaxRetries, availableAt, now, now)

		if err != nil {
			return fmt.Errorf("failed to insert task: %w", err)
		}

		task.Status = TaskStatusPending
		task.AvailableAt = availableAt
		task.CreatedAt = now
		task.UpdatedAt = now
		return nil
	})
}

// Lease claims the next eligible pending task using row-level locking.
// Concurrent workers each get different tasks via FOR UPDATE SKIP LOCKED.
// Eligibility respects the available_at backoff gate, and ordering is
// priority first, then age. Returns nil when no task is eligible.
func (q *DbQueue) Lease(ctx context.Context, workerID string, leaseDuration time.Duration) (*Task, error) {
	var task Task

	err := q.Execute(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			SELECT id, type, priority, target, retry_count, max_retries, created_at
			FROM crawl_tasks
			WHERE status = 'pending'
			  AND available_at <= NOW()
			ORDER BY priority ASC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		`).Scan(
			&task.ID, &task.Type, &task.Priority, &task.Target,
			&task.RetryCount, &task.MaxRetries, &task.CreatedAt,
		)

		if err == sql.ErrNoRows {
			return sql.ErrNoRows
		}
		if err != nil {
			return fmt.Errorf("failed to query task: %w", err)
		}

		now := time.Now()
		leaseExpiry := now.Add(leaseDuration)
		_, err = tx.ExecContext(ctx, `
			UPDATE crawl_tasks
			SET status = 'processing', leased_by = $1, lease_expires_at = $2, updated_at = $3
			WHERE id = $4
		`, workerID, leaseExpiry, now, task.ID)

		if err != nil {
			return fmt.Errorf("failed to lease task: %w", err)
		}

		task.Status = TaskStatusProcessing
		task.LeasedBy = workerID
		task.LeaseExpiry = leaseExpiry
		task.UpdatedAt = now

		return nil
	})

	if err == sql.ErrNoRows {
		return nil, nil // No tasks available
	}
	if err != nil {
		return nil, err
	}

	return &task, nil
}

// AckSuccess marks a processing task as completed and releases its lease.
// The status guard makes acknowledgement idempotent: a task already reclaimed
// by the recovery monitor is left alone.
func (q *DbQueue) AckSuccess(ctx context.Context, taskID string) error {
	return q.Execute(ctx, func(tx *sql.Tx) error {
		now := time.Now()
		result, err := tx.ExecContext(ctx, `
			UPDATE crawl_tasks
			SET status = 'completed', completed_at = $1, updated_at = $1,
				leased_by = NULL, lease_expires_at = NULL, error = NULL
			WHERE id = $2 AND status = 'processing'
		`, now, taskID)

		if err != nil {
			return fmt.Errorf("failed to complete task: %w", err)
		}

		rows, _ := result.RowsAffected()
		if rows == 0 {
			log.Warn().
				Str("task_id", taskID).
				Msg("Completion acknowledged for task no longer processing")
		}

		return nil
	})
}

// AckFailure records a failed attempt. When requeue is true and the retry
// budget allows, the task returns to pending with retry_count incremented and
// available_at pushed out by delay. Otherwise the task is terminally failed.
// Returns whether the task was requeued.
func (q *DbQueue) AckFailure(ctx context.Context, taskID string, errMsg string, requeue bool, delay time.Duration) (bool, error) {
	requeued := false

	err := q.Execute(ctx, func(tx *sql.Tx) error {
		var retryCount, maxRetries int
		err := tx.QueryRowContext(ctx, `
			SELECT retry_count, max_retries
			FROM crawl_tasks
			WHERE id = $1 AND status = 'processing'
			FOR UPDATE
		`, taskID).Scan(&retryCount, &maxRetries)

		if err == sql.ErrNoRows {
			log.Warn().
				Str("task_id", taskID).
				Msg("Failure acknowledged for task no longer processing")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read task for failure ack: %w", err)
		}

		now := time.Now()
		if requeue && retryCount+1 <= maxRetries {
			_, err = tx.ExecContext(ctx, `
				UPDATE crawl_tasks
				SET status = 'pending', retry_count = retry_count + 1,
					available_at = $1, error = $2, updated_at = $3,
					leased_by = NULL, lease_expires_at = NULL
				WHERE id = $4
			`, now.Add(delay), errMsg, now, taskID)
			if err != nil {
				return fmt.Errorf("failed to requeue task: %w", err)
			}
			requeued = true
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE crawl_tasks
			SET status = 'failed', retry_count = retry_count + 1,
				completed_at = $1, error = $2, updated_at = $1,
				leased_by = NULL, lease_expires_at = NULL
			WHERE id = $3
		`, now, errMsg, taskID)
		if err != nil {
			return fmt.Errorf("failed to fail task: %w", err)
		}
		return nil
	})

	if err != nil {
		return false, err
	}
	return requeued, nil
}

// CancelPending cancels a task that has not been leased yet. Cancelled tasks
// are terminally failed with a cancellation marker so they never run.
// Returns false when the task was not pending (already running or finished).
func (q *DbQueue) CancelPending(ctx context.Context, taskID string) (bool, error) {
	cancelled := false

	err := q.Execute(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE crawl_tasks
			SET status = 'failed', error = 'cancelled', completed_at = NOW(), updated_at = NOW()
			WHERE id = $1 AND status = 'pending'
		`, taskID)
		if err != nil {
			return fmt.Errorf("failed to cancel task: %w", err)
		}

		rows, _ := result.RowsAffected()
		cancelled = rows > 0
		return nil
	})

	if err != nil {
		return false, err
	}
	return cancelled, nil
}

// GetTask fetches a single task by ID
func (q *DbQueue) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	var leasedBy, errMsg sql.NullString
	var leaseExpiry, completedAt sql.NullTime

	err := q.db.QueryRowContext(ctx, `
		SELECT id, type, priority, status, target, retry_count, max_retries,
			available_at, leased_by, lease_expires_at, error,
			created_at, updated_at, completed_at
		FROM crawl_tasks
		WHERE id = $1
	`, taskID).Scan(
		&task.ID, &task.Type, &task.Priority, &task.Status, &task.Target,
		&task.RetryCount, &task.MaxRetries, &task.AvailableAt,
		&leasedBy, &leaseExpiry, &errMsg,
		&task.CreatedAt, &task.UpdatedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	task.LeasedBy = leasedBy.String
	task.Error = errMsg.String
	if leaseExpiry.Valid {
		task.LeaseExpiry = leaseExpiry.Time
	}
	if completedAt.Valid {
		task.CompletedAt = completedAt.Time
	}
	return &task, nil
}

// QueuePosition counts how many eligible pending tasks would be leased before
// the given one. Position 0 means next in line; -1 means not pending.
func (q *DbQueue) QueuePosition(ctx context.Context, taskID string) (int, error) {
	var position int

	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM crawl_tasks ahead, crawl_tasks self
		WHERE self.id = $1
		  AND self.status = 'pending'
		  AND ahead.status = 'pending'
		  AND ahead.id <> self.id
		  AND (ahead.priority < self.priority
		       OR (ahead.priority = self.priority AND ahead.created_at < self.created_at))
	`, taskID).Scan(&position)

	if err == sql.ErrNoRows {
		return -1, nil
	}
	if err != nil {
		return -1, fmt.Errorf("failed to compute queue position: %w", err)
	}

	// The self-join yields zero rows for non-pending tasks, which COUNT
	// collapses to 0. Distinguish that from a genuine front-of-queue task.
	if position == 0 {
		var status string
		err := q.db.QueryRowContext(ctx, `SELECT status FROM crawl_tasks WHERE id = $1`, taskID).Scan(&status)
		if err == sql.ErrNoRows {
			return -1, nil
		}
		if err != nil {
			return -1, fmt.Errorf("failed to check task status: %w", err)
		}
		if status != TaskStatusPending {
			return -1, nil
		}
	}

	return position, nil
}

// ReclaimExpiredLeases finds processing tasks whose lease has lapsed, meaning
// the worker died or stalled mid-attempt, and returns them to the queue. A
// task out of retry budget is terminally failed instead. Returns how many
// tasks were touched.
func (q *DbQueue) ReclaimExpiredLeases(ctx context.Context) (int, error) {
	span := sentry.StartSpan(ctx, "queue.reclaim_expired_leases")
	defer span.Finish()

	total := 0

	err := q.Execute(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE crawl_tasks
			SET status = 'pending', retry_count = retry_count + 1,
				available_at = NOW(), updated_at = NOW(),
				leased_by = NULL, lease_expires_at = NULL,
				error = 'lease expired'
			WHERE status = 'processing'
			  AND lease_expires_at < NOW()
			  AND retry_count < max_retries
		`)
		if err != nil {
			return fmt.Errorf("failed to requeue expired leases: %w", err)
		}
		requeued, _ := result.RowsAffected()

		result, err = tx.ExecContext(ctx, `
			UPDATE crawl_tasks
			SET status = 'failed', retry_count = retry_count + 1,
				completed_at = NOW(), updated_at = NOW(),
				leased_by = NULL, lease_expires_at = NULL,
				error = 'lease expired, retry budget exhausted'
			WHERE status = 'processing'
			  AND lease_expires_at < NOW()
			  AND retry_count >= max_retries
		`)
		if err != nil {
			return fmt.Errorf("failed to fail expired leases: %w", err)
		}
		failed, _ := result.RowsAffected()

		total = int(requeued + failed)
		if total > 0 {
			log.Info().
				Int64("requeued", requeued).
				Int64("failed", failed).
				Msg("Reclaimed expired task leases")
		}
		return nil
	})

	if err != nil {
		span.SetTag("error", "true")
		span.SetData("error.message", err.Error())
		return 0, err
	}
	return total, nil
}

// ResumePending returns how many tasks are waiting when the process starts.
// Tasks left processing by a previous run are swept back first so a restart
// never strands work.
func (q *DbQueue) ResumePending(ctx context.Context) (int, error) {
	if _, err := q.ReclaimExpiredLeases(ctx); err != nil {
		return 0, err
	}

	var pending int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM crawl_tasks WHERE status = 'pending'
	`).Scan(&pending)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending tasks: %w", err)
	}
	return pending, nil
}

// FindPendingByTypeAndTarget looks for an admissible duplicate: a pending or
// processing task with the same type and target. Returns nil when none exists.
func (q *DbQueue) FindPendingByTypeAndTarget(ctx context.Context, taskType, target string) (*Task, error) {
	var task Task

	err := q.db.QueryRowContext(ctx, `
		SELECT id, type, priority, status, target, retry_count, max_retries, created_at
		FROM crawl_tasks
		WHERE type = $1 AND target = $2 AND status IN ('pending', 'processing')
		ORDER BY created_at ASC
		LIMIT 1
	`, taskType, target).Scan(
		&task.ID, &task.Type, &task.Priority, &task.Status, &task.Target,
		&task.RetryCount, &task.MaxRetries, &task.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up duplicate task: %w", err)
	}
	return &task, nil
}
