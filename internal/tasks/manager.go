package tasks

import (
	"context"
	"fmt"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/xhnixjj-source/emag-erp-sub001/internal/classify"
	"github.com/xhnixjj-source/emag-erp-sub001/internal/db"
	"github.com/xhnixjj-source/emag-erp-sub001/internal/errorlog"
	"github.com/xhnixjj-source/emag-erp-sub001/internal/util"
)

// ManagerQueue is the queue surface the manager drives
type ManagerQueue interface {
	Enqueue(ctx context.Context, task *db.Task) error
	GetTask(ctx context.Context, taskID string) (*db.Task, error)
	QueuePosition(ctx context.Context, taskID string) (int, error)
	CancelPending(ctx context.Context, taskID string) (bool, error)
	FindPendingByTypeAndTarget(ctx context.Context, taskType, target string) (*db.Task, error)
}

// CreateRequest describes a task to admit to the queue
type CreateRequest struct {
	Type     Type
	Target   string
	Priority Priority
	// MaxRetries of zero uses the manager default.
	MaxRetries int
}

// TaskView is a task plus its place in line. QueuePosition is -1 for tasks
// that are no longer pending.
type TaskView struct {
	Task          db.Task
	QueuePosition int
}

// Manager admits, inspects and cancels crawl tasks. Admission dedupes on
// (type, target): asking twice for the same product monitor returns the task
// already in flight instead of queueing a second crawl.
type Manager struct {
	queue      ManagerQueue
	sink       FailureSink
	pool       *WorkerPool
	maxRetries int
}

// NewManager creates a Manager. maxRetries of zero falls back to the default
// retry budget.
func NewManager(queue ManagerQueue, sink FailureSink, maxRetries int) *Manager {
	if maxRetries <= 0 {
		maxRetries = DefaultRetryPolicy().MaxRetries
	}
	return &Manager{queue: queue, sink: sink, maxRetries: maxRetries}
}

// AttachPool wires the worker pool in so Create can wake idle workers and
// Cancel can reach in-flight attempts
func (m *Manager) AttachPool(pool *WorkerPool) {
	m.pool = pool
}

// Create validates and admits a task. Returns the task and whether it was
// newly created; an admissible duplicate returns the existing task and false.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*db.Task, bool, error) {
	span := sentry.StartSpan(ctx, "tasks.create")
	span.SetTag("task_type", string(req.Type))
	defer span.Finish()

	if !req.Type.Valid() {
		return nil, false, fmt.Errorf("unknown task type %q", req.Type)
	}

	target, err := resolveTarget(req.Type, req.Target)
	if err != nil {
		return nil, false, err
	}

	if req.Priority == 0 {
		req.Priority = PriorityNormal
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = m.maxRetries
	}

	existing, err := m.queue.FindPendingByTypeAndTarget(ctx, string(req.Type), target)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		log.Debug().
			Str("task_id", existing.ID).
			Str("task_type", string(req.Type)).
			Str("target", target).
			Msg("Duplicate task admission, returning existing task")
		return existing, false, nil
	}

	task := &db.Task{
		ID:         uuid.New().String(),
		Type:       string(req.Type),
		Priority:   int(req.Priority),
		Target:     target,
		MaxRetries: maxRetries,
	}
	if err := m.queue.Enqueue(ctx, task); err != nil {
		span.SetTag("error", "true")
		return nil, false, err
	}

	if m.pool != nil {
		m.pool.Notify()
	}

	log.Info().
		Str("task_id", task.ID).
		Str("task_type", task.Type).
		Str("target", task.Target).
		Str("priority", req.Priority.String()).
		Msg("Task created")

	return task, true, nil
}

// resolveTarget turns the user-facing target into the URL a worker fetches.
// Keyword searches accept a bare keyword; the other types require a
// marketplace URL.
func resolveTarget(taskType Type, target string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", fmt.Errorf("target is required")
	}

	switch taskType {
	case TypeKeywordSearch:
		if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
			if err := util.ValidateTarget(target); err != nil {
				return "", err
			}
			return util.NormaliseURL(target), nil
		}
		return util.SearchURL(target), nil

	case TypeCategoryRankScan:
		resolved := util.CategoryURL(target)
		if err := util.ValidateTarget(resolved); err != nil {
			return "", err
		}
		return resolved, nil

	case TypeProductMonitor:
		if err := util.ValidateTarget(target); err != nil {
			return "", err
		}
		normalised := util.NormaliseURL(target)
		if !util.IsProductURL(normalised) {
			return "", fmt.Errorf("target %q is not a product page URL", target)
		}
		return normalised, nil
	}

	return "", fmt.Errorf("unknown task type %q", taskType)
}

// Get returns a task with its queue position
func (m *Manager) Get(ctx context.Context, taskID string) (*TaskView, error) {
	task, err := m.queue.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, nil
	}

	position := -1
	if task.Status == string(StatusPending) {
		position, err = m.queue.QueuePosition(ctx, taskID)
		if err != nil {
			return nil, err
		}
	}

	return &TaskView{Task: *task, QueuePosition: position}, nil
}

// Cancel stops a task. Pending tasks are terminally failed in the queue; a
// task already running has its attempt context cancelled and reaches the
// failed state through the worker's normal failure path. Returns false when
// the task was already finished.
func (m *Manager) Cancel(ctx context.Context, taskID string) (bool, error) {
	task, err := m.queue.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task == nil || !CanTransition(Status(task.Status), StatusFailed) {
		return false, nil
	}

	cancelled, err := m.queue.CancelPending(ctx, taskID)
	if err != nil {
		return false, err
	}
	if cancelled {
		if m.sink != nil {
			entry := errorlog.Entry{
				TaskID:   taskID,
				Type:     classify.Cancelled,
				Message:  "cancelled before execution",
				Location: "queue",
			}
			if err := m.sink.Record(ctx, entry); err != nil {
				log.Error().Err(err).Str("task_id", taskID).Msg("Failed to record cancellation")
			}
		}
		log.Info().Str("task_id", taskID).Msg("Pending task cancelled")
		return true, nil
	}

	if m.pool != nil && m.pool.CancelInflight(taskID) {
		log.Info().Str("task_id", taskID).Msg("In-flight task cancelled")
		return true, nil
	}

	return false, nil
}
