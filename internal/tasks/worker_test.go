package tasks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhnixjj-source/emag-erp-sub001/internal/classify"
	"github.com/xhnixjj-source/emag-erp-sub001/internal/db"
	"github.com/xhnixjj-source/emag-erp-sub001/internal/editlock"
	"github.com/xhnixjj-source/emag-erp-sub001/internal/errorlog"
	"github.com/xhnixjj-source/emag-erp-sub001/internal/fetch"
)

type failureAck struct {
	taskID  string
	message string
	requeue bool
	delay   time.Duration
}

// fakeQueue is an in-memory TaskQueue that replays the real queue's
// requeue-with-incremented-retry-count behaviour.
type fakeQueue struct {
	mu        sync.Mutex
	tasks     map[string]*db.Task
	pending   []string
	completed []string
	failures  []failureAck
}

func newFakeQueue(tasks ...*db.Task) *fakeQueue {
	q := &fakeQueue{tasks: make(map[string]*db.Task)}
	for _, task := range tasks {
		q.tasks[task.ID] = task
		q.pending = append(q.pending, task.ID)
	}
	return q
}

func (q *fakeQueue) Lease(ctx context.Context, workerID string, leaseDuration time.Duration) (*db.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, nil
	}
	id := q.pending[0]
	q.pending = q.pending[1:]

	leased := *q.tasks[id]
	leased.Status = db.TaskStatusProcessing
	leased.LeasedBy = workerID
	return &leased, nil
}

func (q *fakeQueue) AckSuccess(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed = append(q.completed, taskID)
	return nil
}

func (q *fakeQueue) AckFailure(ctx context.Context, taskID string, errMsg string, requeue bool, delay time.Duration) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failures = append(q.failures, failureAck{taskID: taskID, message: errMsg, requeue: requeue, delay: delay})
	task := q.tasks[taskID]
	task.RetryCount++
	if requeue {
		q.pending = append(q.pending, taskID)
		return true, nil
	}
	return false, nil
}

func (q *fakeQueue) ReclaimExpiredLeases(ctx context.Context) (int, error) {
	return 0, nil
}

// scriptedFetcher serves one canned response per attempt
type scriptedFetcher struct {
	mu     sync.Mutex
	calls  int
	script []func(ctx context.Context) (*fetch.Result, error)
}

func (f *scriptedFetcher) Fetch(ctx context.Context, target string, kind fetch.Kind) (*fetch.Result, error) {
	f.mu.Lock()
	if f.calls >= len(f.script) {
		f.mu.Unlock()
		return nil, errors.New("unexpected fetch call")
	}
	fn := f.script[f.calls]
	f.calls++
	f.mu.Unlock()
	return fn(ctx)
}

type recordedObservation struct {
	url     string
	signals fetch.Signals
}

type recordWriter struct {
	mu   sync.Mutex
	recs []recordedObservation
	err  error
}

func (w *recordWriter) Record(ctx context.Context, url string, signals fetch.Signals, observedAt time.Time) error {
	if w.err != nil {
		return w.err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.recs = append(w.recs, recordedObservation{url: url, signals: signals})
	return nil
}

type recordSink struct {
	mu      sync.Mutex
	entries []errorlog.Entry
}

func (s *recordSink) Record(ctx context.Context, entry errorlog.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func newTestPool(q TaskQueue, f fetch.Fetcher, w ObservationWriter, s FailureSink) *WorkerPool {
	config := DefaultWorkerPoolConfig()
	config.NumWorkers = 1
	return NewWorkerPool(q, f, w, s, nil, config)
}

// drain leases and processes tasks until the queue is empty, replaying the
// worker loop without goroutine timing.
func drain(t *testing.T, wp *WorkerPool, q *fakeQueue) int {
	t.Helper()
	ctx := context.Background()
	attempts := 0
	for attempts < 20 {
		task, err := q.Lease(ctx, "worker-test", time.Minute)
		require.NoError(t, err)
		if task == nil {
			return attempts
		}
		attempts++
		wp.processTask(ctx, "worker-test", task)
	}
	t.Fatal("queue never drained")
	return attempts
}

const monitorTarget = "https://www.emag.ro/pd/D123/"

func monitorTask() *db.Task {
	return &db.Task{
		ID:         "task-1",
		Type:       string(TypeProductMonitor),
		Priority:   int(PriorityNormal),
		Target:     monitorTarget,
		MaxRetries: 3,
	}
}

func TestProcessTaskSuccess(t *testing.T) {
	t.Parallel()

	q := newFakeQueue(monitorTask())
	f := &scriptedFetcher{script: []func(context.Context) (*fetch.Result, error){
		func(ctx context.Context) (*fetch.Result, error) {
			return &fetch.Result{Observations: []fetch.Observation{
				{URL: monitorTarget, Signals: fetch.Signals{Price: 49.99, Stock: 12, ReviewCount: 7}},
			}}, nil
		},
	}}
	w := &recordWriter{}
	s := &recordSink{}

	attempts := drain(t, newTestPool(q, f, w, s), q)

	assert.Equal(t, 1, attempts)
	assert.Equal(t, []string{"task-1"}, q.completed)
	assert.Empty(t, q.failures)
	assert.Empty(t, s.entries)
	require.Len(t, w.recs, 1)
	assert.Equal(t, monitorTarget, w.recs[0].url)
	assert.Equal(t, 49.99, w.recs[0].signals.Price)
	assert.Equal(t, 12, w.recs[0].signals.Stock)
	assert.Equal(t, 7, w.recs[0].signals.ReviewCount)
}

func TestProcessTaskNavigationTimeoutThenSuccess(t *testing.T) {
	t.Parallel()

	q := newFakeQueue(monitorTask())
	f := &scriptedFetcher{script: []func(context.Context) (*fetch.Result, error){
		func(ctx context.Context) (*fetch.Result, error) {
			return nil, &fetch.StageError{
				Stage:   classify.StageNavigation,
				Timeout: 10 * time.Second,
				Err:     errors.New("navigation timed out"),
			}
		},
		func(ctx context.Context) (*fetch.Result, error) {
			return &fetch.Result{Observations: []fetch.Observation{
				{URL: monitorTarget, Signals: fetch.Signals{Price: 49.99, Stock: 12, ReviewCount: 7}},
			}}, nil
		},
	}}
	w := &recordWriter{}
	s := &recordSink{}

	attempts := drain(t, newTestPool(q, f, w, s), q)

	assert.Equal(t, 2, attempts)
	assert.Equal(t, []string{"task-1"}, q.completed)

	// First attempt failed, was requeued with backoff, and left a log entry
	require.Len(t, q.failures, 1)
	assert.True(t, q.failures[0].requeue)
	assert.Greater(t, q.failures[0].delay, time.Duration(0))

	require.Len(t, s.entries, 1)
	assert.Equal(t, classify.NavigationTimeout, s.entries[0].Type)
	assert.Equal(t, "page_navigation", s.entries[0].Location)
	assert.Equal(t, monitorTarget, s.entries[0].Target)
	assert.False(t, s.entries[0].CategoryRankTimeout)

	// The eventual success still recorded the observation
	require.Len(t, w.recs, 1)
	assert.Equal(t, 49.99, w.recs[0].signals.Price)
}

func TestProcessTaskElementWaitExhaustsBudget(t *testing.T) {
	t.Parallel()

	rankTask := &db.Task{
		ID:         "task-2",
		Type:       string(TypeCategoryRankScan),
		Priority:   int(PriorityNormal),
		Target:     "https://www.emag.ro/laptopuri/c",
		MaxRetries: 3,
	}

	elementWait := func(ctx context.Context) (*fetch.Result, error) {
		return nil, &fetch.StageError{
			Stage:        classify.StageElementWait,
			Timeout:      20 * time.Second,
			CategoryRank: true,
			Err:          errors.New("element wait timed out"),
		}
	}

	q := newFakeQueue(rankTask)
	f := &scriptedFetcher{script: []func(context.Context) (*fetch.Result, error){
		elementWait, elementWait, elementWait,
	}}
	w := &recordWriter{}
	s := &recordSink{}

	attempts := drain(t, newTestPool(q, f, w, s), q)

	// Three attempts, three log rows, then terminal failure
	assert.Equal(t, 3, attempts)
	assert.Empty(t, q.completed)
	require.Len(t, q.failures, 3)
	assert.True(t, q.failures[0].requeue)
	assert.True(t, q.failures[1].requeue)
	assert.False(t, q.failures[2].requeue)

	// Backoff never shrinks between retries
	assert.GreaterOrEqual(t, q.failures[1].delay, q.failures[0].delay)

	require.Len(t, s.entries, 3)
	for _, entry := range s.entries {
		assert.Equal(t, classify.ElementWaitTimeout, entry.Type)
		assert.True(t, entry.CategoryRankTimeout)
	}
}

func TestProcessTaskExtractionStricterCap(t *testing.T) {
	t.Parallel()

	extraction := func(ctx context.Context) (*fetch.Result, error) {
		return nil, &fetch.StageError{
			Stage: classify.StageExtraction,
			Err:   errors.New("price node missing"),
		}
	}

	q := newFakeQueue(monitorTask())
	f := &scriptedFetcher{script: []func(context.Context) (*fetch.Result, error){
		extraction, extraction,
	}}
	w := &recordWriter{}
	s := &recordSink{}

	attempts := drain(t, newTestPool(q, f, w, s), q)

	// Extraction failures stop after two attempts despite the budget of 3
	assert.Equal(t, 2, attempts)
	require.Len(t, q.failures, 2)
	assert.True(t, q.failures[0].requeue)
	assert.False(t, q.failures[1].requeue)
	for _, entry := range s.entries {
		assert.Equal(t, classify.ExtractionFailure, entry.Type)
	}
}

func TestProcessTaskCancellationIsTerminal(t *testing.T) {
	t.Parallel()

	q := newFakeQueue(monitorTask())
	f := &scriptedFetcher{script: []func(context.Context) (*fetch.Result, error){
		func(ctx context.Context) (*fetch.Result, error) {
			return nil, &fetch.StageError{
				Stage: classify.StageNavigation,
				Err:   context.Canceled,
			}
		},
	}}
	w := &recordWriter{}
	s := &recordSink{}

	attempts := drain(t, newTestPool(q, f, w, s), q)

	// Cancellation never retries, even though the budget allows it
	assert.Equal(t, 1, attempts)
	require.Len(t, q.failures, 1)
	assert.False(t, q.failures[0].requeue)
	require.Len(t, s.entries, 1)
	assert.Equal(t, classify.Cancelled, s.entries[0].Type)
}

func TestCancelInflight(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})

	q := newFakeQueue(monitorTask())
	f := &scriptedFetcher{script: []func(context.Context) (*fetch.Result, error){
		func(ctx context.Context) (*fetch.Result, error) {
			close(started)
			<-ctx.Done()
			return nil, &fetch.StageError{Stage: classify.StageNavigation, Err: ctx.Err()}
		},
	}}
	w := &recordWriter{}
	s := &recordSink{}
	wp := newTestPool(q, f, w, s)

	done := make(chan struct{})
	go func() {
		defer close(done)
		task, err := q.Lease(context.Background(), "worker-test", time.Minute)
		require.NoError(t, err)
		wp.processTask(context.Background(), "worker-test", task)
	}()

	<-started
	assert.True(t, wp.CancelInflight("task-1"))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled attempt never finished")
	}

	require.Len(t, q.failures, 1)
	assert.False(t, q.failures[0].requeue)
	require.Len(t, s.entries, 1)
	assert.Equal(t, classify.Cancelled, s.entries[0].Type)

	// The attempt is no longer registered
	assert.False(t, wp.CancelInflight("task-1"))
}

func TestProcessTaskRecoversFromPanic(t *testing.T) {
	t.Parallel()

	q := newFakeQueue(monitorTask())
	f := &scriptedFetcher{script: []func(context.Context) (*fetch.Result, error){
		func(ctx context.Context) (*fetch.Result, error) {
			panic("selector index out of range")
		},
	}}
	w := &recordWriter{}
	s := &recordSink{}
	wp := newTestPool(q, f, w, s)

	task, err := q.Lease(context.Background(), "worker-test", time.Minute)
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		wp.processTask(context.Background(), "worker-test", task)
	})

	require.Len(t, q.failures, 1)
	assert.Contains(t, q.failures[0].message, "panic")
}

func TestWorkerPoolStartStop(t *testing.T) {
	t.Parallel()

	q := newFakeQueue()
	f := &scriptedFetcher{}
	wp := newTestPool(q, f, &recordWriter{}, &recordSink{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wp.Start(ctx)
	wp.Notify()
	time.Sleep(50 * time.Millisecond)
	wp.Stop()
}

// fakeGuard scripts the edit-lock outcome per product URL.
type fakeGuard struct {
	mu      sync.Mutex
	errs    map[string]error
	flagged []string
}

func (g *fakeGuard) FlagPendingCalc(ctx context.Context, productURL string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err, ok := g.errs[productURL]; ok {
		return err
	}
	g.flagged = append(g.flagged, productURL)
	return nil
}

func TestProcessTaskFlagsListingForRecalc(t *testing.T) {
	t.Parallel()

	q := newFakeQueue(monitorTask())
	f := &scriptedFetcher{script: []func(context.Context) (*fetch.Result, error){
		func(ctx context.Context) (*fetch.Result, error) {
			return &fetch.Result{Observations: []fetch.Observation{
				{URL: monitorTarget, Signals: fetch.Signals{Price: 49.99}},
			}}, nil
		},
	}}
	w := &recordWriter{}
	s := &recordSink{}
	g := &fakeGuard{}

	wp := newTestPool(q, f, w, s)
	wp.AttachListingGuard(g)
	drain(t, wp, q)

	assert.Equal(t, []string{"task-1"}, q.completed)
	assert.Equal(t, []string{monitorTarget}, g.flagged)
	assert.Empty(t, s.entries)
}

func TestProcessTaskLockDeniedRecordedNotFailed(t *testing.T) {
	t.Parallel()

	q := newFakeQueue(monitorTask())
	f := &scriptedFetcher{script: []func(context.Context) (*fetch.Result, error){
		func(ctx context.Context) (*fetch.Result, error) {
			return &fetch.Result{Observations: []fetch.Observation{
				{URL: monitorTarget, Signals: fetch.Signals{Price: 49.99}},
			}}, nil
		},
	}}
	w := &recordWriter{}
	s := &recordSink{}
	g := &fakeGuard{errs: map[string]error{
		monitorTarget: &editlock.DeniedError{ListingID: 7, HolderID: 100},
	}}

	wp := newTestPool(q, f, w, s)
	wp.AttachListingGuard(g)
	drain(t, wp, q)

	// The task still completes; the deferred write is an error log entry.
	assert.Equal(t, []string{"task-1"}, q.completed)
	assert.Empty(t, q.failures)
	require.Len(t, s.entries, 1)
	assert.Equal(t, classify.LockDenied, s.entries[0].Type)
	assert.Equal(t, "listing_update", s.entries[0].Location)
	assert.Equal(t, monitorTarget, s.entries[0].Target)
	assert.Contains(t, s.entries[0].Message, "user 100")
}

func TestProcessTaskNoListingIsQuiet(t *testing.T) {
	t.Parallel()

	q := newFakeQueue(monitorTask())
	f := &scriptedFetcher{script: []func(context.Context) (*fetch.Result, error){
		func(ctx context.Context) (*fetch.Result, error) {
			return &fetch.Result{Observations: []fetch.Observation{
				{URL: monitorTarget, Signals: fetch.Signals{Price: 49.99}},
			}}, nil
		},
	}}
	w := &recordWriter{}
	s := &recordSink{}
	g := &fakeGuard{errs: map[string]error{monitorTarget: editlock.ErrNotFound}}

	wp := newTestPool(q, f, w, s)
	wp.AttachListingGuard(g)
	drain(t, wp, q)

	assert.Equal(t, []string{"task-1"}, q.completed)
	assert.Empty(t, s.entries)
}
