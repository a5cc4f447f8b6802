//go:build integration

package db

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// integrationQueue connects to the test database or skips the test.
func integrationQueue(t *testing.T) (*DbQueue, *DB) {
	t.Helper()

	if os.Getenv("DATABASE_URL") == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	database, err := InitFromEnv()
	require.NoError(t, err, "Failed to connect to test database")
	t.Cleanup(func() { database.Close() })

	return NewDbQueue(database.GetDB()), database
}

// TestLeaseConcurrentStress verifies the lease claim under contention: with
// many workers racing over the same pending set, every task is leased by
// exactly one worker and none is dispatched twice.
func TestLeaseConcurrentStress(t *testing.T) {
	q, database := integrationQueue(t)
	ctx := context.Background()

	const numTasks = 50
	const numWorkers = 10

	// A unique target isolates this run's rows from anything else in the
	// test database.
	target := fmt.Sprintf("https://www.emag.ro/pd/STRESS%s/", uuid.New().String()[:8])
	t.Cleanup(func() {
		database.GetDB().ExecContext(ctx, "DELETE FROM crawl_tasks WHERE target = $1", target)
	})

	ours := make(map[string]bool, numTasks)
	for i := 0; i < numTasks; i++ {
		task := &Task{
			ID:         uuid.New().String(),
			Type:       "product_monitor",
			Priority:   2,
			Target:     target,
			MaxRetries: 3,
		}
		require.NoError(t, q.Enqueue(ctx, task))
		ours[task.ID] = true
	}

	var mu sync.Mutex
	leaseCounts := make(map[string]int)
	var leaseErr error

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			workerID := fmt.Sprintf("stress-worker-%d", w)
			for {
				task, err := q.Lease(ctx, workerID, time.Minute)
				if err != nil {
					mu.Lock()
					leaseErr = err
					mu.Unlock()
					return
				}
				if task == nil {
					return
				}
				if !ours[task.ID] {
					continue
				}
				mu.Lock()
				leaseCounts[task.ID]++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	require.NoError(t, leaseErr)
	assert.Len(t, leaseCounts, numTasks, "every task should be leased")
	for id, n := range leaseCounts {
		assert.Equal(t, 1, n, "task %s was dispatched %d times", id, n)
	}
}

// TestLeaseOrderingPriorityThenAge verifies dispatch order against a real
// database: higher priority first, creation order within a priority class.
func TestLeaseOrderingPriorityThenAge(t *testing.T) {
	q, database := integrationQueue(t)
	ctx := context.Background()

	target := fmt.Sprintf("https://www.emag.ro/pd/ORDER%s/", uuid.New().String()[:8])
	t.Cleanup(func() {
		database.GetDB().ExecContext(ctx, "DELETE FROM crawl_tasks WHERE target = $1", target)
	})

	lowOld := &Task{ID: uuid.New().String(), Type: "product_monitor", Priority: 3, Target: target, MaxRetries: 3}
	normal := &Task{ID: uuid.New().String(), Type: "product_monitor", Priority: 2, Target: target, MaxRetries: 3}
	high := &Task{ID: uuid.New().String(), Type: "product_monitor", Priority: 1, Target: target, MaxRetries: 3}

	for _, task := range []*Task{lowOld, normal, high} {
		require.NoError(t, q.Enqueue(ctx, task))
	}

	var got []string
	for {
		task, err := q.Lease(ctx, "order-worker", time.Minute)
		require.NoError(t, err)
		if task == nil {
			break
		}
		if task.Target != target {
			continue
		}
		got = append(got, task.ID)
	}

	require.Len(t, got, 3)
	assert.Equal(t, []string{high.ID, normal.ID, lowOld.ID}, got)
}
