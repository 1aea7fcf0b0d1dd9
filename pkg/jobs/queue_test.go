package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueProcessesJobs(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	done := make(chan struct{}, 3)
	q := NewQueue("test", func(ctx context.Context, job Job) error {
		mu.Lock()
		seen = append(seen, job.ID)
		mu.Unlock()
		done <- struct{}{}
		return nil
	}, QueueConfig{Workers: 2})
	q.Start(context.Background())
	defer q.Stop()

	for _, id := range []string{"a", "b", "c"} {
		accepted, err := q.Enqueue(Job{ID: id})
		require.NoError(t, err)
		assert.True(t, accepted)
	}
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for jobs")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"a", "b", "c"}, seen)
}

func TestQueueCoalescesQueuedKeys(t *testing.T) {
	block := make(chan struct{})
	var runs int32
	q := NewQueue("coalesce", func(ctx context.Context, job Job) error {
		atomic.AddInt32(&runs, 1)
		<-block
		return nil
	}, QueueConfig{Workers: 1, BufferSize: 8})
	q.Start(context.Background())

	// first job occupies the only worker
	accepted, err := q.Enqueue(Job{ID: "1", Key: "g-1"})
	require.NoError(t, err)
	require.True(t, accepted)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) == 1 }, time.Second, 5*time.Millisecond)

	accepted, err = q.Enqueue(Job{ID: "2", Key: "g-1"})
	require.NoError(t, err)
	assert.True(t, accepted)
	accepted, err = q.Enqueue(Job{ID: "3", Key: "g-1"})
	require.NoError(t, err)
	assert.False(t, accepted)
	assert.Equal(t, 1, q.Pending())

	close(block)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) == 2 }, time.Second, 5*time.Millisecond)
	q.Stop()
}

func TestQueueRetriesFailedJobs(t *testing.T) {
	var attempts int32
	finished := make(chan int, 1)
	q := NewQueue("retry", func(ctx context.Context, job Job) error {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return errors.New("transient")
		}
		finished <- job.Attempt
		return nil
	}, QueueConfig{Workers: 1, MaxRetries: 3, RetryDelay: time.Millisecond})
	q.Start(context.Background())
	defer q.Stop()

	_, err := q.Enqueue(Job{ID: "r", Key: "g-1"})
	require.NoError(t, err)
	select {
	case attempt := <-finished:
		assert.Equal(t, 2, attempt)
	case <-time.After(2 * time.Second):
		t.Fatal("job never succeeded")
	}
}

func TestQueueRejectsWhenStopped(t *testing.T) {
	q := NewQueue("idle", func(ctx context.Context, job Job) error { return nil }, QueueConfig{})
	_, err := q.Enqueue(Job{ID: "x"})
	assert.ErrorIs(t, err, ErrQueueStopped)

	q.Start(context.Background())
	q.Stop()
	_, err = q.Enqueue(Job{ID: "y"})
	assert.ErrorIs(t, err, ErrQueueStopped)
}

func TestEveryStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var ticks int32
	Every(ctx, 5*time.Millisecond, func(context.Context) { atomic.AddInt32(&ticks, 1) })
	require.Eventually(t, func() bool { return atomic.LoadInt32(&ticks) >= 2 }, time.Second, time.Millisecond)
	cancel()

	Every(context.Background(), 0, func(context.Context) { t.Fatal("disabled ticker fired") })
}
