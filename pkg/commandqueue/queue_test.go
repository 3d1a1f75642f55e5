package commandqueue

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

// run submits task and waits for its result
func run(cq *CommandQueue, ctx context.Context, lane string, task Task) (interface{}, error) {
	h, err := cq.Submit(ctx, lane, task)
	if err != nil {
		return nil, err
	}
	return h.Wait(ctx)
}

func TestCommandQueue_BasicEnqueue(t *testing.T) {
	cq := New()
	defer cq.Close()

	executed := false
	result, err := run(cq, context.Background(), "test", func(ctx context.Context) (interface{}, error) {
		executed = true
		return "result", nil
	})

	assert.NoError(t, err)
	assert.Equal(t, "result", result)
	assert.True(t, executed)
}

func TestCommandQueue_TaskError(t *testing.T) {
	cq := New()
	defer cq.Close()

	expectedErr := errors.New("task failed")
	result, err := run(cq, context.Background(), "test", func(ctx context.Context) (interface{}, error) {
		return nil, expectedErr
	})

	assert.Equal(t, expectedErr, err)
	assert.Nil(t, result)
}

func TestCommandQueue_Submit(t *testing.T) {
	t.Run("should return before the task finishes", func(t *testing.T) {
		cq := New()
		defer cq.Close()

		release := make(chan struct{})
		h, err := cq.Submit(context.Background(), LaneTurns, func(ctx context.Context) (interface{}, error) {
			<-release
			return "done", nil
		})
		require.NoError(t, err)

		select {
		case <-h.Done():
			t.Fatal("task finished before release")
		case <-time.After(20 * time.Millisecond):
		}

		close(release)
		v, err := h.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "done", v)
	})

	t.Run("should recover panicking tasks", func(t *testing.T) {
		cq := New()
		defer cq.Close()

		_, err := run(cq, context.Background(), "test", func(ctx context.Context) (interface{}, error) {
			panic("boom")
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "boom")

		v, err := run(cq, context.Background(), "test", func(ctx context.Context) (interface{}, error) {
			return 1, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, v)
	})

	t.Run("should not cancel the task with the submit context", func(t *testing.T) {
		cq := New()
		defer cq.Close()

		ctx, cancel := context.WithCancel(context.Background())
		started := make(chan struct{})
		h, err := cq.Submit(ctx, "test", func(ctx context.Context) (interface{}, error) {
			close(started)
			time.Sleep(20 * time.Millisecond)
			return nil, ctx.Err()
		})
		require.NoError(t, err)
		<-started
		cancel()

		_, err = h.Wait(context.Background())
		assert.NoError(t, err)
	})
}

func TestCommandQueue_SerialExecution(t *testing.T) {
	cq := New()
	defer cq.Close()

	var order []int
	var mu sync.Mutex
	var handles []*Handle

	for i := 0; i < 5; i++ {
		i := i
		h, err := cq.Submit(context.Background(), "serial", func(ctx context.Context) (interface{}, error) {
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil, nil
		})
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		_, err := h.Wait(context.Background())
		require.NoError(t, err)
	}

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestCommandQueue_Concurrency(t *testing.T) {
	cq := New()
	defer cq.Close()
	cq.SetConcurrency(LaneTurns, 3)

	var running, peak int32
	var handles []*Handle
	for i := 0; i < 9; i++ {
		h, err := cq.Submit(context.Background(), LaneTurns, func(ctx context.Context) (interface{}, error) {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil, nil
		})
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		_, _ = h.Wait(context.Background())
	}

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
	assert.Greater(t, atomic.LoadInt32(&peak), int32(1))
}

func TestCommandQueue_GetStats(t *testing.T) {
	cq := New()
	defer cq.Close()

	cq.SetConcurrency("test", 3)
	stats := cq.GetStats()

	assert.Contains(t, stats, "test")
	assert.Equal(t, 3, stats["test"]["concurrency"])
	assert.Equal(t, 0, cq.GetQueueSize("missing"))
	assert.Equal(t, 0, cq.GetRunningCount("missing"))
}

func TestCommandQueue_ResetLane(t *testing.T) {
	cq := New()
	defer cq.Close()

	release := make(chan struct{})
	blocker, err := cq.Submit(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
		<-release
		return nil, nil
	})
	require.NoError(t, err)

	queued, err := cq.Submit(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
		return "ran", nil
	})
	require.NoError(t, err)

	assert.Equal(t, 1, cq.ResetLane("test"))
	_, err = queued.Wait(context.Background())
	assert.ErrorIs(t, err, ErrLaneReset)

	close(release)
	_, err = blocker.Wait(context.Background())
	assert.NoError(t, err)
}

func TestCommandQueue_WaitForActive(t *testing.T) {
	cq := New()
	defer cq.Close()

	_, err := cq.Submit(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
		time.Sleep(30 * time.Millisecond)
		return nil, nil
	})
	require.NoError(t, err)

	assert.True(t, cq.WaitForActive(time.Second))
	assert.Equal(t, 0, cq.GetRunningCount("test"))
}

func TestCommandQueue_Close(t *testing.T) {
	t.Run("should cancel running tasks and drop queued ones", func(t *testing.T) {
		cq := New()

		running, err := cq.Submit(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
		require.NoError(t, err)
		queued, err := cq.Submit(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
			return nil, nil
		})
		require.NoError(t, err)

		require.NoError(t, cq.Close())

		_, err = running.Wait(context.Background())
		assert.ErrorIs(t, err, context.Canceled)
		_, err = queued.Wait(context.Background())
		assert.ErrorIs(t, err, ErrClosed)
	})

	t.Run("should reject new work", func(t *testing.T) {
		cq := New()
		require.NoError(t, cq.Close())
		require.NoError(t, cq.Close())

		_, err := cq.Submit(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
			return nil, nil
		})
		assert.ErrorIs(t, err, ErrClosed)
	})
}
