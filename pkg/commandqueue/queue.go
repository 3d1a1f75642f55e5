package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/internal/observability"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// LaneTurns is the lane agent turns run in
const LaneTurns = "turns"

var (
	// ErrClosed is returned for work submitted to, or still queued in, a closed queue
	ErrClosed = errors.New("command queue closed")
	// ErrLaneReset is returned for tasks dropped by ResetLane
	ErrLaneReset = errors.New("lane reset")
)

// Task is one unit of work run by a lane
type Task func(ctx context.Context) (interface{}, error)

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	generation int
	enqueuedAt time.Time
	handle     *Handle
}

// Handle tracks a submitted task
type Handle struct {
	id    string
	done  chan struct{}
	once  sync.Once
	value interface{}
	err   error
}

func newHandle(id string) *Handle {
	return &Handle{id: id, done: make(chan struct{})}
}

func (h *Handle) ID() string {
	return h.id
}

// Done is closed once the task finished or was dropped
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the task finishes or ctx ends
func (h *Handle) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-h.done:
		return h.value, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Handle) finish(value interface{}, err error) {
	h.once.Do(func() {
		h.value, h.err = value, err
		close(h.done)
	})
}

type laneState struct {
	generation  int
	concurrency int
	queue       []*taskRecord
	running     int
	mu          sync.Mutex
}

// CommandQueue runs tasks in named lanes. Each lane starts tasks in FIFO order and
// runs at most its concurrency limit at a time; lanes are independent.
type CommandQueue struct {
	lanes     map[string]*laneState
	taskIDSeq int
	closed    atomic.Bool
	mu        sync.RWMutex
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates an empty CommandQueue. Lanes are created on first use with concurrency 1.
func New() *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	return &CommandQueue{
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (cq *CommandQueue) lane(name string) *laneState {
	cq.mu.RLock()
	ls, ok := cq.lanes[name]
	cq.mu.RUnlock()
	if ok {
		return ls
	}

	cq.mu.Lock()
	defer cq.mu.Unlock()
	if ls, ok = cq.lanes[name]; !ok {
		ls = &laneState{concurrency: 1}
		cq.lanes[name] = ls
		log.Debug().Str("lane", name).Msg("Lane initialized")
	}
	return ls
}

// Submit queues task on lane and returns without waiting for it. The task context
// carries ctx's values but is cancelled only when the queue closes.
func (cq *CommandQueue) Submit(ctx context.Context, lane string, task Task) (*Handle, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if cq.closed.Load() {
		return nil, ErrClosed
	}
	cq.mu.Lock()
	cq.taskIDSeq++
	taskID := fmt.Sprintf("%s-%d", lane, cq.taskIDSeq)
	cq.mu.Unlock()

	ls := cq.lane(lane)
	record := &taskRecord{
		id:         taskID,
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		handle:     newHandle(taskID),
	}

	ls.mu.Lock()
	record.generation = ls.generation
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("lane", lane).
		Str("taskId", taskID).
		Int("queueSize", queueSize).
		Msg("Task enqueued")
	observability.RecordQueueEnqueue(lane, queueSize)

	cq.processLane(lane, ls)
	return record.handle, nil
}

func (cq *CommandQueue) processLane(name string, ls *laneState) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]

		if cq.closed.Load() {
			record.handle.finish(nil, ErrClosed)
			continue
		}
		if record.generation != ls.generation {
			record.handle.finish(nil, ErrLaneReset)
			continue
		}

		ls.running++
		cq.wg.Add(1)
		go cq.executeTask(name, ls, record)
	}
}

func (cq *CommandQueue) executeTask(lane string, ls *laneState, record *taskRecord) {
	defer cq.wg.Done()

	taskCtx, span := tracing.StartSpan(
		context.WithoutCancel(record.ctx),
		"comfypilot.commandqueue",
		"commandqueue.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(taskCtx, log.Logger)

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	logger.Debug().
		Str("lane", lane).
		Str("taskId", record.id).
		Dur("waited", time.Since(record.enqueuedAt)).
		Msg("Task started")

	start := time.Now()
	value, err := runTask(runCtx, record.task)
	duration := time.Since(start)

	ls.mu.Lock()
	ls.running--
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	record.handle.finish(value, err)

	if err != nil {
		tracing.Fail(span, err)
		logger.Debug().
			Str("lane", lane).
			Str("taskId", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	}
	observability.RecordQueueCompletion(lane, duration, err == nil, queueSize)

	cq.processLane(lane, ls)
}

// runTask keeps a panicking task from leaking its lane slot
func runTask(ctx context.Context, task Task) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

// GetQueueSize returns the number of queued tasks for a lane
func (cq *CommandQueue) GetQueueSize(lane string) int {
	cq.mu.RLock()
	ls, exists := cq.lanes[lane]
	cq.mu.RUnlock()
	if !exists {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// GetRunningCount returns the number of currently executing tasks for a lane
func (cq *CommandQueue) GetRunningCount(lane string) int {
	cq.mu.RLock()
	ls, exists := cq.lanes[lane]
	cq.mu.RUnlock()
	if !exists {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.running
}

// GetStats returns statistics for all lanes
func (cq *CommandQueue) GetStats() map[string]map[string]int {
	cq.mu.RLock()
	defer cq.mu.RUnlock()

	stats := make(map[string]map[string]int)
	for lane, ls := range cq.lanes {
		ls.mu.Lock()
		stats[lane] = map[string]int{
			"queued":      len(ls.queue),
			"running":     ls.running,
			"concurrency": ls.concurrency,
		}
		ls.mu.Unlock()
	}
	return stats
}

// ResetLane drops every queued task of a lane with ErrLaneReset. Running tasks finish.
func (cq *CommandQueue) ResetLane(lane string) int {
	cq.mu.RLock()
	ls, exists := cq.lanes[lane]
	cq.mu.RUnlock()
	if !exists {
		return 0
	}

	ls.mu.Lock()
	ls.generation++
	dropped := ls.queue
	ls.queue = nil
	ls.mu.Unlock()

	for _, record := range dropped {
		record.handle.finish(nil, ErrLaneReset)
	}
	log.Info().Str("lane", lane).Int("dropped", len(dropped)).Msg("Lane reset")
	return len(dropped)
}

// SetConcurrency updates the concurrency limit for a lane
func (cq *CommandQueue) SetConcurrency(lane string, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	ls := cq.lane(lane)

	ls.mu.Lock()
	oldMax := ls.concurrency
	ls.concurrency = concurrency
	ls.mu.Unlock()

	log.Debug().
		Str("lane", lane).
		Int("oldMax", oldMax).
		Int("newMax", concurrency).
		Msg("Lane concurrency updated")

	if concurrency > oldMax {
		cq.processLane(lane, ls)
	}
}

// WaitForActive waits for running tasks to finish. It returns false on timeout.
func (cq *CommandQueue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		running := 0
		for _, stats := range cq.GetStats() {
			running += stats["running"]
		}
		if running == 0 {
			return true
		}
		if time.Now().After(deadline) {
			log.Warn().Dur("timeout", timeout).Int("running", running).Msg("Timeout waiting for active tasks")
			return false
		}
		<-ticker.C
	}
}

// Close cancels running tasks, drops queued ones with ErrClosed and waits for the
// running ones to return.
func (cq *CommandQueue) Close() error {
	if !cq.closed.CompareAndSwap(false, true) {
		return nil
	}
	cq.mu.RLock()
	lanes := make([]*laneState, 0, len(cq.lanes))
	for _, ls := range cq.lanes {
		lanes = append(lanes, ls)
	}
	cq.mu.RUnlock()

	for _, ls := range lanes {
		ls.mu.Lock()
		dropped := ls.queue
		ls.queue = nil
		ls.generation++
		ls.mu.Unlock()
		for _, record := range dropped {
			record.handle.finish(nil, ErrClosed)
		}
	}

	cq.cancel()
	cq.wg.Wait()
	return nil
}
