package execution

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Outcome is the final result of a turn, handed to completion callbacks
type Outcome struct {
	State    State
	Output   string
	Err      error
	Duration time.Duration
}

// Context is the per-turn state. It is owned by the goroutine running the turn;
// only Interrupt may be called from elsewhere.
type Context struct {
	Request Request

	state       atomic.Int32
	interrupted atomic.Bool
	interruptCh chan struct{}
	interruptMu sync.Once

	mu          sync.Mutex
	modelCancel context.CancelFunc
	output      strings.Builder
	callbacks   []func(Outcome)
	logID       string

	callbacksOnce sync.Once
	startedAt     time.Time
}

// New creates a context in the STARTED state
func New(req Request) *Context {
	return &Context{
		Request:     req,
		interruptCh: make(chan struct{}),
		startedAt:   time.Now(),
	}
}

func (c *Context) SessionID() string {
	return c.Request.SessionID
}

func (c *Context) RequestID() string {
	return c.Request.RequestID
}

func (c *Context) State() State {
	return State(c.state.Load())
}

func (c *Context) StartedAt() time.Time {
	return c.startedAt
}

func (c *Context) Elapsed() time.Duration {
	return time.Since(c.startedAt)
}

// Transition moves the turn to a non-terminal state
func (c *Context) Transition(to State) error {
	if to.IsTerminal() {
		return fmt.Errorf("%w: %s is terminal, use Finish", ErrInvalidTransition, to)
	}
	return c.move(to)
}

// Finish moves the turn to a terminal state. It fails if a terminal state was already reached.
func (c *Context) Finish(to State) error {
	if !to.IsTerminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, to)
	}
	return c.move(to)
}

func (c *Context) move(to State) error {
	for {
		from := State(c.state.Load())
		if !CanTransition(from, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
		}
		if c.state.CompareAndSwap(int32(from), int32(to)) {
			return nil
		}
	}
}

// Interrupt sets the interruption flag and cancels the bound model call, if any.
// It returns false if the flag was already set.
func (c *Context) Interrupt() bool {
	if !c.interrupted.CompareAndSwap(false, true) {
		return false
	}
	c.interruptMu.Do(func() { close(c.interruptCh) })

	c.mu.Lock()
	cancel := c.modelCancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return true
}

func (c *Context) Interrupted() bool {
	return c.interrupted.Load()
}

// InterruptCh is closed when the turn is interrupted
func (c *Context) InterruptCh() <-chan struct{} {
	return c.interruptCh
}

// Checkpoint returns ErrInterrupted once the turn has been interrupted
func (c *Context) Checkpoint() error {
	if c.interrupted.Load() {
		return ErrInterrupted
	}
	return nil
}

// BindModelCall derives a cancellable context for an outbound model call and records
// its cancel handle so Interrupt can abort it. The returned release func must be called
// when the call returns.
func (c *Context) BindModelCall(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)

	c.mu.Lock()
	c.modelCancel = cancel
	c.mu.Unlock()

	// Interrupt may have run before the handle was stored.
	if c.interrupted.Load() {
		cancel()
	}

	return ctx, func() {
		c.mu.Lock()
		c.modelCancel = nil
		c.mu.Unlock()
		cancel()
	}
}

func (c *Context) AppendOutput(s string) {
	c.mu.Lock()
	c.output.WriteString(s)
	c.mu.Unlock()
}

func (c *Context) SetOutput(s string) {
	c.mu.Lock()
	c.output.Reset()
	c.output.WriteString(s)
	c.mu.Unlock()
}

func (c *Context) Output() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.output.String()
}

func (c *Context) SetLogID(id string) {
	c.mu.Lock()
	c.logID = id
	c.mu.Unlock()
}

func (c *Context) LogID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logID
}

// OnComplete registers fn to run once when the turn completes
func (c *Context) OnComplete(fn func(Outcome)) {
	c.mu.Lock()
	c.callbacks = append(c.callbacks, fn)
	c.mu.Unlock()
}

// RunCallbacks invokes the registered completion callbacks. Only the first call has effect.
func (c *Context) RunCallbacks(o Outcome) {
	c.callbacksOnce.Do(func() {
		c.mu.Lock()
		cbs := append([]func(Outcome){}, c.callbacks...)
		c.mu.Unlock()
		for _, fn := range cbs {
			fn(o)
		}
	})
}
