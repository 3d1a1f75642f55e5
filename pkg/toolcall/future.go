package toolcall

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/internal/observability"
)

var (
	// ErrTimeout is returned when no result arrives before the tool call timeout
	ErrTimeout = errors.New("tool call timed out")
	// ErrCancelled is returned when the call is withdrawn by an interrupt or session close
	ErrCancelled = errors.New("tool call cancelled")
	// ErrSuperseded is returned when a later call registered under the same key
	ErrSuperseded = errors.New("tool call superseded")
)

// Key identifies a pending tool call. At most one call may be pending per key.
type Key struct {
	SessionID string
	RequestID string
	ToolName  string
}

// Result is the client-supplied outcome of a tool call
type Result struct {
	ToolCallID string
	Payload    json.RawMessage
	IsError    bool
	Error      string
}

// Content renders the result as text for the model conversation
func (r Result) Content() string {
	if r.IsError {
		if r.Error != "" {
			return r.Error
		}
		if len(r.Payload) > 0 {
			return string(r.Payload)
		}
		return "tool execution failed"
	}
	if len(r.Payload) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(r.Payload, &s); err == nil {
		return s
	}
	return string(r.Payload)
}

const (
	statePending int32 = iota
	stateResolved
	stateFailed
)

// Future is the waiting side of a registered tool call. It settles exactly once.
type Future struct {
	key          Key
	callID       string
	registeredAt time.Time

	state atomic.Int32
	once  sync.Once
	done  chan struct{}

	timerMu sync.Mutex
	timer   *time.Timer

	result Result
	err    error
}

func newFuture(key Key, callID string) *Future {
	return &Future{
		key:          key,
		callID:       callID,
		registeredAt: time.Now(),
		done:         make(chan struct{}),
	}
}

func (f *Future) Key() Key {
	return f.key
}

// CallID returns the model-assigned tool call id, possibly empty
func (f *Future) CallID() string {
	return f.callID
}

// Done is closed once the future settles
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result returns the delivered result. Valid only after Done is closed and Err is nil.
func (f *Future) Result() Result {
	<-f.done
	return f.result
}

// Err returns the failure reason, or nil when a result was delivered
func (f *Future) Err() error {
	<-f.done
	return f.err
}

// Settled reports whether the future has left the pending state
func (f *Future) Settled() bool {
	return f.state.Load() != statePending
}

// Wait blocks until the future settles, ctx ends, or interrupt is closed.
// ctx and interrupt exits do not settle the future; the caller cancels it through the Correlator.
func (f *Future) Wait(ctx context.Context, interrupt <-chan struct{}) (Result, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-interrupt:
		return Result{}, ErrCancelled
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (f *Future) resolve(r Result) bool {
	if !f.state.CompareAndSwap(statePending, stateResolved) {
		return false
	}
	f.settle(r, nil, "resolved")
	return true
}

func (f *Future) fail(err error) bool {
	if !f.state.CompareAndSwap(statePending, stateFailed) {
		return false
	}
	outcome := "cancelled"
	switch {
	case errors.Is(err, ErrTimeout):
		outcome = "timeout"
	case errors.Is(err, ErrSuperseded):
		outcome = "superseded"
	}
	f.settle(Result{}, err, outcome)
	return true
}

// arm starts the timeout. A timer armed after the future settled is stopped at once.
func (f *Future) arm(d time.Duration, onExpire func()) {
	f.timerMu.Lock()
	defer f.timerMu.Unlock()
	f.timer = time.AfterFunc(d, onExpire)
	if f.Settled() {
		f.timer.Stop()
	}
}

func (f *Future) disarm() {
	f.timerMu.Lock()
	defer f.timerMu.Unlock()
	if f.timer != nil {
		f.timer.Stop()
	}
}

func (f *Future) settle(r Result, err error, outcome string) {
	f.once.Do(func() {
		f.disarm()
		f.result = r
		f.err = err
		close(f.done)
		observability.RecordToolCallSettled(outcome, time.Since(f.registeredAt))
	})
}
