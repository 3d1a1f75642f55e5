package toolcall

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/internal/observability"
	"github.com/rs/zerolog/log"
)

const shardCount = 32

// DefaultTimeout is the wait applied when the correlator is built with a non-positive timeout
const DefaultTimeout = 300 * time.Second

type shard struct {
	mu      sync.Mutex
	pending map[Key]*Future
}

// Correlator pairs outbound tool call requests with the results clients send back.
// Entries are striped by session so operations on one session never block another.
type Correlator struct {
	shards  [shardCount]*shard
	timeout atomic.Int64
}

// NewCorrelator creates a Correlator whose calls expire after timeout
func NewCorrelator(timeout time.Duration) *Correlator {
	c := &Correlator{}
	for i := range c.shards {
		c.shards[i] = &shard{pending: make(map[Key]*Future)}
	}
	c.SetTimeout(timeout)
	return c
}

// SetTimeout changes the timeout applied to calls registered from now on
func (c *Correlator) SetTimeout(timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c.timeout.Store(int64(timeout))
}

func (c *Correlator) Timeout() time.Duration {
	return time.Duration(c.timeout.Load())
}

func (c *Correlator) shardFor(sessionID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return c.shards[h.Sum32()%shardCount]
}

// Register records a pending call and starts its timeout.
// A call already pending under the same key is superseded: its waiter fails with ErrSuperseded.
func (c *Correlator) Register(key Key, callID string) *Future {
	f := newFuture(key, callID)
	s := c.shardFor(key.SessionID)

	s.mu.Lock()
	prev := s.pending[key]
	s.pending[key] = f
	s.mu.Unlock()
	f.arm(c.Timeout(), func() { c.expire(f) })

	observability.ToolCallRegistered()

	if prev != nil {
		log.Warn().
			Str("sessionId", key.SessionID).
			Str("requestId", key.RequestID).
			Str("tool", key.ToolName).
			Msg("Tool call superseded by a newer registration")
		prev.fail(ErrSuperseded)
	}

	log.Debug().
		Str("sessionId", key.SessionID).
		Str("requestId", key.RequestID).
		Str("tool", key.ToolName).
		Str("toolCallId", callID).
		Msg("Tool call registered")

	return f
}

// Resolve delivers a result to the call pending under key.
// It returns false when nothing is pending, or when both sides carry a call id and they differ;
// in that case the pending call is left untouched.
func (c *Correlator) Resolve(key Key, r Result) bool {
	s := c.shardFor(key.SessionID)

	s.mu.Lock()
	f, ok := s.pending[key]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if r.ToolCallID != "" && f.callID != "" && r.ToolCallID != f.callID {
		s.mu.Unlock()
		log.Warn().
			Str("sessionId", key.SessionID).
			Str("requestId", key.RequestID).
			Str("tool", key.ToolName).
			Str("expected", f.callID).
			Str("got", r.ToolCallID).
			Msg("Ignoring tool result with mismatched call id")
		return false
	}
	delete(s.pending, key)
	s.mu.Unlock()

	return f.resolve(r)
}

// Cancel withdraws the call pending under key
func (c *Correlator) Cancel(key Key) bool {
	s := c.shardFor(key.SessionID)

	s.mu.Lock()
	f, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	return f.fail(ErrCancelled)
}

// CancelRequest withdraws every call pending for one turn
func (c *Correlator) CancelRequest(sessionID, requestID string) int {
	return c.cancelMatching(sessionID, func(k Key) bool { return k.RequestID == requestID })
}

// CancelAll withdraws every call pending for a session
func (c *Correlator) CancelAll(sessionID string) int {
	return c.cancelMatching(sessionID, func(Key) bool { return true })
}

func (c *Correlator) cancelMatching(sessionID string, match func(Key) bool) int {
	s := c.shardFor(sessionID)

	var victims []*Future
	s.mu.Lock()
	for k, f := range s.pending {
		if k.SessionID == sessionID && match(k) {
			delete(s.pending, k)
			victims = append(victims, f)
		}
	}
	s.mu.Unlock()

	cancelled := 0
	for _, f := range victims {
		if f.fail(ErrCancelled) {
			cancelled++
		}
	}
	return cancelled
}

// Pending reports whether a call is pending under key
func (c *Correlator) Pending(key Key) bool {
	s := c.shardFor(key.SessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	return ok
}

// Len returns the number of pending calls across all sessions
func (c *Correlator) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.pending)
		s.mu.Unlock()
	}
	return n
}

func (c *Correlator) expire(f *Future) {
	s := c.shardFor(f.key.SessionID)

	s.mu.Lock()
	if s.pending[f.key] == f {
		delete(s.pending, f.key)
	}
	s.mu.Unlock()

	if f.fail(ErrTimeout) {
		log.Warn().
			Str("sessionId", f.key.SessionID).
			Str("requestId", f.key.RequestID).
			Str("tool", f.key.ToolName).
			Msg("Tool call timed out")
	}
}
