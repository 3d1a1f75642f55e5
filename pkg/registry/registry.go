package registry

import (
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/internal/observability"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/execution"
	"github.com/rs/zerolog/log"
)

var (
	// ErrTurnActive is returned when a session already has a non-terminal turn
	ErrTurnActive = errors.New("a turn is already active for this session")
	// ErrSessionClosed is returned while a closed session is still winding down its last turn
	ErrSessionClosed = errors.New("session is closed")
	// ErrDuplicateRequest is returned when a request id was already used in the session
	ErrDuplicateRequest = errors.New("request id already used")
)

const shardCount = 32

type record struct {
	active    *execution.Context
	completed map[string]time.Time
	closed    bool
}

type shard struct {
	mu      sync.Mutex
	records map[string]*record
}

// Registry tracks the in-flight turn and the completion markers of every session
type Registry struct {
	shards [shardCount]*shard
}

func New() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{records: make(map[string]*record)}
	}
	return r
}

func (r *Registry) shardFor(sessionID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return r.shards[h.Sum32()%shardCount]
}

func (s *shard) get(sessionID string) *record {
	rec, ok := s.records[sessionID]
	if !ok {
		rec = &record{completed: make(map[string]time.Time)}
		s.records[sessionID] = rec
	}
	return rec
}

// Begin makes ec the active turn of its session
func (r *Registry) Begin(ec *execution.Context) error {
	sid, rid := ec.SessionID(), ec.RequestID()
	s := r.shardFor(sid)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.get(sid)
	if rec.closed {
		return ErrSessionClosed
	}
	if rec.active != nil {
		if rec.active.RequestID() == rid {
			return ErrDuplicateRequest
		}
		return ErrTurnActive
	}
	if _, done := rec.completed[rid]; done {
		return ErrDuplicateRequest
	}

	rec.active = ec
	observability.TurnStarted()
	return nil
}

// Active returns the running turn of a session, or nil
func (r *Registry) Active(sessionID string) *execution.Context {
	s := r.shardFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[sessionID]; ok {
		return rec.active
	}
	return nil
}

// Interrupt flags the active turn of a session. An empty requestID matches any active turn.
func (r *Registry) Interrupt(sessionID, requestID string) bool {
	ec := r.Active(sessionID)
	if ec == nil {
		return false
	}
	if requestID != "" && ec.RequestID() != requestID {
		return false
	}
	return ec.Interrupt()
}

// CompleteExecution marks a request complete. Only the first caller per
// (session, request) gets true.
func (r *Registry) CompleteExecution(sessionID, requestID string) bool {
	s := r.shardFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.get(sessionID)
	if _, done := rec.completed[requestID]; done {
		return false
	}
	rec.completed[requestID] = time.Now()
	return true
}

// IsCompleted reports whether a completion marker exists for the request
func (r *Registry) IsCompleted(sessionID, requestID string) bool {
	s := r.shardFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[sessionID]
	if !ok {
		return false
	}
	_, done := rec.completed[requestID]
	return done
}

// Release clears the active slot if it still holds the given request
func (r *Registry) Release(sessionID, requestID string) {
	s := r.shardFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[sessionID]
	if !ok {
		return
	}
	if rec.active != nil && rec.active.RequestID() == requestID {
		rec.active = nil
	}
	if rec.closed && rec.active == nil {
		delete(s.records, sessionID)
	}
}

// CloseSession interrupts the active turn and forgets the session once that turn releases.
// It returns the interrupted turn, or nil.
func (r *Registry) CloseSession(sessionID string) *execution.Context {
	s := r.shardFor(sessionID)
	s.mu.Lock()
	rec, ok := s.records[sessionID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	active := rec.active
	if active == nil {
		delete(s.records, sessionID)
	} else {
		rec.closed = true
	}
	s.mu.Unlock()

	if active != nil {
		active.Interrupt()
		log.Info().
			Str("sessionId", sessionID).
			Str("requestId", active.RequestID()).
			Msg("Session closed with active turn, interrupting")
	}
	return active
}

// Sweep drops completion markers older than ttl and idle records left empty.
// It returns the number of markers removed.
func (r *Registry) Sweep(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)
	removed := 0
	for _, s := range r.shards {
		s.mu.Lock()
		for sid, rec := range s.records {
			for rid, at := range rec.completed {
				if at.Before(cutoff) {
					delete(rec.completed, rid)
					removed++
				}
			}
			if rec.active == nil && !rec.closed && len(rec.completed) == 0 {
				delete(s.records, sid)
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked sessions
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.Lock()
		n += len(s.records)
		s.mu.Unlock()
	}
	return n
}
