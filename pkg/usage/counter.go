package usage

import (
	"sync"
	"sync/atomic"

	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/internal/observability"
)

// Totals is a snapshot of token usage for one session
type Totals struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
	Calls        int64 `json:"calls"`
}

func (t Totals) Total() int64 {
	return t.InputTokens + t.OutputTokens
}

type counts struct {
	input  atomic.Int64
	output atomic.Int64
	calls  atomic.Int64
}

// Counter accumulates model token usage per session
type Counter struct {
	sessions sync.Map // session id -> *counts
}

func NewCounter() *Counter {
	return &Counter{}
}

func (c *Counter) get(sessionID string) *counts {
	v, _ := c.sessions.LoadOrStore(sessionID, &counts{})
	return v.(*counts)
}

// Add records one model call
func (c *Counter) Add(sessionID string, input, output int) {
	cs := c.get(sessionID)
	cs.input.Add(int64(input))
	cs.output.Add(int64(output))
	cs.calls.Add(1)
	observability.RecordTokens(input, output)
}

// Get returns the totals of a session. Unknown sessions report zero.
func (c *Counter) Get(sessionID string) Totals {
	v, ok := c.sessions.Load(sessionID)
	if !ok {
		return Totals{}
	}
	cs := v.(*counts)
	return Totals{
		InputTokens:  cs.input.Load(),
		OutputTokens: cs.output.Load(),
		Calls:        cs.calls.Load(),
	}
}

// Reset zeroes the totals of a session
func (c *Counter) Reset(sessionID string) {
	c.sessions.Delete(sessionID)
}
