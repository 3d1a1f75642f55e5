package completion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/execlog"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/execution"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/protocol"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/registry"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/toolcall"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu   sync.Mutex
	envs []protocol.Envelope
}

func (s *recordingSink) Send(env protocol.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs = append(s.envs, env)
	return nil
}

func (s *recordingSink) terminal() []protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Envelope
	for _, e := range s.envs {
		if e.Type.IsTerminal() {
			out = append(out, e)
		}
	}
	return out
}

type setup struct {
	reg   *registry.Registry
	logs  *execlog.MemoryRepository
	coord *Coordinator
	sink  *recordingSink
	ec    *execution.Context
}

func newSetup(t *testing.T) *setup {
	reg := registry.New()
	logs := execlog.NewMemoryRepository()
	ec := execution.New(execution.Request{SessionID: "s1", RequestID: "r1"})
	ec.SetLogID("log-1")

	require.NoError(t, reg.Begin(ec))
	require.NoError(t, logs.Save(context.Background(), &execlog.Entry{
		ID: "log-1", SessionID: "s1", RequestID: "r1", Status: execlog.StatusRunning, CreatedAt: time.Now(),
	}))

	return &setup{reg: reg, logs: logs, coord: NewCoordinator(reg, logs), sink: &recordingSink{}, ec: ec}
}

func TestCompleteExecution(t *testing.T) {
	t.Run("should finalize success once", func(t *testing.T) {
		s := newSetup(t)
		s.ec.AppendOutput("answer")

		assert.True(t, s.coord.CompleteExecution(context.Background(), s.ec, s.sink, execution.StateComplete, nil))
		assert.False(t, s.coord.CompleteExecution(context.Background(), s.ec, s.sink, execution.StateFailed, errors.New("late")))

		terms := s.sink.terminal()
		require.Len(t, terms, 1)
		assert.Equal(t, protocol.TypeComplete, terms[0].Type)
		assert.Equal(t, "answer", terms[0].Content)

		entry, err := s.logs.Get(context.Background(), "log-1")
		require.NoError(t, err)
		assert.Equal(t, execlog.StatusSuccess, entry.Status)
		assert.Equal(t, "answer", entry.Output)
		assert.Equal(t, execution.StateComplete, s.ec.State())
		assert.Nil(t, s.reg.Active("s1"))
	})

	t.Run("should emit exactly one terminal message under racing paths", func(t *testing.T) {
		s := newSetup(t)
		states := []execution.State{execution.StateComplete, execution.StateFailed, execution.StateInterrupted}

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 12; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if s.coord.CompleteExecution(context.Background(), s.ec, s.sink, states[i%3], fmt.Errorf("path %d", i)) {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, wins)
		assert.Len(t, s.sink.terminal(), 1)
	})

	t.Run("should record interruption with duration", func(t *testing.T) {
		s := newSetup(t)
		time.Sleep(2 * time.Millisecond)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		require.True(t, s.coord.CompleteExecution(ctx, s.ec, s.sink, execution.StateInterrupted, execution.ErrInterrupted))

		terms := s.sink.terminal()
		require.Len(t, terms, 1)
		assert.Equal(t, protocol.TypeInterrupted, terms[0].Type)

		entry, err := s.logs.Get(context.Background(), "log-1")
		require.NoError(t, err)
		assert.Equal(t, execlog.StatusInterrupted, entry.Status)
		assert.Greater(t, entry.Duration, time.Duration(0))
	})

	t.Run("should send error with code on failure", func(t *testing.T) {
		s := newSetup(t)
		cause := fmt.Errorf("%w: search", toolcall.ErrTimeout)
		require.True(t, s.coord.CompleteExecution(context.Background(), s.ec, s.sink, execution.StateFailed, cause))

		terms := s.sink.terminal()
		require.Len(t, terms, 1)
		assert.Equal(t, protocol.TypeError, terms[0].Type)
		assert.Equal(t, "tool call timed out: search", terms[0].Content)

		var data protocol.ErrorData
		require.NoError(t, terms[0].DecodeData(&data))
		assert.Equal(t, protocol.CodeToolTimeout, data.Code)

		entry, err := s.logs.Get(context.Background(), "log-1")
		require.NoError(t, err)
		assert.Equal(t, "tool call timed out: search", entry.Error)
	})

	t.Run("should run callbacks once with outcome", func(t *testing.T) {
		s := newSetup(t)
		var got []execution.Outcome
		s.ec.OnComplete(func(o execution.Outcome) { got = append(got, o) })

		s.coord.CompleteExecution(context.Background(), s.ec, s.sink, execution.StateComplete, nil)
		s.coord.CompleteExecution(context.Background(), s.ec, s.sink, execution.StateComplete, nil)

		require.Len(t, got, 1)
		assert.Equal(t, execution.StateComplete, got[0].State)
	})
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, protocol.CodeValidation, ErrorCode(&execution.ValidationError{Field: "tools", Reason: "dup"}))
	assert.Equal(t, protocol.CodeToolTimeout, ErrorCode(fmt.Errorf("wrap: %w", toolcall.ErrTimeout)))
	assert.Equal(t, protocol.CodeInternalError, ErrorCode(fmt.Errorf("%w: nil map", ErrPanic)))
	assert.Equal(t, protocol.CodeUpstream, ErrorCode(errors.New("503 from provider")))
}
