package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/agent"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/commandqueue"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/conversation"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/dispatch"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/execlog"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/execution"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/protocol"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/registry"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/toolcall"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/usage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanSink struct {
	mu   sync.Mutex
	envs []protocol.Envelope
	ch   chan protocol.Envelope
}

func newChanSink() *chanSink {
	return &chanSink{ch: make(chan protocol.Envelope, 64)}
}

func (s *chanSink) Send(env protocol.Envelope) error {
	s.mu.Lock()
	s.envs = append(s.envs, env)
	s.mu.Unlock()
	s.ch <- env
	return nil
}

func (s *chanSink) next(t *testing.T, typ protocol.MessageType) protocol.Envelope {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case env := <-s.ch:
			if env.Type == typ {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
			return protocol.Envelope{}
		}
	}
}

// terminal waits for the terminal envelope of the turn
func (s *chanSink) terminal(t *testing.T) protocol.Envelope {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case env := <-s.ch:
			if env.Type.IsTerminal() {
				return env
			}
		case <-deadline:
			t.Fatal("timed out waiting for terminal message")
			return protocol.Envelope{}
		}
	}
}

func (s *chanSink) terminalCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.envs {
		if e.Type.IsTerminal() {
			n++
		}
	}
	return n
}

type scriptedModel struct {
	mu    sync.Mutex
	steps []func(ctx context.Context) (*agent.ModelReply, error)
	calls int
}

func (m *scriptedModel) Name() string { return "scripted" }

func (m *scriptedModel) Dispatch(ctx context.Context, req agent.ModelRequest) (*agent.ModelReply, error) {
	m.mu.Lock()
	if m.calls >= len(m.steps) {
		m.mu.Unlock()
		return nil, errors.New("no scripted reply left")
	}
	step := m.steps[m.calls]
	m.calls++
	m.mu.Unlock()
	return step(ctx)
}

func (m *scriptedModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func reply(text string) func(context.Context) (*agent.ModelReply, error) {
	return func(context.Context) (*agent.ModelReply, error) {
		return &agent.ModelReply{Content: text}, nil
	}
}

func toolCall(name string) func(context.Context) (*agent.ModelReply, error) {
	return func(context.Context) (*agent.ModelReply, error) {
		return &agent.ModelReply{ToolCalls: []conversation.ToolCall{{ID: "call-1", Name: name}}}, nil
	}
}

type panicAgent struct{}

func (panicAgent) Execute(ctx context.Context, ec *execution.Context, sink protocol.Sink) error {
	var m map[string]int
	m["boom"]++
	return nil
}

type env struct {
	orch       *Orchestrator
	registry   *registry.Registry
	correlator *toolcall.Correlator
	logs       *execlog.MemoryRepository
	model      *scriptedModel
	queue      *commandqueue.CommandQueue
}

func newEnv(t *testing.T, steps ...func(context.Context) (*agent.ModelReply, error)) *env {
	store, err := conversation.NewStore(t.TempDir())
	require.NoError(t, err)

	e := &env{
		registry:   registry.New(),
		correlator: toolcall.NewCorrelator(time.Minute),
		logs:       execlog.NewMemoryRepository(),
		model:      &scriptedModel{steps: steps},
		queue:      commandqueue.New(),
	}
	t.Cleanup(func() { _ = e.queue.Close() })

	counter := usage.NewCounter()
	loop, err := agent.NewLoop(agent.Config{
		Client: e.model,
		Memory: store,
		Usage:  counter,
		Tools:  e.correlator,
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)

	d, err := dispatch.New(dispatch.Config{
		Memory:     store,
		Usage:      counter,
		Summarizer: loop,
		Agents:     map[string]dispatch.AgentExecutor{dispatch.DefaultAgent: loop, "crash": panicAgent{}},
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)

	e.orch, err = New(Deps{
		Registry:   e.registry,
		Correlator: e.correlator,
		Dispatcher: d,
		Logs:       e.logs,
		Queue:      e.queue,
	}, WithMaxConcurrent(4), WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	return e
}

func request(rid, content string, tools ...string) execution.Request {
	return execution.Request{SessionID: "s1", RequestID: rid, Content: content, Tools: tools}
}

func (e *env) logFor(t *testing.T, ec *execution.Context) *execlog.Entry {
	t.Helper()
	entry, err := e.logs.Get(context.Background(), ec.LogID())
	require.NoError(t, err)
	return entry
}

func TestSubmit(t *testing.T) {
	t.Run("should complete a plain turn", func(t *testing.T) {
		e := newEnv(t, reply("all done"))
		sink := newChanSink()

		ec, err := e.orch.Submit(context.Background(), request("r1", "hello"), sink)
		require.NoError(t, err)

		term := sink.terminal(t)
		assert.Equal(t, protocol.TypeComplete, term.Type)
		assert.Equal(t, "all done", term.Content)
		assert.Equal(t, execution.StateComplete, ec.State())

		entry := e.logFor(t, ec)
		assert.Equal(t, execlog.StatusSuccess, entry.Status)
		assert.Equal(t, "hello", entry.Input)
		assert.Nil(t, e.registry.Active("s1"))
	})

	t.Run("should reject invalid tools synchronously", func(t *testing.T) {
		e := newEnv(t)
		sink := newChanSink()

		_, err := e.orch.Submit(context.Background(), request("r1", "hi", "search", "search"), sink)
		var verr *execution.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, 0, sink.terminalCount())
		assert.Nil(t, e.registry.Active("s1"))
	})

	t.Run("should reject unknown agent code", func(t *testing.T) {
		e := newEnv(t)
		req := request("r1", "hi")
		req.AgentCode = "ghost"

		_, err := e.orch.Submit(context.Background(), req, newChanSink())
		var verr *execution.ValidationError
		assert.ErrorAs(t, err, &verr)
	})

	t.Run("should allow one active turn per session", func(t *testing.T) {
		release := make(chan struct{})
		e := newEnv(t, func(ctx context.Context) (*agent.ModelReply, error) {
			<-release
			return &agent.ModelReply{Content: "first"}, nil
		}, reply("second"))
		sink := newChanSink()

		_, err := e.orch.Submit(context.Background(), request("r1", "one"), sink)
		require.NoError(t, err)

		_, err = e.orch.Submit(context.Background(), request("r2", "two"), sink)
		assert.ErrorIs(t, err, registry.ErrTurnActive)

		close(release)
		assert.Equal(t, "first", sink.terminal(t).Content)

		_, err = e.orch.Submit(context.Background(), request("r2", "two"), sink)
		require.NoError(t, err)
		assert.Equal(t, "second", sink.terminal(t).Content)
	})

	t.Run("should reject a completed request id", func(t *testing.T) {
		e := newEnv(t, reply("ok"))
		sink := newChanSink()

		_, err := e.orch.Submit(context.Background(), request("r1", "hello"), sink)
		require.NoError(t, err)
		sink.terminal(t)

		_, err = e.orch.Submit(context.Background(), request("r1", "hello"), sink)
		assert.ErrorIs(t, err, registry.ErrDuplicateRequest)
	})

	t.Run("should turn a panic into a failed turn", func(t *testing.T) {
		e := newEnv(t, reply("recovered"))
		sink := newChanSink()
		req := request("r1", "crash please")
		req.AgentCode = "crash"

		ec, err := e.orch.Submit(context.Background(), req, sink)
		require.NoError(t, err)

		term := sink.terminal(t)
		assert.Equal(t, protocol.TypeError, term.Type)
		var data protocol.ErrorData
		require.NoError(t, term.DecodeData(&data))
		assert.Equal(t, protocol.CodeInternalError, data.Code)
		assert.Equal(t, execlog.StatusFailed, e.logFor(t, ec).Status)

		_, err = e.orch.Submit(context.Background(), request("r2", "again"), sink)
		require.NoError(t, err)
		assert.Equal(t, protocol.TypeComplete, sink.terminal(t).Type)
	})

	t.Run("should run built-in commands", func(t *testing.T) {
		e := newEnv(t)
		sink := newChanSink()

		ec, err := e.orch.Submit(context.Background(), request("r1", "/clear"), sink)
		require.NoError(t, err)

		term := sink.terminal(t)
		assert.Equal(t, protocol.TypeComplete, term.Type)
		assert.Equal(t, "Conversation cleared.", term.Content)
		assert.Equal(t, execution.StateComplete, ec.State())
		assert.Equal(t, 0, e.model.callCount())
	})

	t.Run("should fail turns the queue drops", func(t *testing.T) {
		e := newEnv(t)
		require.NoError(t, e.queue.Close())
		sink := newChanSink()

		ec, err := e.orch.Submit(context.Background(), request("r1", "hello"), sink)
		require.NoError(t, err)
		assert.Equal(t, protocol.TypeError, sink.terminal(t).Type)
		assert.Equal(t, execution.StateFailed, ec.State())
	})
}

func TestToolCalls(t *testing.T) {
	t.Run("should resume with the client result", func(t *testing.T) {
		e := newEnv(t, toolCall("search"), reply("nothing found"))
		sink := newChanSink()

		_, err := e.orch.Submit(context.Background(), request("r1", "find", "search"), sink)
		require.NoError(t, err)
		sink.next(t, protocol.TypeToolCallRequest)

		ok := e.orch.ResolveToolCall("s1", "r1", protocol.ToolCallResponseData{
			ToolName:   "search",
			ToolCallID: "call-1",
			Result:     json.RawMessage(`{"hits":[]}`),
		})
		require.True(t, ok)
		assert.False(t, e.orch.ResolveToolCall("s1", "r1", protocol.ToolCallResponseData{ToolName: "search"}))

		term := sink.terminal(t)
		assert.Equal(t, protocol.TypeComplete, term.Type)
		assert.Equal(t, "nothing found", term.Content)
	})

	t.Run("should stop at the next step when interrupted while waiting", func(t *testing.T) {
		e := newEnv(t, toolCall("search"), reply("never"))
		sink := newChanSink()

		ec, err := e.orch.Submit(context.Background(), request("r1", "find", "search"), sink)
		require.NoError(t, err)
		sink.next(t, protocol.TypeToolCallRequest)

		assert.True(t, e.orch.Interrupt("s1", "r1"))
		e.orch.ResolveToolCall("s1", "r1", protocol.ToolCallResponseData{ToolName: "search", ToolCallID: "call-1"})

		term := sink.terminal(t)
		assert.Equal(t, protocol.TypeInterrupted, term.Type)
		assert.Equal(t, execution.StateInterrupted, ec.State())
		assert.Equal(t, 1, e.model.callCount())
		assert.Equal(t, execlog.StatusInterrupted, e.logFor(t, ec).Status)

		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 1, sink.terminalCount())
	})

	t.Run("should interrupt on connection close", func(t *testing.T) {
		e := newEnv(t, toolCall("search"))
		sink := newChanSink()

		ec, err := e.orch.Submit(context.Background(), request("r1", "find", "search"), sink)
		require.NoError(t, err)
		sink.next(t, protocol.TypeToolCallRequest)
		require.Equal(t, 1, e.correlator.Len())

		e.orch.CloseSession("s1")

		assert.Equal(t, protocol.TypeInterrupted, sink.terminal(t).Type)
		assert.Equal(t, 0, e.correlator.Len())

		entry := e.logFor(t, ec)
		assert.Equal(t, execlog.StatusInterrupted, entry.Status)
		assert.Greater(t, entry.Duration, time.Duration(0))

		require.Eventually(t, func() bool { return e.registry.Len() == 0 }, time.Second, 5*time.Millisecond)
		_, err = e.orch.Submit(context.Background(), request("r2", "again"), sink)
		assert.NoError(t, err)
	})

	t.Run("should fail the turn when the tool times out", func(t *testing.T) {
		e := newEnv(t, toolCall("search"))
		e.correlator.SetTimeout(30 * time.Millisecond)
		sink := newChanSink()

		ec, err := e.orch.Submit(context.Background(), request("r1", "find", "search"), sink)
		require.NoError(t, err)

		term := sink.terminal(t)
		assert.Equal(t, protocol.TypeError, term.Type)
		assert.Equal(t, "tool call timed out: search", term.Content)
		assert.Equal(t, execution.StateFailed, ec.State())
	})
}

func TestInterrupt(t *testing.T) {
	t.Run("should report no active turn", func(t *testing.T) {
		e := newEnv(t)
		assert.False(t, e.orch.Interrupt("s1", ""))
	})

	t.Run("should ignore a different request id", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)
		e := newEnv(t, func(ctx context.Context) (*agent.ModelReply, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return &agent.ModelReply{Content: "done"}, nil
		})
		sink := newChanSink()

		_, err := e.orch.Submit(context.Background(), request("r1", "hello"), sink)
		require.NoError(t, err)

		assert.False(t, e.orch.Interrupt("s1", "other"))
		assert.True(t, e.orch.Interrupt("s1", ""))
		assert.Equal(t, protocol.TypeInterrupted, sink.terminal(t).Type)
	})
}

func TestDrain(t *testing.T) {
	release := make(chan struct{})
	e := newEnv(t, func(ctx context.Context) (*agent.ModelReply, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return &agent.ModelReply{Content: "finished"}, nil
	})
	e.queue.SetConcurrency(commandqueue.LaneTurns, 1)

	running := newChanSink()
	queued := newChanSink()
	_, err := e.orch.Submit(context.Background(), request("r1", "hello"), running)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.model.callCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	ec, err := e.orch.Submit(context.Background(),
		execution.Request{SessionID: "s2", RequestID: "r2", Content: "later"}, queued)
	require.NoError(t, err)

	t.Run("should interrupt queued turns and report the running one", func(t *testing.T) {
		assert.False(t, e.orch.Drain(100*time.Millisecond))

		assert.Equal(t, protocol.TypeInterrupted, queued.terminal(t).Type)
		assert.Equal(t, execlog.StatusInterrupted, e.logFor(t, ec).Status)
		assert.Equal(t, 1, e.model.callCount())
	})

	t.Run("should let the running turn finish", func(t *testing.T) {
		close(release)
		assert.Equal(t, protocol.TypeComplete, running.terminal(t).Type)
		assert.True(t, e.orch.Drain(time.Second))
		assert.Equal(t, 1, queued.terminalCount())
	})
}

func TestHistory(t *testing.T) {
	e := newEnv(t, reply("one"), reply("two"))
	sink := newChanSink()

	for _, rid := range []string{"r1", "r2"} {
		_, err := e.orch.Submit(context.Background(), request(rid, "hi"), sink)
		require.NoError(t, err)
		sink.terminal(t)
	}

	entries, err := e.orch.History(context.Background(), "s1", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
