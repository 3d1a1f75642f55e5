package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/internal/tracing"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/commandqueue"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/completion"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/dispatch"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/execlog"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/execution"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/protocol"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/registry"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/toolcall"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultMaxConcurrent is the number of turns run at once across all sessions
const DefaultMaxConcurrent = 32

// Dispatcher runs the body of a turn
type Dispatcher interface {
	Dispatch(ctx context.Context, ec *execution.Context, sink protocol.Sink) error
	Lookup(content string) (dispatch.Command, bool)
	ResolveAgent(code string) (dispatch.AgentExecutor, error)
}

// Deps are the collaborators every turn goes through
type Deps struct {
	Registry   *registry.Registry
	Correlator *toolcall.Correlator
	Dispatcher Dispatcher
	Logs       execlog.Repository
	Queue      *commandqueue.CommandQueue
}

// Orchestrator is the entry point for turns: it admits them, runs them on the worker
// queue and funnels every exit through the completion coordinator.
type Orchestrator struct {
	registry    *registry.Registry
	correlator  *toolcall.Correlator
	dispatcher  Dispatcher
	logs        execlog.Repository
	queue       *commandqueue.CommandQueue
	coordinator *completion.Coordinator

	maxConcurrent int
	logger        zerolog.Logger
}

// Option is a functional option for configuring the Orchestrator
type Option func(*Orchestrator)

// WithMaxConcurrent sets how many turns run at once
func WithMaxConcurrent(max int) Option {
	return func(o *Orchestrator) {
		o.maxConcurrent = max
	}
}

// WithLogger sets the logger for the orchestrator
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// New creates an Orchestrator
func New(deps Deps, opts ...Option) (*Orchestrator, error) {
	if deps.Registry == nil || deps.Correlator == nil || deps.Dispatcher == nil || deps.Queue == nil {
		return nil, fmt.Errorf("registry, correlator, dispatcher and queue are required")
	}
	if deps.Logs == nil {
		deps.Logs = execlog.NewMemoryRepository()
	}

	o := &Orchestrator{
		registry:      deps.Registry,
		correlator:    deps.Correlator,
		dispatcher:    deps.Dispatcher,
		logs:          deps.Logs,
		queue:         deps.Queue,
		coordinator:   completion.NewCoordinator(deps.Registry, deps.Logs),
		maxConcurrent: DefaultMaxConcurrent,
		logger:        log.Logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With().Str("component", "orchestrator").Logger()
	o.queue.SetConcurrency(commandqueue.LaneTurns, o.maxConcurrent)
	return o, nil
}

// Submit admits a turn and schedules it. Validation failures and admission conflicts
// (another turn active, duplicate request, closed session) are returned synchronously and
// no terminal message is sent for them. Once Submit returns a context, exactly one
// terminal message for it reaches sink.
func (o *Orchestrator) Submit(ctx context.Context, req execution.Request, sink protocol.Sink) (*execution.Context, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if _, isCommand := o.dispatcher.Lookup(req.Content); !isCommand {
		if _, err := o.dispatcher.ResolveAgent(req.AgentCode); err != nil {
			return nil, err
		}
	}

	ctx, turnID := tracing.NewTurnContext(ctx, req.SessionID, req.RequestID, req.AgentCode)
	logger := tracing.LoggerFromContext(ctx, o.logger)

	ec := execution.New(req)
	if err := o.registry.Begin(ec); err != nil {
		logger.Debug().Err(err).Msg("Turn rejected")
		return nil, err
	}

	// Detached so that the turn outlives the inbound message handler.
	turnCtx := tracing.Detach(ctx)

	entry := &execlog.Entry{
		ID:        uuid.NewString(),
		SessionID: req.SessionID,
		RequestID: req.RequestID,
		AgentCode: req.AgentCode,
		Input:     req.Content,
		Status:    execlog.StatusRunning,
		CreatedAt: ec.StartedAt(),
	}
	if err := o.logs.Save(turnCtx, entry); err != nil {
		o.coordinator.CompleteExecution(turnCtx, ec, sink, execution.StateFailed, fmt.Errorf("failed to create execution log: %w", err))
		return ec, nil
	}
	ec.SetLogID(entry.ID)

	handle, err := o.queue.Submit(turnCtx, commandqueue.LaneTurns, func(runCtx context.Context) (interface{}, error) {
		o.run(runCtx, ec, sink)
		return nil, nil
	})
	if err != nil {
		o.coordinator.CompleteExecution(turnCtx, ec, sink, execution.StateFailed, fmt.Errorf("failed to schedule turn: %w", err))
		return ec, nil
	}

	// A turn dropped from the queue before it ran still needs its terminal message.
	go func() {
		<-handle.Done()
		_, err := handle.Wait(turnCtx)
		switch {
		case err == nil:
		case errors.Is(err, commandqueue.ErrLaneReset):
			ec.Interrupt()
			o.coordinator.CompleteExecution(turnCtx, ec, sink, execution.StateInterrupted, execution.ErrInterrupted)
		default:
			o.coordinator.CompleteExecution(turnCtx, ec, sink, execution.StateFailed, fmt.Errorf("turn not run: %w", err))
		}
	}()

	logger.Info().Str("turnId", turnID).Str("logId", entry.ID).Msg("Turn accepted")
	return ec, nil
}

func (o *Orchestrator) run(ctx context.Context, ec *execution.Context, sink protocol.Sink) {
	ctx, span := tracing.StartSpan(ctx, "comfypilot.orchestrator", "turn.run",
		attribute.String("session_code", ec.SessionID()),
		attribute.String("request_id", ec.RequestID()),
	)
	defer span.End()

	err := o.execute(ctx, ec, sink)
	state := stateFor(ec, err)
	if state == execution.StateFailed {
		tracing.Fail(span, err)
	}
	span.SetAttributes(attribute.String("state", state.String()))

	o.coordinator.CompleteExecution(ctx, ec, sink, state, err)
}

// execute runs the turn body, turning a panic into an error
func (o *Orchestrator) execute(ctx context.Context, ec *execution.Context, sink protocol.Sink) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger := tracing.LoggerFromContext(ctx, o.logger)
			logger.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Turn panicked")
			err = fmt.Errorf("%w: %v", completion.ErrPanic, r)
		}
	}()

	// The turn may have been interrupted while it waited in the queue.
	if err := ec.Checkpoint(); err != nil {
		return err
	}
	return o.dispatcher.Dispatch(ctx, ec, sink)
}

func stateFor(ec *execution.Context, err error) execution.State {
	switch {
	case err == nil:
		return execution.StateComplete
	case errors.Is(err, execution.ErrInterrupted), ec.Interrupted():
		return execution.StateInterrupted
	default:
		return execution.StateFailed
	}
}

// ResolveToolCall delivers a client tool result. It returns false when no call is
// waiting for it.
func (o *Orchestrator) ResolveToolCall(sessionID, requestID string, data protocol.ToolCallResponseData) bool {
	key := toolcall.Key{SessionID: sessionID, RequestID: requestID, ToolName: data.ToolName}
	ok := o.correlator.Resolve(key, toolcall.Result{
		ToolCallID: data.ToolCallID,
		Payload:    data.Result,
		IsError:    data.IsError,
		Error:      data.Error,
	})
	if !ok {
		o.logger.Debug().
			Str("sessionCode", sessionID).
			Str("requestId", requestID).
			Str("toolName", data.ToolName).
			Msg("Tool result without a pending call, dropping")
	}
	return ok
}

// Interrupt stops the active turn of a session. An empty requestID matches whichever
// turn is active. Pending tool calls of the turn are cancelled.
func (o *Orchestrator) Interrupt(sessionID, requestID string) bool {
	ec := o.registry.Active(sessionID)
	if ec == nil || (requestID != "" && ec.RequestID() != requestID) {
		return false
	}
	if !o.registry.Interrupt(sessionID, ec.RequestID()) {
		return false
	}
	cancelled := o.correlator.CancelRequest(sessionID, ec.RequestID())
	o.logger.Info().
		Str("sessionCode", sessionID).
		Str("requestId", ec.RequestID()).
		Int("cancelledToolCalls", cancelled).
		Msg("Turn interrupted")
	return true
}

// CloseSession is called when the connection owning a session goes away: the active
// turn is interrupted and every pending tool call of the session is cancelled.
func (o *Orchestrator) CloseSession(sessionID string) {
	active := o.registry.CloseSession(sessionID)
	cancelled := o.correlator.CancelAll(sessionID)
	if active != nil || cancelled > 0 {
		o.logger.Info().
			Str("sessionCode", sessionID).
			Bool("activeTurn", active != nil).
			Int("cancelledToolCalls", cancelled).
			Msg("Session closed")
	}
}

// History returns the most recent execution logs of a session
func (o *Orchestrator) History(ctx context.Context, sessionID string, limit int) ([]*execlog.Entry, error) {
	return o.logs.ListBySession(ctx, sessionID, limit)
}

// Sweep prunes completion markers older than ttl
func (o *Orchestrator) Sweep(ttl time.Duration) int {
	removed := o.registry.Sweep(ttl)
	if removed > 0 {
		o.logger.Debug().Int("removed", removed).Msg("Completion markers swept")
	}
	return removed
}

// Drain interrupts turns still waiting in the queue, then waits up to timeout for
// running turns to finish
func (o *Orchestrator) Drain(timeout time.Duration) bool {
	if dropped := o.queue.ResetLane(commandqueue.LaneTurns); dropped > 0 {
		o.logger.Info().Int("dropped", dropped).Msg("Queued turns interrupted for shutdown")
	}
	return o.queue.WaitForActive(timeout)
}
