package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/internal/observability"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/internal/tracing"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/conversation"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/execution"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/protocol"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/toolcall"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Memory is the conversation memory the loop reads and extends
type Memory interface {
	Get(ctx context.Context, sessionID string) ([]conversation.Message, error)
	Append(ctx context.Context, sessionID string, msgs ...conversation.Message) error
}

// UsageRecorder accumulates token usage per session
type UsageRecorder interface {
	Add(sessionID string, input, output int)
}

// ToolBroker registers client tool calls and withdraws them
type ToolBroker interface {
	Register(key toolcall.Key, callID string) *toolcall.Future
	Cancel(key toolcall.Key) bool
}

// Config holds loop configuration
type Config struct {
	Client ModelClient
	Memory Memory
	Usage  UsageRecorder
	Tools  ToolBroker
	Model  ModelConfig
	Logger zerolog.Logger
}

// Loop is the default agent executor: model dispatch, client tool round trips, repeat
type Loop struct {
	client ModelClient
	memory Memory
	usage  UsageRecorder
	tools  ToolBroker
	model  ModelConfig
	logger zerolog.Logger
}

// NewLoop creates a Loop
func NewLoop(cfg Config) (*Loop, error) {
	observability.EnsureRegistered()

	if cfg.Client == nil {
		return nil, fmt.Errorf("model client is required")
	}
	if cfg.Memory == nil {
		return nil, fmt.Errorf("conversation memory is required")
	}
	if cfg.Tools == nil {
		return nil, fmt.Errorf("tool broker is required")
	}

	model := cfg.Model
	defaults := DefaultModelConfig()
	if model.Model == "" {
		model.Model = defaults.Model
	}
	if model.MaxTokens <= 0 {
		model.MaxTokens = defaults.MaxTokens
	}
	if model.MaxSteps <= 0 {
		model.MaxSteps = defaults.MaxSteps
	}
	if model.SystemPrompt == "" {
		model.SystemPrompt = defaults.SystemPrompt
	}
	if model.SummaryPrompt == "" {
		model.SummaryPrompt = defaults.SummaryPrompt
	}

	return &Loop{
		client: cfg.Client,
		memory: cfg.Memory,
		usage:  cfg.Usage,
		tools:  cfg.Tools,
		model:  model,
		logger: cfg.Logger,
	}, nil
}

// Execute runs the model/tool loop for one turn. It returns nil when the model produced
// a final answer (left in ec's output), execution.ErrInterrupted when a checkpoint observed
// an interrupt, or the failure that ended the turn.
func (l *Loop) Execute(ctx context.Context, ec *execution.Context, sink protocol.Sink) error {
	sid, rid := ec.SessionID(), ec.RequestID()
	ctx, span := tracing.StartSpan(ctx, "comfypilot.agent", "agent.execute",
		attribute.String("session_code", sid),
		attribute.String("request_id", rid),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, l.logger)

	history, err := l.memory.Get(ctx, sid)
	if err != nil {
		err = fmt.Errorf("failed to load conversation memory: %w", err)
		tracing.Fail(span, err)
		return err
	}

	userMsg := conversation.Message{Role: conversation.RoleUser, Content: ec.Request.Content, Timestamp: time.Now()}
	if err := l.memory.Append(ctx, sid, userMsg); err != nil {
		err = fmt.Errorf("failed to save user message: %w", err)
		tracing.Fail(span, err)
		return err
	}
	messages := append(history, userMsg)

	tools := make([]ToolSpec, 0, len(ec.Request.Tools))
	for _, name := range ec.Request.Tools {
		tools = append(tools, ClientToolSpec(name))
	}

	for step := 0; step < l.model.MaxSteps; step++ {
		if err := ec.Checkpoint(); err != nil {
			return err
		}
		if err := ec.Transition(execution.StateThinking); err != nil {
			return err
		}
		l.send(sink, protocol.TypeThinking, ec, "", nil, logger)

		reply, err := l.dispatch(ctx, ec, ModelRequest{
			Model:        l.model.Model,
			SystemPrompt: l.model.SystemPrompt,
			Messages:     messages,
			Tools:        tools,
			Temperature:  l.model.Temperature,
			MaxTokens:    l.model.MaxTokens,
		})
		// A reply that lands after an interrupt is discarded.
		if ec.Interrupted() {
			logger.Debug().Int("step", step).Msg("Discarding model reply after interrupt")
			return execution.ErrInterrupted
		}
		if err != nil {
			err = fmt.Errorf("model dispatch failed: %w", err)
			tracing.Fail(span, err)
			return err
		}

		if reply.Content != "" {
			l.send(sink, protocol.TypeStream, ec, reply.Content, nil, logger)
		}

		assistant := conversation.Message{
			Role:      conversation.RoleAssistant,
			Content:   reply.Content,
			ToolCalls: reply.ToolCalls,
			Timestamp: time.Now(),
		}

		if len(reply.ToolCalls) == 0 {
			if err := l.memory.Append(ctx, sid, assistant); err != nil {
				err = fmt.Errorf("failed to save assistant message: %w", err)
				tracing.Fail(span, err)
				return err
			}
			ec.SetOutput(reply.Content)
			return nil
		}

		for i := range assistant.ToolCalls {
			if assistant.ToolCalls[i].ID == "" {
				assistant.ToolCalls[i].ID = "call_" + gonanoid.Must()
			}
		}

		if err := ec.Transition(execution.StateToolCallPending); err != nil {
			return err
		}
		results, err := l.runTools(ctx, ec, sink, assistant.ToolCalls, logger)
		if err != nil {
			if !errors.Is(err, execution.ErrInterrupted) {
				tracing.Fail(span, err)
			}
			return err
		}

		// Every result is in; an interrupt raised meanwhile still stops the next step.
		if err := ec.Checkpoint(); err != nil {
			return err
		}

		exchange := append([]conversation.Message{assistant}, results...)
		if err := l.memory.Append(ctx, sid, exchange...); err != nil {
			err = fmt.Errorf("failed to save tool exchange: %w", err)
			tracing.Fail(span, err)
			return err
		}
		messages = append(messages, exchange...)
	}

	err = fmt.Errorf("maximum model steps (%d) exceeded", l.model.MaxSteps)
	tracing.Fail(span, err)
	return err
}

// Summarize asks the model for a summary of msgs. The call is bound to ec so an
// interrupt cancels it.
func (l *Loop) Summarize(ctx context.Context, ec *execution.Context, msgs []conversation.Message) (string, error) {
	if len(msgs) == 0 {
		return "", nil
	}
	prompt := conversation.Message{Role: conversation.RoleUser, Content: l.model.SummaryPrompt}
	reply, err := l.dispatch(ctx, ec, ModelRequest{
		Model:        l.model.Model,
		SystemPrompt: l.model.SystemPrompt,
		Messages:     append(append([]conversation.Message{}, msgs...), prompt),
		Temperature:  l.model.Temperature,
		MaxTokens:    l.model.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("summary generation failed: %w", err)
	}
	return reply.Content, nil
}

func (l *Loop) dispatch(ctx context.Context, ec *execution.Context, req ModelRequest) (*ModelReply, error) {
	callCtx, release := ec.BindModelCall(ctx)
	defer release()

	reply, err := l.client.Dispatch(callCtx, req)
	if err != nil {
		return nil, err
	}
	if l.usage != nil {
		l.usage.Add(ec.SessionID(), reply.Usage.InputTokens, reply.Usage.OutputTokens)
	}
	return reply, nil
}

type issuedCall struct {
	index  int
	call   conversation.ToolCall
	future *toolcall.Future
}

// runTools sends the step's tool calls to the client and collects their results in
// call order. Calls naming the same tool go out in successive waves so a correlation
// key is never pending twice.
func (l *Loop) runTools(ctx context.Context, ec *execution.Context, sink protocol.Sink, calls []conversation.ToolCall, logger zerolog.Logger) ([]conversation.Message, error) {
	sid, rid := ec.SessionID(), ec.RequestID()
	results := make([]conversation.Message, len(calls))

	var waves [][]int
	seen := make(map[string]int)
	for i, call := range calls {
		if !ec.Request.HasTool(call.Name) {
			logger.Warn().Str("toolName", call.Name).Msg("Model requested a tool the client did not declare")
			results[i] = toolResultMessage(call, toolcall.Result{
				IsError: true,
				Error:   fmt.Sprintf("tool %q is not available on this client", call.Name),
			})
			continue
		}
		w := seen[call.Name]
		seen[call.Name] = w + 1
		if w == len(waves) {
			waves = append(waves, nil)
		}
		waves[w] = append(waves[w], i)
	}

	for _, wave := range waves {
		issued := make([]issuedCall, 0, len(wave))
		for _, i := range wave {
			call := calls[i]
			if err := ec.Checkpoint(); err != nil {
				l.withdraw(issued)
				return nil, err
			}

			key := toolcall.Key{SessionID: sid, RequestID: rid, ToolName: call.Name}
			fut := l.tools.Register(key, call.ID)
			issued = append(issued, issuedCall{index: i, call: call, future: fut})

			env, err := protocol.New(protocol.TypeToolCallRequest, sid, rid, "", protocol.ToolCallRequestData{
				ToolName:   call.Name,
				ToolCallID: call.ID,
				Arguments:  call.Arguments,
			})
			if err == nil {
				err = sink.Send(env)
			}
			if err != nil {
				l.withdraw(issued)
				return nil, fmt.Errorf("failed to send tool call %s: %w", call.Name, err)
			}
			logger.Debug().Str("toolName", call.Name).Str("toolCallId", call.ID).Msg("Tool call sent to client")
		}

		for n, ic := range issued {
			r, err := ic.future.Wait(ctx, ec.InterruptCh())
			if err != nil {
				l.withdraw(issued[n:])
				switch {
				case ec.Interrupted():
					return nil, execution.ErrInterrupted
				case errors.Is(err, toolcall.ErrTimeout):
					return nil, fmt.Errorf("%w: %s", toolcall.ErrTimeout, ic.call.Name)
				default:
					return nil, fmt.Errorf("tool call %s aborted: %w", ic.call.Name, err)
				}
			}
			results[ic.index] = toolResultMessage(ic.call, r)
		}
	}

	return results, nil
}

func (l *Loop) withdraw(issued []issuedCall) {
	for _, ic := range issued {
		if !ic.future.Settled() {
			l.tools.Cancel(ic.future.Key())
		}
	}
}

func (l *Loop) send(sink protocol.Sink, t protocol.MessageType, ec *execution.Context, content string, data interface{}, logger zerolog.Logger) {
	env, err := protocol.New(t, ec.SessionID(), ec.RequestID(), content, data)
	if err != nil {
		logger.Warn().Err(err).Str("type", string(t)).Msg("Failed to build message")
		return
	}
	if err := sink.Send(env); err != nil {
		logger.Debug().Err(err).Str("type", string(t)).Msg("Failed to deliver message")
	}
}

func toolResultMessage(call conversation.ToolCall, r toolcall.Result) conversation.Message {
	return conversation.Message{
		Role:       conversation.RoleTool,
		Content:    r.Content(),
		ToolCallID: call.ID,
		Name:       call.Name,
		IsError:    r.IsError,
		Timestamp:  time.Now(),
	}
}
