package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/internal/tracing"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/conversation"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/execution"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/protocol"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultAgent is the agent code used when a message names none
const DefaultAgent = "default"

// AgentExecutor runs the streaming model/tool loop for one turn
type AgentExecutor interface {
	Execute(ctx context.Context, ec *execution.Context, sink protocol.Sink) error
}

// Summarizer produces a summary of a conversation for /compact
type Summarizer interface {
	Summarize(ctx context.Context, ec *execution.Context, msgs []conversation.Message) (string, error)
}

// Memory is the part of the conversation store the built-in commands use
type Memory interface {
	Get(ctx context.Context, sessionID string) ([]conversation.Message, error)
	Replace(ctx context.Context, sessionID string, msgs []conversation.Message) error
	Clear(ctx context.Context, sessionID string) error
	Record(ctx context.Context, sessionID string, entry conversation.TranscriptEntry) error
}

// UsageResetter drops the cached token usage of a session
type UsageResetter interface {
	Reset(sessionID string)
}

// CommandFunc handles a built-in command. It runs inside the turn and leaves its
// confirmation in ec's output.
type CommandFunc func(ctx context.Context, ec *execution.Context, sink protocol.Sink) error

// Command is a built-in command recognized by exact match
type Command struct {
	Name        string
	Description string
	Handler     CommandFunc
}

// Config holds dispatcher configuration
type Config struct {
	Memory     Memory
	Usage      UsageResetter
	Summarizer Summarizer
	// Agents maps agent codes to executors. It is fixed once the dispatcher is built.
	Agents map[string]AgentExecutor
	Logger zerolog.Logger
}

// Dispatcher runs built-in commands synchronously and hands everything else to an agent
type Dispatcher struct {
	memory     Memory
	usage      UsageResetter
	summarizer Summarizer
	agents     map[string]AgentExecutor
	logger     zerolog.Logger

	commands map[string]Command
	mu       sync.RWMutex
}

// New creates a Dispatcher with /help, /clear and /compact registered
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Memory == nil {
		return nil, fmt.Errorf("conversation memory is required")
	}
	if len(cfg.Agents) == 0 {
		return nil, fmt.Errorf("at least one agent executor is required")
	}

	agents := make(map[string]AgentExecutor, len(cfg.Agents))
	for code, exec := range cfg.Agents {
		agents[code] = exec
	}

	d := &Dispatcher{
		memory:     cfg.Memory,
		usage:      cfg.Usage,
		summarizer: cfg.Summarizer,
		agents:     agents,
		logger:     cfg.Logger.With().Str("component", "dispatch").Logger(),
		commands:   make(map[string]Command),
	}

	d.Register(Command{Name: "/help", Description: "Show the available commands", Handler: d.help})
	d.Register(Command{Name: "/clear", Description: "Clear the conversation memory and token usage", Handler: d.clear})
	if cfg.Summarizer != nil {
		d.Register(Command{Name: "/compact", Description: "Replace the conversation memory with a summary", Handler: d.compact})
	}
	return d, nil
}

// Register adds or replaces a built-in command
func (d *Dispatcher) Register(cmd Command) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands[cmd.Name] = cmd
}

// Commands returns the registered commands sorted by name
func (d *Dispatcher) Commands() []Command {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Command, 0, len(d.commands))
	for _, c := range d.commands {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup returns the command content names. The whole content must equal the
// command token; case and surrounding whitespace count.
func (d *Dispatcher) Lookup(content string) (Command, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	cmd, ok := d.commands[content]
	return cmd, ok
}

// ResolveAgent returns the executor registered for code
func (d *Dispatcher) ResolveAgent(code string) (AgentExecutor, error) {
	if code == "" {
		code = DefaultAgent
	}
	exec, ok := d.agents[code]
	if !ok {
		return nil, &execution.ValidationError{Field: "agentCode", Reason: fmt.Sprintf("unknown agent %q", code)}
	}
	return exec, nil
}

// Dispatch runs one turn: a built-in command when the content names one, otherwise the
// agent selected by the request. Every input is recorded in the session transcript first.
func (d *Dispatcher) Dispatch(ctx context.Context, ec *execution.Context, sink protocol.Sink) error {
	sid := ec.SessionID()
	logger := tracing.LoggerFromContext(ctx, d.logger)

	cmd, isCommand := d.Lookup(ec.Request.Content)

	entry := conversation.TranscriptEntry{
		RequestID: ec.RequestID(),
		Content:   ec.Request.Content,
		Timestamp: time.Now(),
	}
	if isCommand {
		entry.Command = cmd.Name
	}
	if err := d.memory.Record(ctx, sid, entry); err != nil {
		return fmt.Errorf("failed to record input: %w", err)
	}

	if !isCommand {
		exec, err := d.ResolveAgent(ec.Request.AgentCode)
		if err != nil {
			return err
		}
		return exec.Execute(ctx, ec, sink)
	}

	ctx, span := tracing.StartSpan(ctx, "comfypilot.dispatch", "dispatch.command",
		attribute.String("command", cmd.Name),
		attribute.String("session_code", sid),
	)
	defer span.End()

	logger.Info().Str("command", cmd.Name).Str("sessionCode", sid).Msg("Running built-in command")
	if err := cmd.Handler(ctx, ec, sink); err != nil {
		tracing.Fail(span, err)
		return err
	}
	return nil
}

func (d *Dispatcher) help(ctx context.Context, ec *execution.Context, sink protocol.Sink) error {
	var b strings.Builder
	b.WriteString("Available commands:")
	for _, c := range d.Commands() {
		fmt.Fprintf(&b, "\n%s - %s", c.Name, c.Description)
	}
	ec.SetOutput(b.String())
	return nil
}

func (d *Dispatcher) clear(ctx context.Context, ec *execution.Context, sink protocol.Sink) error {
	sid := ec.SessionID()
	if err := d.memory.Clear(ctx, sid); err != nil {
		return fmt.Errorf("failed to clear conversation: %w", err)
	}
	if d.usage != nil {
		d.usage.Reset(sid)
	}
	confirm(ec, sink, "Conversation cleared.")
	return nil
}

// compact generates a summary, then swaps it in for the whole memory. An interrupt seen
// before the swap leaves memory untouched.
func (d *Dispatcher) compact(ctx context.Context, ec *execution.Context, sink protocol.Sink) error {
	sid := ec.SessionID()
	if err := ec.Checkpoint(); err != nil {
		return err
	}

	msgs, err := d.memory.Get(ctx, sid)
	if err != nil {
		return fmt.Errorf("failed to load conversation: %w", err)
	}
	if len(msgs) == 0 {
		ec.SetOutput("Nothing to compact.")
		return nil
	}

	summary, err := d.summarizer.Summarize(ctx, ec, msgs)
	if cerr := ec.Checkpoint(); cerr != nil {
		return cerr
	}
	if err != nil {
		return err
	}

	compacted := []conversation.Message{{
		Role:      conversation.RoleSystem,
		Content:   summary,
		Timestamp: time.Now(),
	}}
	if err := d.memory.Replace(ctx, sid, compacted); err != nil {
		return fmt.Errorf("failed to replace conversation: %w", err)
	}
	if d.usage != nil {
		d.usage.Reset(sid)
	}

	confirm(ec, sink, fmt.Sprintf("Conversation compacted: %d messages summarized.", len(msgs)))
	return nil
}

func confirm(ec *execution.Context, sink protocol.Sink, text string) {
	ec.SetOutput(text)
	if sink == nil {
		return
	}
	env, err := protocol.New(protocol.TypeStream, ec.SessionID(), ec.RequestID(), text, nil)
	if err == nil {
		_ = sink.Send(env)
	}
}
