package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// TurnIDKey is the context key for the turn (execution log) ID
	TurnIDKey ContextKey = "turn_id"
	// AgentCodeKey is the context key for the agent kind running the turn
	AgentCodeKey ContextKey = "agent_code"
	// SessionCodeKey is the context key for the client session code
	SessionCodeKey ContextKey = "session_code"
	// RequestIDKey is the context key for the client request ID
	RequestIDKey ContextKey = "request_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID     string
	TurnID      string
	AgentCode   string
	SessionCode string
	RequestID   string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewTurnID generates a new turn ID
func NewTurnID() string {
	return uuid.New().String()
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func WithTurnID(ctx context.Context, turnID string) context.Context {
	return context.WithValue(ctx, TurnIDKey, turnID)
}

func WithAgentCode(ctx context.Context, agentCode string) context.Context {
	return context.WithValue(ctx, AgentCodeKey, agentCode)
}

func WithSessionCode(ctx context.Context, sessionCode string) context.Context {
	return context.WithValue(ctx, SessionCodeKey, sessionCode)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

func stringValue(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	return stringValue(ctx, TraceIDKey)
}

// GetTurnID retrieves the turn ID from the context
func GetTurnID(ctx context.Context) string {
	return stringValue(ctx, TurnIDKey)
}

func GetAgentCode(ctx context.Context) string {
	return stringValue(ctx, AgentCodeKey)
}

func GetSessionCode(ctx context.Context) string {
	return stringValue(ctx, SessionCodeKey)
}

func GetRequestID(ctx context.Context) string {
	return stringValue(ctx, RequestIDKey)
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:     GetTraceID(ctx),
		TurnID:      GetTurnID(ctx),
		AgentCode:   GetAgentCode(ctx),
		SessionCode: GetSessionCode(ctx),
		RequestID:   GetRequestID(ctx),
	}
}

// NewContext copies non-empty fields of tc onto ctx
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.TurnID != "" {
		ctx = WithTurnID(ctx, tc.TurnID)
	}
	if tc.AgentCode != "" {
		ctx = WithAgentCode(ctx, tc.AgentCode)
	}
	if tc.SessionCode != "" {
		ctx = WithSessionCode(ctx, tc.SessionCode)
	}
	if tc.RequestID != "" {
		ctx = WithRequestID(ctx, tc.RequestID)
	}
	return ctx
}

// NewTurnContext tags ctx with a fresh turn ID and the turn's identifiers.
// A trace ID is generated when ctx does not carry one.
func NewTurnContext(ctx context.Context, sessionCode, requestID, agentCode string) (context.Context, string) {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	turnID := NewTurnID()
	ctx = NewContext(ctx, &TraceContext{
		TurnID:      turnID,
		AgentCode:   agentCode,
		SessionCode: sessionCode,
		RequestID:   requestID,
	})
	return ctx, turnID
}
