package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType discriminates envelopes exchanged over the persistent channel
type MessageType string

// Inbound message types
const (
	TypeUserMessage      MessageType = "USER_MESSAGE"
	TypeToolCallResponse MessageType = "AGENT_TOOL_CALL_RESPONSE"
	TypeInterrupt        MessageType = "INTERRUPT"
	TypePing             MessageType = "PING"
)

// Outbound message types
const (
	TypeThinking        MessageType = "AGENT_THINKING"
	TypeStream          MessageType = "AGENT_STREAM"
	TypeToolCallRequest MessageType = "AGENT_TOOL_CALL_REQUEST"
	TypeComplete        MessageType = "AGENT_COMPLETE"
	TypeInterrupted     MessageType = "EXECUTION_INTERRUPTED"
	TypeError           MessageType = "ERROR"
	TypePong            MessageType = "PONG"
)

// IsTerminal reports whether the type ends a turn on the client side
func (t MessageType) IsTerminal() bool {
	return t == TypeComplete || t == TypeInterrupted || t == TypeError
}

// Envelope is the single message shape used in both directions
type Envelope struct {
	Type        MessageType     `json:"type"`
	SessionCode string          `json:"sessionCode,omitempty"`
	RequestID   string          `json:"requestId,omitempty"`
	Content     string          `json:"content,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Timestamp   int64           `json:"timestamp"`
}

// Sink receives outbound envelopes for one connection.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(env Envelope) error
}

// UserMessageData is the payload of USER_MESSAGE
type UserMessageData struct {
	Tools     []string `json:"tools,omitempty"`
	AgentCode string   `json:"agentCode,omitempty"`
}

// ToolCallRequestData is the payload of AGENT_TOOL_CALL_REQUEST
type ToolCallRequestData struct {
	ToolName   string                 `json:"toolName"`
	ToolCallID string                 `json:"toolCallId"`
	Arguments  map[string]interface{} `json:"arguments,omitempty"`
}

// ToolCallResponseData is the payload of AGENT_TOOL_CALL_RESPONSE
type ToolCallResponseData struct {
	ToolName   string          `json:"toolName"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	IsError    bool            `json:"isError,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// ErrorData is the payload of ERROR
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes carried in ErrorData
const (
	CodeValidation    = "VALIDATION_ERROR"
	CodeTurnActive    = "TURN_ACTIVE"
	CodeUpstream      = "UPSTREAM_FAILURE"
	CodeToolTimeout   = "TOOL_TIMEOUT"
	CodeBadMessage    = "BAD_MESSAGE"
	CodeRateLimited   = "RATE_LIMITED"
	CodeUnknownType   = "UNKNOWN_TYPE"
	CodeInternalError = "INTERNAL_ERROR"
	CodeSessionOwned  = "SESSION_OWNED"
)

// New builds an envelope with a marshaled payload and the current timestamp
func New(t MessageType, sessionCode, requestID, content string, data interface{}) (Envelope, error) {
	env := Envelope{
		Type:        t,
		SessionCode: sessionCode,
		RequestID:   requestID,
		Content:     content,
		Timestamp:   time.Now().UnixMilli(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", t, err)
		}
		env.Data = raw
	}
	return env, nil
}

// NewError builds an ERROR envelope
func NewError(sessionCode, requestID, code, message string) Envelope {
	env, _ := New(TypeError, sessionCode, requestID, message, ErrorData{Code: code, Message: message})
	return env
}

// DecodeData unmarshals the envelope payload into v. An empty payload leaves v untouched.
func (e Envelope) DecodeData(v interface{}) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", e.Type, err)
	}
	return nil
}
