package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/natefinch/lumberjack.v2"
)

// AuditCategory groups audit events
type AuditCategory string

const (
	AuditTurn     AuditCategory = "turn"
	AuditSecurity AuditCategory = "security"
	AuditConfig   AuditCategory = "config"
)

// AuditEvent is one line of the audit log
type AuditEvent struct {
	Category AuditCategory
	Actor    string // session code or client id
	Action   string
	Status   string
	Fields   map[string]interface{}
}

// AuditLogger appends audit events as JSON lines to a rotated file
type AuditLogger struct {
	mu  sync.Mutex
	out io.WriteCloser
	log zerolog.Logger
}

var audit atomic.Pointer[AuditLogger]

func init() {
	audit.Store(discardAudit())
}

func discardAudit() *AuditLogger {
	return &AuditLogger{log: zerolog.Nop()}
}

// GetAuditLogger returns the process audit logger; events are dropped until InitAuditLogger runs
func GetAuditLogger() *AuditLogger {
	return audit.Load()
}

// InitAuditLogger redirects audit events to path and closes the previous sink
func InitAuditLogger(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create audit directory: %w", err)
	}
	out := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    20,
		MaxBackups: 5,
		MaxAge:     90,
	}
	next := &AuditLogger{
		out: out,
		log: zerolog.New(out).With().Timestamp().Logger(),
	}
	return audit.Swap(next).Close()
}

// Record writes event and mirrors it onto the span carried by ctx, if any
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	var traceID string
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		traceID = span.SpanContext().TraceID().String()
		span.AddEvent("audit."+event.Action, trace.WithAttributes(
			attribute.String("audit.category", string(event.Category)),
			attribute.String("audit.actor", event.Actor),
			attribute.String("audit.status", event.Status),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	e := a.log.Log().
		Str("type", string(event.Category)).
		Str("actor", event.Actor).
		Str("action", event.Action).
		Str("status", event.Status)
	if traceID != "" {
		e = e.Str("traceId", traceID)
	}
	if len(event.Fields) > 0 {
		e = e.Fields(map[string]interface{}{"metadata": event.Fields})
	}
	e.Send()
}

// Close flushes and closes the underlying file
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.out == nil {
		return nil
	}
	err := a.out.Close()
	a.out = nil
	a.log = zerolog.Nop()
	return err
}

// RecordTurnAudit records how a turn ended
func RecordTurnAudit(ctx context.Context, sessionCode, requestID, state string, fields map[string]interface{}) {
	merged := map[string]interface{}{"requestId": requestID}
	for k, v := range fields {
		merged[k] = v
	}
	GetAuditLogger().Record(ctx, AuditEvent{
		Category: AuditTurn,
		Actor:    sessionCode,
		Action:   "turn_finished",
		Status:   state,
		Fields:   merged,
	})
}

// RecordSecurityAudit records a client action the gateway refused or throttled
func RecordSecurityAudit(ctx context.Context, action, actor, status string, fields map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{Category: AuditSecurity, Actor: actor, Action: action, Status: status, Fields: fields})
}

// RecordConfigAudit records an applied configuration change
func RecordConfigAudit(ctx context.Context, action, actor string, fields map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{Category: AuditConfig, Actor: actor, Action: action, Status: "success", Fields: fields})
}
