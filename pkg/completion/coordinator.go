package completion

import (
	"context"
	"errors"

	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/internal/observability"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/internal/tracing"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/execlog"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/execution"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/protocol"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/toolcall"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InterruptedMessage is the content of EXECUTION_INTERRUPTED
const InterruptedMessage = "execution interrupted"

// Marker is the idempotency store consulted before a turn is finalized
type Marker interface {
	CompleteExecution(sessionID, requestID string) bool
	Release(sessionID, requestID string)
}

// Coordinator finalizes turns. Whatever path ends a turn, only the first call per
// (session, request) has side effects.
type Coordinator struct {
	marker Marker
	logs   execlog.Repository
	logger zerolog.Logger
}

func NewCoordinator(marker Marker, logs execlog.Repository) *Coordinator {
	return &Coordinator{
		marker: marker,
		logs:   logs,
		logger: log.With().Str("component", "completion").Logger(),
	}
}

// CompleteExecution moves ec to state, finalizes its execution log, sends the single
// terminal envelope to sink and runs completion callbacks. It returns false, doing
// nothing, when the turn was already completed.
func (c *Coordinator) CompleteExecution(ctx context.Context, ec *execution.Context, sink protocol.Sink, state execution.State, cause error) bool {
	sid, rid := ec.SessionID(), ec.RequestID()
	logger := tracing.LoggerFromContext(ctx, c.logger)

	if !c.marker.CompleteExecution(sid, rid) {
		observability.RecordDuplicateCompletion()
		logger.Debug().
			Str("sessionCode", sid).
			Str("requestId", rid).
			Str("state", state.String()).
			Msg("Turn already completed, ignoring")
		return false
	}

	if err := ec.Finish(state); err != nil {
		logger.Warn().Err(err).Str("sessionCode", sid).Str("requestId", rid).Msg("Unexpected terminal transition")
		state = ec.State()
	}

	outcome := execution.Outcome{
		State:    state,
		Output:   ec.Output(),
		Err:      cause,
		Duration: ec.Elapsed(),
	}

	// The turn context may already be cancelled; finalization must still land.
	bg := context.WithoutCancel(ctx)
	if id := ec.LogID(); id != "" && c.logs != nil {
		if err := c.logs.Finalize(bg, id, finalFor(outcome)); err != nil {
			logger.Error().Err(err).Str("logId", id).Msg("Failed to finalize execution log")
		}
	}

	// Free the session before the client hears about it, so its next message is admitted.
	c.marker.Release(sid, rid)

	if sink != nil {
		if err := sink.Send(terminalEnvelope(sid, rid, outcome)); err != nil {
			logger.Warn().Err(err).Str("sessionCode", sid).Str("requestId", rid).Msg("Failed to deliver terminal message")
		}
	}

	ec.RunCallbacks(outcome)
	observability.RecordTurnFinished(state.String(), outcome.Duration)
	audit := map[string]interface{}{"durationMs": outcome.Duration.Milliseconds()}
	if cause != nil && state == execution.StateFailed {
		audit["error"] = cause.Error()
	}
	observability.RecordTurnAudit(bg, sid, rid, state.String(), audit)

	evt := logger.Info()
	if cause != nil && state == execution.StateFailed {
		evt = logger.Warn().Err(cause)
	}
	evt.
		Str("sessionCode", sid).
		Str("requestId", rid).
		Str("state", state.String()).
		Dur("duration", outcome.Duration).
		Msg("Turn completed")

	return true
}

func finalFor(o execution.Outcome) execlog.Final {
	f := execlog.Final{Output: o.Output, Duration: o.Duration}
	switch o.State {
	case execution.StateComplete:
		f.Status = execlog.StatusSuccess
	case execution.StateInterrupted:
		f.Status = execlog.StatusInterrupted
		f.Error = InterruptedMessage
	default:
		f.Status = execlog.StatusFailed
		if o.Err != nil {
			f.Error = o.Err.Error()
		} else {
			f.Error = "execution failed"
		}
	}
	return f
}

func terminalEnvelope(sid, rid string, o execution.Outcome) protocol.Envelope {
	switch o.State {
	case execution.StateComplete:
		env, _ := protocol.New(protocol.TypeComplete, sid, rid, o.Output, nil)
		return env
	case execution.StateInterrupted:
		env, _ := protocol.New(protocol.TypeInterrupted, sid, rid, InterruptedMessage, nil)
		return env
	default:
		msg := "execution failed"
		if o.Err != nil {
			msg = o.Err.Error()
		}
		return protocol.NewError(sid, rid, ErrorCode(o.Err), msg)
	}
}

// ErrorCode maps a turn failure to the code carried in ERROR envelopes
func ErrorCode(err error) string {
	var verr *execution.ValidationError
	switch {
	case errors.As(err, &verr):
		return protocol.CodeValidation
	case errors.Is(err, toolcall.ErrTimeout):
		return protocol.CodeToolTimeout
	case errors.Is(err, ErrPanic):
		return protocol.CodeInternalError
	default:
		return protocol.CodeUpstream
	}
}

// ErrPanic wraps a panic recovered while running a turn
var ErrPanic = errors.New("turn panicked")
