package execlog

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle status of an execution log entry
type Status string

const (
	StatusRunning     Status = "RUNNING"
	StatusSuccess     Status = "SUCCESS"
	StatusFailed      Status = "FAILED"
	StatusInterrupted Status = "INTERRUPTED"
)

func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusInterrupted
}

var (
	// ErrNotFound is returned when no entry exists for an id
	ErrNotFound = errors.New("execution log not found")
	// ErrAlreadyFinalized is returned when finalizing an entry that is no longer RUNNING
	ErrAlreadyFinalized = errors.New("execution log already finalized")
)

// Entry records one turn. It is saved RUNNING before the first model call and
// finalized exactly once.
type Entry struct {
	ID         string
	SessionID  string
	RequestID  string
	AgentCode  string
	Input      string
	Status     Status
	Output     string
	Error      string
	CreatedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
}

// Final is the terminal update applied to an entry
type Final struct {
	Status   Status
	Output   string
	Error    string
	Duration time.Duration
}

// Repository persists execution logs
type Repository interface {
	Save(ctx context.Context, e *Entry) error
	Finalize(ctx context.Context, id string, f Final) error
	Get(ctx context.Context, id string) (*Entry, error)
	ListBySession(ctx context.Context, sessionID string, limit int) ([]*Entry, error)
	Close() error
}
