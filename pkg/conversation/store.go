package conversation

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/internal/observability"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "comfypilot.conversation"

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is a tool invocation requested by the model
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// Message is one entry of a session's active memory
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
	Name       string     `json:"name,omitempty"`
	IsError    bool       `json:"isError,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// TranscriptEntry is one line of the append-only user input transcript
type TranscriptEntry struct {
	RequestID string    `json:"requestId"`
	Content   string    `json:"content"`
	Command   string    `json:"command,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Store keeps per-session conversation memory and transcripts as JSONL files.
// Memory is what the model sees and may be cleared or compacted; the transcript only grows.
type Store struct {
	dir        string
	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
}

// NewStore creates a Store rooted at dir
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("conversation directory is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create conversation directory: %w", err)
	}

	log.Info().Str("dir", dir).Msg("Conversation store initialized")
	return &Store{
		dir:        dir,
		writeLocks: make(map[string]*sync.Mutex),
	}, nil
}

func validateSessionID(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if strings.Contains(sessionID, "..") {
		return fmt.Errorf("session id cannot contain '..'")
	}
	if strings.ContainsAny(sessionID, "/\\\x00") {
		return fmt.Errorf("session id contains invalid characters")
	}
	return nil
}

func (s *Store) memoryPath(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".jsonl")
}

func (s *Store) transcriptPath(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".transcript.jsonl")
}

func (s *Store) lockFor(sessionID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if lock, ok := s.writeLocks[sessionID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.writeLocks[sessionID] = lock
	return lock
}

// Get returns the active memory of a session; an unknown session has none
func (s *Store) Get(ctx context.Context, sessionID string) ([]Message, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "conversation.get", attribute.String("session_code", sessionID))
	defer span.End()

	if err := validateSessionID(sessionID); err != nil {
		tracing.Fail(span, err)
		return nil, err
	}

	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	var msgs []Message
	err := readLines(ctx, s.memoryPath(sessionID), func(line []byte) error {
		var m Message
		if err := json.Unmarshal(line, &m); err != nil {
			return err
		}
		if m.Role == "" {
			return fmt.Errorf("message without role")
		}
		msgs = append(msgs, m)
		return nil
	})
	if err != nil {
		tracing.Fail(span, err)
		return nil, err
	}
	return msgs, nil
}

// Append adds messages to the end of a session's memory
func (s *Store) Append(ctx context.Context, sessionID string, msgs ...Message) error {
	_, span := tracing.StartSpan(ctx, tracerName, "conversation.append",
		attribute.String("session_code", sessionID),
		attribute.Int("messages", len(msgs)),
	)
	defer span.End()
	start := time.Now()
	defer func() { observability.RecordMemoryWrite("append", time.Since(start)) }()

	if err := validateSessionID(sessionID); err != nil {
		tracing.Fail(span, err)
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	lines := make([]interface{}, len(msgs))
	for i := range msgs {
		if msgs[i].Timestamp.IsZero() {
			msgs[i].Timestamp = time.Now()
		}
		lines[i] = msgs[i]
	}

	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := appendLines(s.memoryPath(sessionID), lines); err != nil {
		tracing.Fail(span, err)
		return err
	}
	return nil
}

// Replace atomically swaps a session's memory for msgs. On error the previous memory is intact.
func (s *Store) Replace(ctx context.Context, sessionID string, msgs []Message) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "conversation.replace",
		attribute.String("session_code", sessionID),
		attribute.Int("messages", len(msgs)),
	)
	defer span.End()
	start := time.Now()
	defer func() { observability.RecordMemoryWrite("replace", time.Since(start)) }()

	if err := validateSessionID(sessionID); err != nil {
		tracing.Fail(span, err)
		return err
	}

	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.writeAtomic(s.memoryPath(sessionID), msgs); err != nil {
		tracing.Fail(span, err)
		return err
	}

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("sessionCode", sessionID).
		Int("messages", len(msgs)).
		Msg("Conversation memory replaced")
	return nil
}

// Clear empties a session's memory. The transcript is kept.
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	_, span := tracing.StartSpan(ctx, tracerName, "conversation.clear", attribute.String("session_code", sessionID))
	defer span.End()

	if err := validateSessionID(sessionID); err != nil {
		tracing.Fail(span, err)
		return err
	}

	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.memoryPath(sessionID)); err != nil && !os.IsNotExist(err) {
		err = fmt.Errorf("failed to clear conversation memory: %w", err)
		tracing.Fail(span, err)
		return err
	}
	return nil
}

// Record appends a user input to the session transcript
func (s *Store) Record(ctx context.Context, sessionID string, entry TranscriptEntry) error {
	_, span := tracing.StartSpan(ctx, tracerName, "conversation.record", attribute.String("session_code", sessionID))
	defer span.End()
	start := time.Now()
	defer func() { observability.RecordMemoryWrite("record", time.Since(start)) }()

	if err := validateSessionID(sessionID); err != nil {
		tracing.Fail(span, err)
		return err
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := appendLines(s.transcriptPath(sessionID), []interface{}{entry}); err != nil {
		tracing.Fail(span, err)
		return err
	}
	return nil
}

// Transcript returns every recorded user input of a session
func (s *Store) Transcript(ctx context.Context, sessionID string) ([]TranscriptEntry, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}

	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	var entries []TranscriptEntry
	err := readLines(ctx, s.transcriptPath(sessionID), func(line []byte) error {
		var e TranscriptEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return err
		}
		entries = append(entries, e)
		return nil
	})
	return entries, err
}

func (s *Store) writeAtomic(path string, msgs []Message) error {
	tempPath := path + ".tmp"

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	w := bufio.NewWriter(file)
	for _, m := range msgs {
		if m.Timestamp.IsZero() {
			m.Timestamp = time.Now()
		}
		data, err := json.Marshal(m)
		if err != nil {
			file.Close()
			os.Remove(tempPath)
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			file.Close()
			os.Remove(tempPath)
			return fmt.Errorf("failed to write message: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to flush temp file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync file: %w", err)
	}
	file.Close()

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace conversation file: %w", err)
	}
	return nil
}

func appendLines(path string, values []interface{}) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open conversation file: %w", err)
	}
	defer file.Close()

	var buf []byte
	for _, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal entry: %w", err)
		}
		buf = append(buf, data...)
		buf = append(buf, '\n')
	}

	if _, err := file.Write(buf); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}
	return nil
}

// readLines calls fn for each non-empty line of path. Lines fn rejects are logged and skipped.
func readLines(ctx context.Context, path string, fn func([]byte) error) error {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open conversation file: %w", err)
	}
	defer file.Close()

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			logger.Warn().
				Str("path", path).
				Int("line", lineNum).
				Err(err).
				Msg("Failed to parse line, skipping")
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read conversation file: %w", err)
	}
	return nil
}
