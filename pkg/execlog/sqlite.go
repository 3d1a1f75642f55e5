package execlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS execution_logs (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	request_id TEXT NOT NULL,
	agent_code TEXT NOT NULL DEFAULT '',
	input TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	output TEXT,
	error_message TEXT,
	created_at TIMESTAMP NOT NULL,
	finished_at TIMESTAMP,
	duration_ms INTEGER
);
CREATE INDEX IF NOT EXISTS idx_execution_logs_session ON execution_logs(session_id, created_at);
`

// SQLiteRepository stores execution logs in a SQLite database
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository opens (or creates) the database at path and applies the schema
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	log.Info().Str("path", path).Msg("Execution log database ready")
	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Save inserts a new entry
func (r *SQLiteRepository) Save(ctx context.Context, e *Entry) error {
	if e == nil {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO execution_logs (id, session_id, request_id, agent_code, input, status, output, error_message, created_at, finished_at, duration_ms)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)
	`,
		e.ID,
		e.SessionID,
		e.RequestID,
		e.AgentCode,
		e.Input,
		string(e.Status),
		nullableString(e.Output),
		nullableString(e.Error),
		e.CreatedAt,
		nullTime(e.FinishedAt),
		nullDuration(e.Duration, e.Status),
	)
	if err != nil {
		return fmt.Errorf("save execution log: %w", err)
	}
	return nil
}

// Finalize moves a RUNNING entry to its terminal status
func (r *SQLiteRepository) Finalize(ctx context.Context, id string, f Final) error {
	if !f.Status.IsTerminal() {
		return fmt.Errorf("finalize execution log: %s is not a terminal status", f.Status)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE execution_logs
		SET status = ?,
			output = ?,
			error_message = ?,
			finished_at = ?,
			duration_ms = ?
		WHERE id = ? AND status = ?
	`,
		string(f.Status),
		nullableString(f.Output),
		nullableString(f.Error),
		time.Now(),
		f.Duration.Milliseconds(),
		id,
		string(StatusRunning),
	)
	if err != nil {
		return fmt.Errorf("finalize execution log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize execution log: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("finalize execution log %s: %w", id, ErrAlreadyFinalized)
	}
	return nil
}

// Get returns an entry by id
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Entry, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, session_id, request_id, agent_code, input, status, output, error_message, created_at, finished_at, duration_ms
		FROM execution_logs WHERE id = ?
	`, id)

	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution log: %w", err)
	}
	return e, nil
}

// ListBySession returns the newest entries of a session first
func (r *SQLiteRepository) ListBySession(ctx context.Context, sessionID string, limit int) ([]*Entry, error) {
	query := `
		SELECT id, session_id, request_id, agent_code, input, status, output, error_message, created_at, finished_at, duration_ms
		FROM execution_logs
		WHERE session_id = ?
		ORDER BY created_at DESC`
	args := []any{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list execution logs: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution log: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list execution logs: %w", err)
	}
	return entries, nil
}

type entryScanner interface {
	Scan(dest ...any) error
}

func scanEntry(scanner entryScanner) (*Entry, error) {
	var (
		e          Entry
		status     string
		output     sql.NullString
		errText    sql.NullString
		finishedAt sql.NullTime
		durationMs sql.NullInt64
	)
	if err := scanner.Scan(
		&e.ID,
		&e.SessionID,
		&e.RequestID,
		&e.AgentCode,
		&e.Input,
		&status,
		&output,
		&errText,
		&e.CreatedAt,
		&finishedAt,
		&durationMs,
	); err != nil {
		return nil, err
	}
	e.Status = Status(status)
	e.Output = output.String
	e.Error = errText.String
	if finishedAt.Valid {
		e.FinishedAt = finishedAt.Time
	}
	if durationMs.Valid {
		e.Duration = time.Duration(durationMs.Int64) * time.Millisecond
	}
	return &e, nil
}

func nullableString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func nullTime(value time.Time) sql.NullTime {
	if value.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: value, Valid: true}
}

func nullDuration(d time.Duration, status Status) sql.NullInt64 {
	if !status.IsTerminal() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: d.Milliseconds(), Valid: true}
}
