package logger

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// RotatingWriter is a size-rotated log file backed by lumberjack
type RotatingWriter struct {
	*lumberjack.Logger
}

// NewRotatingWriter creates the log directory and returns a writer that rotates
// filename once it exceeds maxSizeMB, keeping at most maxBackups files for maxAge days
func NewRotatingWriter(filename string, maxSizeMB, maxAge, maxBackups int, compress bool) (*RotatingWriter, error) {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 100
	}

	return &RotatingWriter{
		Logger: &lumberjack.Logger{
			Filename:   filename,
			MaxSize:    maxSizeMB,
			MaxAge:     maxAge,
			MaxBackups: maxBackups,
			Compress:   compress,
			LocalTime:  true,
		},
	}, nil
}
