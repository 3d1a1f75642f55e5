package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRotatingWriter(t *testing.T) {
	t.Run("should create the log directory", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "subdir", "test.log")

		rw, err := NewRotatingWriter(logFile, 10, 7, 3, false)
		require.NoError(t, err)
		defer rw.Close()

		_, err = os.Stat(filepath.Dir(logFile))
		assert.NoError(t, err)
		assert.Equal(t, 10, rw.MaxSize)
		assert.Equal(t, 3, rw.MaxBackups)
	})

	t.Run("should default the size limit", func(t *testing.T) {
		rw, err := NewRotatingWriter(filepath.Join(t.TempDir(), "test.log"), 0, 0, 0, false)
		require.NoError(t, err)
		defer rw.Close()

		assert.Equal(t, 100, rw.MaxSize)
	})
}

func TestRotate(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "test.log")

	rw, err := NewRotatingWriter(logFile, 10, 0, 0, false)
	require.NoError(t, err)
	defer rw.Close()

	_, err = rw.Write([]byte("before rotation\n"))
	require.NoError(t, err)
	require.NoError(t, rw.Rotate())
	_, err = rw.Write([]byte("after rotation\n"))
	require.NoError(t, err)

	current, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Equal(t, "after rotation\n", string(current))

	backups, err := filepath.Glob(filepath.Join(dir, "test-*.log"))
	require.NoError(t, err)
	require.Len(t, backups, 1)

	old, err := os.ReadFile(backups[0])
	require.NoError(t, err)
	assert.Equal(t, "before rotation\n", string(old))
}
