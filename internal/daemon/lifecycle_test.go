package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycleManager(t *testing.T) {
	t.Run("should write and remove the PID file", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "data")
		lm := NewLifecycleManager(dir, zerolog.Nop())
		assert.Equal(t, filepath.Join(dir, PIDFileName), lm.PIDFile())

		require.NoError(t, lm.Start())
		pid, err := ReadPID(lm.PIDFile())
		require.NoError(t, err)
		assert.Equal(t, os.Getpid(), pid)

		require.NoError(t, lm.Stop())
		_, err = os.Stat(lm.PIDFile())
		assert.True(t, os.IsNotExist(err))

		assert.NoError(t, lm.Stop())
	})

	t.Run("should replace a stale PID file", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(PIDFilePath(dir), []byte("999999999"), 0644))

		lm := NewLifecycleManager(dir, zerolog.Nop())
		require.NoError(t, lm.Start())

		pid, err := ReadPID(lm.PIDFile())
		require.NoError(t, err)
		assert.Equal(t, os.Getpid(), pid)
	})
}

func TestReadPID(t *testing.T) {
	t.Run("should parse a PID with trailing newline", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "x.pid")
		require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(1234)+"\n"), 0644))

		pid, err := ReadPID(path)
		require.NoError(t, err)
		assert.Equal(t, 1234, pid)
	})

	t.Run("should reject garbage", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "x.pid")
		require.NoError(t, os.WriteFile(path, []byte("abc"), 0644))

		_, err := ReadPID(path)
		assert.Error(t, err)
	})

	t.Run("should fail on a missing file", func(t *testing.T) {
		_, err := ReadPID(filepath.Join(t.TempDir(), "missing.pid"))
		assert.True(t, os.IsNotExist(err))
	})
}

func TestIsProcessRunning(t *testing.T) {
	assert.True(t, IsProcessRunning(os.Getpid()))
	assert.False(t, IsProcessRunning(0))
	assert.False(t, IsProcessRunning(-1))
}
