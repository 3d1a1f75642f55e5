package cli

import (
	"encoding/json"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/internal/daemon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusCommand(t *testing.T) {
	t.Run("should report a stopped daemon", func(t *testing.T) {
		path := writeConfig(t, t.TempDir(), nil)

		out, err := execute(t, "status", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "Status: stopped")
	})

	t.Run("should report a running daemon from its PID file", func(t *testing.T) {
		dataDir := t.TempDir()
		pid := strconv.Itoa(os.Getpid())
		require.NoError(t, os.WriteFile(daemon.PIDFilePath(dataDir), []byte(pid), 0644))
		path := writeConfig(t, dataDir, map[string]interface{}{
			"gateway": map[string]interface{}{"host": "127.0.0.1", "port": 9090},
		})

		out, err := execute(t, "status", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "Status: running")
		assert.Contains(t, out, "PID: "+pid)
		assert.Contains(t, out, "Uptime:")
		assert.Contains(t, out, "Gateway: 127.0.0.1:9090")
	})

	t.Run("should print JSON when asked", func(t *testing.T) {
		path := writeConfig(t, t.TempDir(), map[string]interface{}{
			"gateway": map[string]interface{}{"host": "127.0.0.1", "port": 9091},
		})

		out, err := execute(t, "status", "--json", "--config", path)
		require.NoError(t, err)

		var st map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(out), &st))
		assert.Equal(t, false, st["running"])
		assert.Equal(t, "127.0.0.1:9091", st["gateway"])
		assert.NotContains(t, st, "pid")
	})
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{"seconds only", 45 * time.Second, "45s"},
		{"minutes and seconds", 2*time.Minute + 30*time.Second, "2m30s"},
		{"hours minutes seconds", 3*time.Hour + 15*time.Minute + 20*time.Second, "3h15m20s"},
		{"zero", 0, "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatDuration(tt.duration))
		})
	}
}
