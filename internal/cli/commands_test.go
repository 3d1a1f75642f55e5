package cli

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitCommand(t *testing.T) {
	t.Run("should write the default configuration", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "comfypilot.json")

		out, err := execute(t, "init", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, path)

		cfg, err := config.Load(path)
		require.NoError(t, err)
		assert.Equal(t, config.DefaultConfig().Gateway.Port, cfg.Gateway.Port)
		assert.Equal(t, config.DefaultConfig().Orchestration.ToolCallTimeout, cfg.Orchestration.ToolCallTimeout)
		require.Len(t, cfg.AI.Profiles, 1)
		assert.Equal(t, "anthropic", cfg.AI.Profiles[0].Provider)
	})

	t.Run("should refuse to overwrite without force", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "comfypilot.json")
		require.NoError(t, os.WriteFile(path, []byte(`{}`), 0644))

		_, err := execute(t, "init", "--config", path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already exists")

		_, err = execute(t, "init", "--config", path, "--force")
		require.NoError(t, err)
	})
}

func TestStartCommand(t *testing.T) {
	t.Run("should refuse an invalid configuration", func(t *testing.T) {
		path := writeConfig(t, t.TempDir(), nil)

		_, err := execute(t, "start", "--config", path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid configuration")
	})
}

func TestStopCommand(t *testing.T) {
	t.Run("should fail when the daemon is not running", func(t *testing.T) {
		path := writeConfig(t, t.TempDir(), nil)

		_, err := execute(t, "stop", "--config", path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not running")
	})
}

func TestLoadConfig(t *testing.T) {
	t.Run("should apply an explicit log level", func(t *testing.T) {
		path := writeConfig(t, t.TempDir(), map[string]interface{}{
			"logging": map[string]interface{}{"level": "warn"},
		})

		cmd := GetRootCmd()
		require.NoError(t, cmd.ParseFlags([]string{"--config", path}))
		defer func() { cfgFile = "" }()
		cfg, _, err := loadConfig(cmd)
		require.NoError(t, err)
		assert.Equal(t, "warn", cfg.Logging.Level)
	})
}

func TestWaitForExit(t *testing.T) {
	t.Run("should return at once for a dead process", func(t *testing.T) {
		assert.True(t, waitForExit(999999999, time.Second))
	})

	t.Run("should give up on a live process after the timeout", func(t *testing.T) {
		start := time.Now()
		assert.False(t, waitForExit(os.Getpid(), 150*time.Millisecond))
		assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	})
}
