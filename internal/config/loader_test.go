package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoader(t *testing.T) {
	loader := NewLoader("/path/to/config.json")
	assert.NotNil(t, loader)
	assert.Equal(t, "/path/to/config.json", loader.GetConfigPath())
}

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
}

func TestLoaderLoad(t *testing.T) {
	t.Run("load default config when file doesn't exist", func(t *testing.T) {
		tmpDir := t.TempDir()
		t.Setenv("COMFYPILOT_STORAGE_DATA_DIR", tmpDir)

		cfg, err := NewLoader(filepath.Join(tmpDir, "nonexistent.json")).Load()

		require.NoError(t, err)
		assert.Equal(t, 8080, cfg.Gateway.Port)
		assert.Equal(t, tmpDir, cfg.Storage.DataDir)
	})

	t.Run("load config from file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")
		writeConfig(t, configPath, `{
			"gateway": {"port": 9001},
			"orchestration": {"tool_call_timeout": "45s"},
			"agent": {"model": "gpt-4o"},
			"agents": [{"code": "workflow", "system_prompt": "build workflows"}],
			"ai": {"profiles": [{"id": "main", "provider": "openai", "api_key": "sk-x", "priority": 1}]},
			"storage": {"data_dir": "`+tmpDir+`"}
		}`)

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, 9001, cfg.Gateway.Port)
		assert.Equal(t, "0.0.0.0", cfg.Gateway.Host)
		assert.Equal(t, 45*time.Second, cfg.Orchestration.ToolCallTimeout)
		assert.Equal(t, 25, cfg.Orchestration.MaxModelSteps)
		assert.Equal(t, "gpt-4o", cfg.Agent.Model)
		require.Len(t, cfg.Agents, 1)
		assert.Equal(t, "workflow", cfg.Agents[0].Code)
		require.Len(t, cfg.AI.Profiles, 1)
		assert.Equal(t, "openai", cfg.AI.Profiles[0].Provider)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("set default paths", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")
		writeConfig(t, configPath, `{"storage": {"data_dir": "`+tmpDir+`"}}`)

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, filepath.Join(tmpDir, "memory"), cfg.Storage.MemoryDir)
		assert.Equal(t, filepath.Join(tmpDir, "executions.db"), cfg.Storage.ExecutionLogPath)
		assert.Equal(t, filepath.Join(tmpDir, "comfypilot.log"), cfg.Logging.File)
	})

	t.Run("environment overrides file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")
		writeConfig(t, configPath, `{"gateway": {"port": 9001}, "storage": {"data_dir": "`+tmpDir+`"}}`)
		t.Setenv("COMFYPILOT_GATEWAY_PORT", "9100")
		t.Setenv("COMFYPILOT_ORCHESTRATION_TOOL_CALL_TIMEOUT", "2m")

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, 9100, cfg.Gateway.Port)
		assert.Equal(t, 2*time.Minute, cfg.Orchestration.ToolCallTimeout)
	})

	t.Run("invalid JSON", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "config.json")
		writeConfig(t, configPath, `{not json`)

		_, err := NewLoader(configPath).Load()
		assert.Error(t, err)
	})
}

func TestLoaderSave(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nested", "config.json")

	cfg := validConfig()
	cfg.Storage.DataDir = tmpDir
	cfg.Orchestration.ToolCallTimeout = 90 * time.Second

	loader := NewLoader(configPath)
	require.NoError(t, loader.Save(cfg))

	raw, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"1m30s"`)

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, loaded.Orchestration.ToolCallTimeout)
	require.Len(t, loaded.AI.Profiles, 1)
	assert.Equal(t, "test-profile", loaded.AI.Profiles[0].ID)
}

func TestLoaderWatch(t *testing.T) {
	t.Run("requires a loaded file", func(t *testing.T) {
		loader := NewLoader(filepath.Join(t.TempDir(), "missing.json"))
		assert.Error(t, loader.Watch(func(*Config) {}, nil))
	})

	t.Run("reloads on change", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")
		cfg := validConfig()
		cfg.Storage.DataDir = tmpDir

		loader := NewLoader(configPath)
		require.NoError(t, loader.Save(cfg))
		_, err := loader.Load()
		require.NoError(t, err)

		changes := make(chan *Config, 8)
		require.NoError(t, loader.Watch(func(c *Config) { changes <- c }, nil))

		cfg.Logging.Level = "debug"
		require.NoError(t, loader.Save(cfg))

		// A write may surface as several events; wait for the one carrying the edit.
		deadline := time.After(5 * time.Second)
		for {
			select {
			case got := <-changes:
				if got.Logging.Level == "debug" {
					return
				}
			case <-deadline:
				t.Fatal("config change not observed")
			}
		}
	})
}
