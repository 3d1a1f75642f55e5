package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. COMFYPILOT_GATEWAY_PORT
const EnvPrefix = "COMFYPILOT"

// Loader handles configuration loading
type Loader struct {
	configPath string

	mu sync.Mutex
	v  *viper.Viper
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load loads the configuration from file. A missing file yields the defaults,
// still subject to environment overrides.
func (l *Loader) Load() (*Config, error) {
	configPath, err := l.resolvePath()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.v = v
	l.mu.Unlock()
	return cfg, nil
}

// Watch reloads the file on every change and hands the new config to onChange.
// Invalid edits are reported to onError and otherwise ignored. Load must have read
// an existing file first.
func (l *Loader) Watch(onChange func(*Config), onError func(error)) error {
	l.mu.Lock()
	v := l.v
	l.mu.Unlock()

	if v == nil || v.ConfigFileUsed() == "" {
		return fmt.Errorf("no config file loaded to watch")
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decode(v)
		if err == nil {
			err = cfg.Validate()
		}
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

// Save writes cfg as JSON to the config path
func (l *Loader) Save(cfg *Config) error {
	configPath, err := l.resolvePath()
	if err != nil {
		return err
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	settings, err := settingsOf(cfg)
	if err != nil {
		return err
	}

	v := viper.New()
	v.SetConfigType("json")
	for key, value := range settings {
		v.Set(key, value)
	}
	if err := v.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	path, err := l.resolvePath()
	if err != nil {
		return ""
	}
	return path
}

func (l *Loader) resolvePath() (string, error) {
	if l.configPath != "" {
		return l.configPath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".comfypilot", "comfypilot.json"), nil
}

// decode unmarshals v over the defaults and fills derived paths
func decode(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Storage.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.Storage.DataDir = filepath.Join(home, ".comfypilot")
	}
	if cfg.Storage.MemoryDir == "" {
		cfg.Storage.MemoryDir = filepath.Join(cfg.Storage.DataDir, "memory")
	}
	if cfg.Storage.ExecutionLogPath == "" {
		cfg.Storage.ExecutionLogPath = filepath.Join(cfg.Storage.DataDir, "executions.db")
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.Storage.DataDir, "comfypilot.log")
	}
	return cfg, nil
}

// setDefaults registers every scalar key so AutomaticEnv can override it
func setDefaults(v *viper.Viper, cfg *Config) {
	defaults := map[string]interface{}{
		"gateway.port":          cfg.Gateway.Port,
		"gateway.host":          cfg.Gateway.Host,
		"gateway.read_limit":    cfg.Gateway.ReadLimit,
		"gateway.message_rate":  cfg.Gateway.MessageRate,
		"gateway.message_burst": cfg.Gateway.MessageBurst,

		"orchestration.tool_call_timeout":     cfg.Orchestration.ToolCallTimeout,
		"orchestration.max_model_steps":       cfg.Orchestration.MaxModelSteps,
		"orchestration.max_concurrent_turns":  cfg.Orchestration.MaxConcurrentTurns,
		"orchestration.completion_marker_ttl": cfg.Orchestration.CompletionMarkerTTL,
		"orchestration.sweep_schedule":        cfg.Orchestration.SweepSchedule,
		"orchestration.shutdown_timeout":      cfg.Orchestration.ShutdownTimeout,

		"agent.code":           cfg.Agent.Code,
		"agent.model":          cfg.Agent.Model,
		"agent.system_prompt":  cfg.Agent.SystemPrompt,
		"agent.summary_prompt": cfg.Agent.SummaryPrompt,
		"agent.temperature":    cfg.Agent.Temperature,
		"agent.max_tokens":     cfg.Agent.MaxTokens,
		"agent.max_retries":    cfg.Agent.MaxRetries,

		"storage.data_dir":           cfg.Storage.DataDir,
		"storage.memory_dir":         cfg.Storage.MemoryDir,
		"storage.execution_log_path": cfg.Storage.ExecutionLogPath,

		"logging.level":       cfg.Logging.Level,
		"logging.file":        cfg.Logging.File,
		"logging.pretty":      cfg.Logging.Pretty,
		"logging.max_size":    cfg.Logging.MaxSize,
		"logging.max_age":     cfg.Logging.MaxAge,
		"logging.max_backups": cfg.Logging.MaxBackups,
		"logging.compress":    cfg.Logging.Compress,
		"logging.redaction":   cfg.Logging.Redaction,

		"tracing.enabled":       cfg.Tracing.Enabled,
		"tracing.service_name":  cfg.Tracing.ServiceName,
		"tracing.endpoint":      cfg.Tracing.Endpoint,
		"tracing.insecure":      cfg.Tracing.Insecure,
		"tracing.sampling_rate": cfg.Tracing.SamplingRate,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// settingsOf converts cfg to the generic map viper writes, with durations
// in their readable form
func settingsOf(cfg *Config) (map[string]interface{}, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	var settings map[string]interface{}
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}

	if orch, ok := settings["orchestration"].(map[string]interface{}); ok {
		orch["tool_call_timeout"] = cfg.Orchestration.ToolCallTimeout.String()
		orch["completion_marker_ttl"] = cfg.Orchestration.CompletionMarkerTTL.String()
		orch["shutdown_timeout"] = cfg.Orchestration.ShutdownTimeout.String()
	}
	return settings, nil
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
