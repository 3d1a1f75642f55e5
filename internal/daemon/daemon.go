package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/internal/config"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/internal/logger"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/internal/observability"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/internal/tracing"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/agent"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/commandqueue"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/conversation"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/dispatch"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/execlog"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/gateway"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/orchestrator"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/registry"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/toolcall"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/usage"
)

// Daemon represents the ComfyPilot service: every collaborator of the turn pipeline
// plus the gateway in front of it
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	logs         *execlog.SQLiteRepository
	memory       *conversation.Store
	usage        *usage.Counter
	correlator   *toolcall.Correlator
	registry     *registry.Registry
	queue        *commandqueue.CommandQueue
	model        agent.ModelClient
	dispatcher   *dispatch.Dispatcher
	orchestrator *orchestrator.Orchestrator

	// Services
	gatewayServer *gateway.Server
	maintenance   *Maintenance

	lifecycle *LifecycleManager

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

var newModelClient = func(cfg agent.FailoverConfig) (agent.ModelClient, error) {
	return agent.NewFailoverClient(cfg)
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
	}

	if cfg.Tracing.Enabled {
		err := tracing.InitOpenTelemetry(tracing.Options{
			ServiceName:  cfg.Tracing.ServiceName,
			Endpoint:     cfg.Tracing.Endpoint,
			Insecure:     cfg.Tracing.Insecure,
			SamplingRate: cfg.Tracing.SamplingRate,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			log.Info().Str("endpoint", cfg.Tracing.Endpoint).Msg("Tracing initialized successfully")
		}
	}

	if err := d.initializeCoreModules(); err != nil {
		d.closeStores()
		d.shutdownTracing()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		d.closeStores()
		d.shutdownTracing()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.lifecycle = NewLifecycleManager(cfg.Storage.DataDir, log.GetZerolog())
	return d, nil
}

// initializeCoreModules builds the turn pipeline bottom-up
func (d *Daemon) initializeCoreModules() error {
	cfg := d.config
	zl := d.logger.GetZerolog()

	if err := observability.InitAuditLogger(auditPath(cfg.Storage.DataDir)); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to open audit log, audit events are discarded")
	}

	logs, err := execlog.NewSQLiteRepository(cfg.Storage.ExecutionLogPath)
	if err != nil {
		return fmt.Errorf("execution log: %w", err)
	}
	d.logs = logs

	memory, err := conversation.NewStore(cfg.Storage.MemoryDir)
	if err != nil {
		return fmt.Errorf("conversation memory: %w", err)
	}
	d.memory = memory
	d.logger.Info().Str("dir", cfg.Storage.MemoryDir).Msg("Conversation memory initialized")

	d.usage = usage.NewCounter()
	d.correlator = toolcall.NewCorrelator(cfg.Orchestration.ToolCallTimeout)
	d.registry = registry.New()
	d.queue = commandqueue.New()

	model, err := newModelClient(agent.FailoverConfig{
		Profiles:   convertAuthProfiles(cfg.AI.Profiles),
		MaxRetries: cfg.Agent.MaxRetries,
		Logger:     zl,
	})
	if err != nil {
		return fmt.Errorf("model client: %w", err)
	}
	d.model = model

	agents := make(map[string]dispatch.AgentExecutor)
	var summarizer dispatch.Summarizer
	for _, ac := range cfg.ResolvedAgents() {
		loop, err := agent.NewLoop(agent.Config{
			Client: model,
			Memory: memory,
			Usage:  d.usage,
			Tools:  d.correlator,
			Model: agent.ModelConfig{
				Model:         ac.Model,
				Temperature:   ac.Temperature,
				MaxTokens:     ac.MaxTokens,
				SystemPrompt:  ac.SystemPrompt,
				SummaryPrompt: ac.SummaryPrompt,
				MaxRetries:    ac.MaxRetries,
				MaxSteps:      cfg.Orchestration.MaxModelSteps,
			},
			Logger: zl.With().Str("agentCode", ac.Code).Logger(),
		})
		if err != nil {
			return fmt.Errorf("agent %s: %w", ac.Code, err)
		}
		agents[ac.Code] = loop
		if ac.Code == config.DefaultAgentCode {
			summarizer = loop
		}
	}

	dispatcher, err := dispatch.New(dispatch.Config{
		Memory:     memory,
		Usage:      d.usage,
		Summarizer: summarizer,
		Agents:     agents,
		Logger:     zl,
	})
	if err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}
	d.dispatcher = dispatcher

	orch, err := orchestrator.New(orchestrator.Deps{
		Registry:   d.registry,
		Correlator: d.correlator,
		Dispatcher: dispatcher,
		Logs:       logs,
		Queue:      d.queue,
	},
		orchestrator.WithMaxConcurrent(cfg.Orchestration.MaxConcurrentTurns),
		orchestrator.WithLogger(zl),
	)
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	d.orchestrator = orch

	d.logger.Info().
		Int("agents", len(agents)).
		Dur("toolCallTimeout", cfg.Orchestration.ToolCallTimeout).
		Int("maxConcurrentTurns", cfg.Orchestration.MaxConcurrentTurns).
		Msg("Turn pipeline initialized")
	return nil
}

// initializeServices builds the gateway and the maintenance schedule
func (d *Daemon) initializeServices() error {
	cfg := d.config

	server, err := gateway.NewServer(gateway.Config{
		Host:         cfg.Gateway.Host,
		Port:         cfg.Gateway.Port,
		ReadLimit:    cfg.Gateway.ReadLimit,
		MessageRate:  cfg.Gateway.MessageRate,
		MessageBurst: cfg.Gateway.MessageBurst,
		Turns:        d.orchestrator,
		Logger:       d.logger.GetZerolog().With().Str("component", "gateway").Logger(),
	})
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	d.gatewayServer = server

	maintenance, err := NewMaintenance(MaintenanceConfig{
		Schedule:  cfg.Orchestration.SweepSchedule,
		MarkerTTL: cfg.Orchestration.CompletionMarkerTTL,
		Sweeper:   d.orchestrator,
		Logger:    d.logger.GetZerolog(),
	})
	if err != nil {
		return fmt.Errorf("maintenance: %w", err)
	}
	d.maintenance = maintenance
	return nil
}

func convertAuthProfiles(profiles []config.AIProfile) []agent.AuthProfile {
	result := make([]agent.AuthProfile, 0, len(profiles))
	for _, p := range profiles {
		result = append(result, agent.AuthProfile{
			ID:       p.ID,
			Provider: p.Provider,
			APIKey:   p.APIKey,
			BaseURL:  p.BaseURL,
			Priority: p.Priority,
		})
	}
	return result
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.logger.GetZerolog().With().Str("traceId", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Starting ComfyPilot daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.gatewayServer.Start(); err != nil {
		_ = d.lifecycle.Stop()
		d.setStopped()
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	logger.Info().Str("addr", d.gatewayServer.Addr()).Msg("Gateway server started")

	d.maintenance.Start()
	logger.Info().Str("schedule", d.config.Orchestration.SweepSchedule).Msg("Maintenance schedule started")

	logger.Info().Msg("Daemon started successfully")
	return nil
}

// Stop stops the daemon: no new connections, running turns get the shutdown timeout
// to finish, then the stores are closed
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	timeout := d.config.Orchestration.ShutdownTimeout
	d.mu.Unlock()

	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	logger := d.logger.GetZerolog().With().Str("traceId", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping ComfyPilot daemon")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Closing the connections interrupts their turns.
	if err := d.gatewayServer.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop gateway server")
	}

	if err := d.maintenance.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop maintenance schedule")
	}

	if !d.orchestrator.Drain(time.Until(deadlineOf(ctx))) {
		logger.Warn().Msg("Timeout waiting for running turns")
	}

	if err := d.queue.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close command queue")
	}
	logger.Info().Msg("Command queue stopped")

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.closeStores()
	d.shutdownTracing()

	if err := observability.GetAuditLogger().Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}

	logger.Info().Msg("Daemon stopped successfully")
	return nil
}

// Reload applies the settings that can change without a restart: the log level and
// the tool-call timeout for calls registered from now on
func (d *Daemon) Reload(cfg *config.Config) {
	d.mu.Lock()
	d.config.Logging.Level = cfg.Logging.Level
	d.config.Orchestration.ToolCallTimeout = cfg.Orchestration.ToolCallTimeout
	d.mu.Unlock()

	if err := d.logger.SetLevel(cfg.Logging.Level); err != nil {
		d.logger.Warn().Err(err).Msg("Ignoring invalid log level")
	}
	d.correlator.SetTimeout(cfg.Orchestration.ToolCallTimeout)

	observability.RecordConfigAudit(context.Background(), "config_reloaded", "file", map[string]interface{}{
		"logLevel":        cfg.Logging.Level,
		"toolCallTimeout": cfg.Orchestration.ToolCallTimeout.String(),
	})
	d.logger.Info().
		Str("logLevel", cfg.Logging.Level).
		Dur("toolCallTimeout", cfg.Orchestration.ToolCallTimeout).
		Msg("Configuration reloaded")
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

func (d *Daemon) closeStores() {
	if d.logs != nil {
		if err := d.logs.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close execution log")
		}
		d.logs = nil
	}
}

func (d *Daemon) shutdownTracing() {
	if !d.tracingEnabled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
		d.logger.Error().Err(err).Msg("Failed to shutdown tracing")
	}
	d.tracingEnabled = false
}

func deadlineOf(ctx context.Context) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return time.Now()
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
		status.Clients = len(d.gatewayServer.GetConnectedClients())
		status.Addr = d.gatewayServer.Addr()
	}

	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetOrchestrator returns the turn orchestrator
func (d *Daemon) GetOrchestrator() *orchestrator.Orchestrator {
	return d.orchestrator
}

// GetGatewayServer returns the websocket gateway
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}

// Status is a point-in-time view of the daemon
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
	Clients   int
	Addr      string
}
