package cli

import (
	"fmt"

	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/internal/config"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/internal/daemon"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/internal/logger"
	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the ComfyPilot daemon",
	Long: `Start the ComfyPilot daemon in the foreground.
The websocket gateway accepts clients until SIGINT or SIGTERM. Changes to the
log level and tool-call timeout in the config file apply without a restart.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, loader, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	pidFile := daemon.PIDFilePath(cfg.Storage.DataDir)
	if isRunning(pidFile) {
		return fmt.Errorf("daemon is already running (PID file: %s)", pidFile)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		Console:    true,
		Pretty:     cfg.Logging.Pretty,
		Redaction:  cfg.Logging.Redaction,
		MaxSize:    cfg.Logging.MaxSize,
		MaxAge:     cfg.Logging.MaxAge,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	for _, warning := range config.NewValidator().ValidateConfig(cfg) {
		log.Warn().Err(warning).Msg("Configuration warning")
	}

	d, err := daemon.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	if err := d.Start(); err != nil {
		return err
	}

	if err := loader.Watch(d.Reload, func(err error) {
		log.Warn().Err(err).Msg("Ignoring invalid configuration change")
	}); err != nil {
		log.Info().Err(err).Msg("Configuration hot reload disabled")
	}

	d.Wait()
	return nil
}

func isRunning(pidFile string) bool {
	pid, err := daemon.ReadPID(pidFile)
	if err != nil {
		return false
	}
	return daemon.IsProcessRunning(pid)
}
