package cli

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/internal/daemon"
	"github.com/spf13/cobra"
)

var stopTimeout time.Duration

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the ComfyPilot daemon",
	Long: `Ask the ComfyPilot daemon to shut down.
Running turns are interrupted and finalized before the process exits. If it is
still alive after --timeout it is killed.`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().DurationVar(&stopTimeout, "timeout", 30*time.Second, "how long to wait for a graceful shutdown")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	pidFile := daemon.PIDFilePath(cfg.Storage.DataDir)
	pid, err := daemon.ReadPID(pidFile)
	if err != nil || !daemon.IsProcessRunning(pid) {
		return fmt.Errorf("daemon is not running")
	}

	// FindProcess cannot fail on unix
	proc, _ := os.FindProcess(pid)
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal daemon %d: %w", pid, err)
	}

	out := cmd.OutOrStdout()
	if waitForExit(pid, stopTimeout) {
		fmt.Fprintln(out, "Daemon stopped")
		return nil
	}

	fmt.Fprintf(out, "Daemon still running after %s, killing it\n", stopTimeout)
	if err := proc.Kill(); err != nil {
		return fmt.Errorf("kill daemon %d: %w", pid, err)
	}
	// a killed daemon cannot clean up after itself
	_ = os.Remove(pidFile)
	return nil
}

func waitForExit(pid int, timeout time.Duration) bool {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(timeout)
	for daemon.IsProcessRunning(pid) {
		select {
		case <-ticker.C:
		case <-deadline:
			return false
		}
	}
	return true
}
