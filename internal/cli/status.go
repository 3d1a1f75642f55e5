package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/internal/config"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/internal/daemon"
	"github.com/spf13/cobra"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Report whether the ComfyPilot daemon is running, where its gateway listens and where turns are logged.`,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print status as JSON")
	rootCmd.AddCommand(statusCmd)
}

type daemonStatus struct {
	Running      bool   `json:"running"`
	PID          int    `json:"pid,omitempty"`
	Uptime       string `json:"uptime,omitempty"`
	Gateway      string `json:"gateway"`
	ExecutionLog string `json:"executionLog"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	st := probeStatus(cfg)
	if statusJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	printStatus(cmd.OutOrStdout(), st)
	return nil
}

func probeStatus(cfg *config.Config) daemonStatus {
	st := daemonStatus{
		Gateway:      fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
		ExecutionLog: cfg.Storage.ExecutionLogPath,
	}

	pidFile := daemon.PIDFilePath(cfg.Storage.DataDir)
	pid, err := daemon.ReadPID(pidFile)
	if err != nil || !daemon.IsProcessRunning(pid) {
		return st
	}
	st.Running = true
	st.PID = pid
	// written once at startup, so its mtime is the start time
	if info, err := os.Stat(pidFile); err == nil {
		st.Uptime = formatDuration(time.Since(info.ModTime()))
	}
	return st
}

func printStatus(w io.Writer, st daemonStatus) {
	if !st.Running {
		fmt.Fprintln(w, "Status: stopped")
		return
	}
	fmt.Fprintln(w, "Status: running")
	fmt.Fprintf(w, "PID: %d\n", st.PID)
	if st.Uptime != "" {
		fmt.Fprintf(w, "Uptime: %s\n", st.Uptime)
	}
	fmt.Fprintf(w, "Gateway: %s\n", st.Gateway)
	fmt.Fprintf(w, "Execution log: %s\n", st.ExecutionLog)
}

// formatDuration renders d at second precision, dropping leading zero units
func formatDuration(d time.Duration) string {
	total := int(d.Round(time.Second) / time.Second)
	h, m, s := total/3600, total/60%60, total%60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm%ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
