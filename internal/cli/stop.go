package cli

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/harun/mnemo/internal/daemon"
	"github.com/spf13/cobra"
)

var stopGrace time.Duration

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the mnemo daemon service",
	Long: `Stop the mnemo daemon gracefully.
SIGTERM lets the daemon finish its current sync and flush. If it is still
alive after --timeout it is killed.`,
	Args: cobra.NoArgs,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().DurationVar(&stopGrace, "timeout", 30*time.Second, "how long to wait for a graceful shutdown")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pf := daemon.NewPIDFile(cfg.PIDFile())

	pid, err := daemon.SignalStop(pf.Path())
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("daemon is not running")
	}
	if err != nil {
		return err
	}

	if waitForExit(pid, stopGrace) {
		_ = pf.Release()
		fmt.Fprintf(out(cmd), "Daemon (pid %d) stopped\n", pid)
		return nil
	}

	fmt.Fprintf(out(cmd), "Daemon did not exit within %s, killing pid %d\n", stopGrace, pid)
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}
	if err := proc.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to send SIGKILL: %w", err)
	}
	_ = pf.Release()
	return nil
}

// waitForExit polls pid until it disappears or grace elapses.
func waitForExit(pid int, grace time.Duration) bool {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(grace)

	for daemon.ProcessAlive(pid) {
		select {
		case <-ticker.C:
		case <-deadline:
			return !daemon.ProcessAlive(pid)
		}
	}
	return true
}
