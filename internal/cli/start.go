package cli

import (
	"fmt"

	"github.com/harun/mnemo/internal/daemon"
	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the mnemo daemon service",
	Long: `Start the mnemo daemon in the foreground.
The daemon watches the workspace, re-indexes changed memory files on a schedule,
prunes old conversations and serves Prometheus metrics. Stop it with
"mnemo stop" or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// checked before the runtime opens the stores
	if pf := daemon.NewPIDFile(cfg.PIDFile()); pf.Alive() {
		pid, _ := pf.Read()
		return fmt.Errorf("daemon is already running with pid %d", pid)
	}

	log, err := newLogger(cfg, true)
	if err != nil {
		return err
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		_ = d.GetRuntime().Close()
		return err
	}
	d.Wait()
	return nil
}
