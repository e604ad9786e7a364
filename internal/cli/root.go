// Package cli wires the mnemo cobra commands. "start" runs the daemon in the
// foreground; every other command opens the workspace, does one thing and
// exits.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X ...cli.version=...".
var version = "0.1.0"

var (
	cfgFile    string
	logLevel   string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "mnemo",
	Short: "mnemo - durable memory engine for agents",
	Long: `mnemo indexes markdown memory files for hybrid (semantic + keyword) search,
persists conversation turns, and consolidates them into durable notes.
Run it as a daemon with "mnemo start" or use the one-shot commands against
the same workspace.`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: checkGlobalFlags,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default $HOME/.mnemo/mnemo.json)")
	flags.StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	flags.BoolVar(&jsonOutput, "json", false, "print machine-readable JSON")

	rootCmd.SetVersionTemplate("{{.Name}} version {{.Version}}\n")
}

func checkGlobalFlags(_ *cobra.Command, _ []string) error {
	switch logLevel {
	case "", "debug", "info", "warn", "error":
		return nil
	}
	return fmt.Errorf("invalid --log-level %q", logLevel)
}

// GetRootCmd exposes the command tree to tests.
func GetRootCmd() *cobra.Command { return rootCmd }

func GetVersion() string { return version }
