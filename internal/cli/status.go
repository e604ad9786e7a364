package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/harun/mnemo/internal/daemon"
	"github.com/harun/mnemo/pkg/memory"
	"github.com/harun/mnemo/pkg/session"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and index status",
	Long:  `Show whether the mnemo daemon is running along with index and conversation counts.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

type statusReport struct {
	Daemon        daemonReport  `json:"daemon"`
	Memory        memory.Status `json:"memory"`
	Conversations session.Stats `json:"conversations"`
	Consolidation bool          `json:"consolidation_enabled"`
}

type daemonReport struct {
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
	Uptime  string `json:"uptime,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withRuntime(func(rt *daemon.Runtime) error {
		report := statusReport{
			Daemon:        readDaemonReport(rt.Config.PIDFile()),
			Consolidation: rt.ConsolidationEnabled(),
		}

		var err error
		if report.Memory, err = rt.Memory.Status(cmd.Context()); err != nil {
			return err
		}
		if report.Conversations, err = rt.Conversations.Stats(cmd.Context()); err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(out(cmd), report)
		}

		w := out(cmd)
		if report.Daemon.Running {
			fmt.Fprintf(w, "Status: running\n")
			fmt.Fprintf(w, "PID: %d\n", report.Daemon.PID)
			if report.Daemon.Uptime != "" {
				fmt.Fprintf(w, "Uptime: %s\n", report.Daemon.Uptime)
			}
		} else {
			fmt.Fprintf(w, "Status: stopped\n")
		}

		m := report.Memory
		fmt.Fprintf(w, "\nWorkspace: %s\n", m.Workspace)
		fmt.Fprintf(w, "Search mode: %s\n", m.SearchMode)
		fmt.Fprintf(w, "Embeddings: %s (%s)\n", m.EmbeddingProvider, m.EmbeddingModel)
		fmt.Fprintf(w, "Files: %d\n", m.Files)
		fmt.Fprintf(w, "Chunks: %d (%d embedded)\n", m.Chunks, m.Embedded)
		fmt.Fprintf(w, "\nSessions: %d\n", report.Conversations.TotalSessions)
		fmt.Fprintf(w, "Messages: %d\n", report.Conversations.TotalMessages)
		fmt.Fprintf(w, "Consolidation: %v\n", report.Consolidation)
		return nil
	})
}

func readDaemonReport(pidFile string) daemonReport {
	pf := daemon.NewPIDFile(pidFile)
	pid, err := pf.Read()
	if err != nil || !daemon.ProcessAlive(pid) {
		return daemonReport{}
	}

	report := daemonReport{Running: true, PID: pid}
	// the pid file is written once at startup
	if info, err := os.Stat(pf.Path()); err == nil {
		report.Uptime = formatDuration(time.Since(info.ModTime()))
	}
	return report
}
