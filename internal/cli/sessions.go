package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/harun/mnemo/internal/daemon"
	"github.com/harun/mnemo/pkg/session"
	"github.com/spf13/cobra"
)

var (
	sessionsLimit   int
	historyPage     int
	historyPageSize int
	pruneMaxAgeDays int
	flushTokens     int
	flushUserID     string
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and maintain stored conversations",
}

var sessionsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show conversation counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(func(rt *daemon.Runtime) error {
			stats, err := rt.Conversations.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(out(cmd), stats)
			}
			w := out(cmd)
			fmt.Fprintf(w, "Sessions: %d\n", stats.TotalSessions)
			fmt.Fprintf(w, "Messages: %d\n", stats.TotalMessages)
			for channel, n := range stats.ByChannel {
				fmt.Fprintf(w, "  %s: %d\n", channel, n)
			}
			return nil
		})
	},
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions by most recent activity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(func(rt *daemon.Runtime) error {
			sessions, err := rt.Conversations.ListSessions(cmd.Context(), sessionsLimit)
			if err != nil {
				return err
			}
			if jsonOutput {
				if sessions == nil {
					sessions = []session.Session{}
				}
				return printJSON(out(cmd), sessions)
			}

			tw := tabwriter.NewWriter(out(cmd), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "SESSION\tCHANNEL\tMESSAGES\tLAST ACTIVE")
			for _, s := range sessions {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", s.SessionID, s.ChannelType, s.MsgCount, formatTime(s.LastActive))
			}
			return tw.Flush()
		})
	},
}

var sessionsHistoryCmd = &cobra.Command{
	Use:   "history <session-id>",
	Short: "Show a page of conversation turns, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(func(rt *daemon.Runtime) error {
			page, err := rt.Conversations.PaginateTurns(cmd.Context(), args[0], historyPage, historyPageSize)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(out(cmd), page)
			}

			w := out(cmd)
			for _, t := range page.Turns {
				fmt.Fprintf(w, "[%s] %s: %s\n", formatTime(t.CreatedAt), t.Role, t.Content)
				if len(t.ToolCalls) > 0 {
					fmt.Fprintf(w, "    (%d tool calls)\n", len(t.ToolCalls))
				}
			}
			fmt.Fprintf(w, "\nPage %d, %d of %d turns", page.Page, len(page.Turns), page.Total)
			if page.HasMore {
				fmt.Fprint(w, " (more)")
			}
			fmt.Fprintln(w)
			return nil
		})
	},
}

var sessionsClearCmd = &cobra.Command{
	Use:   "clear <session-id>",
	Short: "Delete one session and its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(func(rt *daemon.Runtime) error {
			if err := rt.Conversations.Clear(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(out(cmd), "Cleared session %s\n", args[0])
			return nil
		})
	},
}

var sessionsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete sessions inactive for longer than --days",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(func(rt *daemon.Runtime) error {
			days := pruneMaxAgeDays
			if days < 0 {
				days = rt.Config.Conversation.MaxAgeDays
			}
			n, err := rt.Conversations.PruneOlderThan(cmd.Context(), days)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(out(cmd), map[string]int{"pruned": n, "max_age_days": days})
			}
			fmt.Fprintf(out(cmd), "Pruned %d sessions older than %d days\n", n, days)
			return nil
		})
	},
}

var flushCmd = &cobra.Command{
	Use:   "flush <session-id>",
	Short: "Consolidate a conversation into long-term memory",
	Long: `Run the silent consolidation turn for a session. The model reads recent
history and appends durable facts to today's memory file. Requires a
consolidation API key. The flush is skipped when the token count is below the
configured threshold or the session already flushed in the current band.`,
	Args: cobra.ExactArgs(1),
	RunE: runFlush,
}

func init() {
	sessionsListCmd.Flags().IntVar(&sessionsLimit, "limit", 20, "maximum sessions to list (0 = all)")
	sessionsHistoryCmd.Flags().IntVar(&historyPage, "page", 1, "page number")
	sessionsHistoryCmd.Flags().IntVar(&historyPageSize, "size", 20, "turns per page")
	sessionsPruneCmd.Flags().IntVar(&pruneMaxAgeDays, "days", -1, "maximum age in days (default from config)")

	flushCmd.Flags().IntVar(&flushTokens, "tokens", 0, "current context size in tokens (default: flush threshold)")
	flushCmd.Flags().StringVar(&flushUserID, "user", "", "write into this user's private memory")

	sessionsCmd.AddCommand(sessionsStatsCmd, sessionsListCmd, sessionsHistoryCmd, sessionsClearCmd, sessionsPruneCmd)
	rootCmd.AddCommand(sessionsCmd, flushCmd)
}

func runFlush(cmd *cobra.Command, args []string) error {
	return withRuntime(func(rt *daemon.Runtime) error {
		tokens := flushTokens
		if tokens <= 0 {
			tokens = rt.Config.Memory.FlushTokenThreshold
		}

		outcome, err := rt.Flush(cmd.Context(), args[0], tokens, flushUserID)
		if err != nil {
			return err
		}

		if jsonOutput {
			report := map[string]interface{}{"flushed": outcome.Flushed}
			if outcome.Result != nil {
				report["appended_to"] = outcome.Result.AppendedTo
				report["iterations"] = outcome.Result.Iterations
			}
			return printJSON(out(cmd), report)
		}

		w := out(cmd)
		if !outcome.Flushed {
			fmt.Fprintln(w, "Flush skipped: below threshold or already flushed in this band")
			return nil
		}
		if outcome.Result != nil && outcome.Result.AppendedTo != "" {
			fmt.Fprintf(w, "Flushed into %s\n", outcome.Result.AppendedTo)
		} else {
			fmt.Fprintln(w, "Flush completed with nothing to store")
		}
		return nil
	})
}
