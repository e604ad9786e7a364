package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/harun/mnemo/internal/daemon"
	"github.com/harun/mnemo/internal/tracing"
	"github.com/harun/mnemo/pkg/memory"
	"github.com/spf13/cobra"
)

var (
	syncForce bool

	searchUserID     string
	searchMaxResults int
	searchMinScore   float64
	searchNoShared   bool

	getStartLine int
	getNumLines  int

	filesPage     int
	filesPageSize int
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Index changed memory files",
	Long: `Walk MEMORY.md and memory/ and re-index every file whose content hash changed.
Files removed from disk are dropped from the index.`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search memory with hybrid retrieval",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

var getCmd = &cobra.Command{
	Use:   "get <path>",
	Short: "Print a line range of a memory file",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "List memory files",
	Args:  cobra.NoArgs,
	RunE:  runFiles,
}

func init() {
	syncCmd.Flags().BoolVar(&syncForce, "force", false, "re-index files even when unchanged")

	searchCmd.Flags().StringVar(&searchUserID, "user", "", "include this user's private memory")
	searchCmd.Flags().IntVar(&searchMaxResults, "max-results", 0, "maximum results (default from config)")
	searchCmd.Flags().Float64Var(&searchMinScore, "min-score", -1, "minimum fused score (default from config)")
	searchCmd.Flags().BoolVar(&searchNoShared, "no-shared", false, "exclude shared memory")

	getCmd.Flags().IntVar(&getStartLine, "start", 1, "first line to print (1-based)")
	getCmd.Flags().IntVar(&getNumLines, "lines", 0, "number of lines to print (0 = to end of file)")

	filesCmd.Flags().IntVar(&filesPage, "page", 1, "page number")
	filesCmd.Flags().IntVar(&filesPageSize, "size", 20, "files per page")

	rootCmd.AddCommand(syncCmd, searchCmd, getCmd, filesCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	return withRuntime(func(rt *daemon.Runtime) error {
		ctx := tracing.NewRequestContext(cmd.Context())
		stats, err := rt.Memory.Sync(ctx, syncForce)
		if jsonOutput {
			if perr := printJSON(out(cmd), stats); perr != nil {
				return perr
			}
			return err
		}

		w := out(cmd)
		fmt.Fprintf(w, "Scanned: %d\n", stats.FilesScanned)
		fmt.Fprintf(w, "Indexed: %d\n", stats.FilesIndexed)
		fmt.Fprintf(w, "Unchanged: %d\n", stats.FilesSkipped)
		fmt.Fprintf(w, "Pruned: %d\n", stats.FilesPruned)
		fmt.Fprintf(w, "Chunks written: %d\n", stats.ChunksWritten)
		if stats.EmbeddingFailures > 0 {
			fmt.Fprintf(w, "Embedding failures: %d (retried on next sync)\n", stats.EmbeddingFailures)
		}
		fmt.Fprintf(w, "Duration: %s\n", stats.Duration.Round(1e6))
		return err
	})
}

func runSearch(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")

	return withRuntime(func(rt *daemon.Runtime) error {
		opts := rt.Memory.DefaultSearchOptions()
		opts.UserID = searchUserID
		opts.IncludeShared = !searchNoShared
		if searchMaxResults > 0 {
			opts.MaxResults = searchMaxResults
		}
		if searchMinScore >= 0 {
			opts.MinScore = searchMinScore
		}

		ctx := tracing.NewRequestContext(cmd.Context())
		if searchUserID != "" {
			ctx = tracing.WithUserID(ctx, searchUserID)
		}
		results, err := rt.Memory.Search(ctx, query, opts)
		if err != nil {
			return err
		}

		if jsonOutput {
			if results == nil {
				results = []memory.SearchResult{}
			}
			return printJSON(out(cmd), results)
		}
		fmt.Fprintln(out(cmd), memory.FormatSearchResults(query, results))
		return nil
	})
}

func runGet(cmd *cobra.Command, args []string) error {
	return withRuntime(func(rt *daemon.Runtime) error {
		text, err := memory.MemoryGet(cmd.Context(), rt.Memory.Workspace(), memory.MemoryGetParams{
			Path:      args[0],
			StartLine: getStartLine,
			NumLines:  getNumLines,
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(out(cmd), text)
		return nil
	})
}

func runFiles(cmd *cobra.Command, args []string) error {
	return withRuntime(func(rt *daemon.Runtime) error {
		list, err := rt.Files.ListFiles(filesPage, filesPageSize)
		if err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(out(cmd), list)
		}

		tw := tabwriter.NewWriter(out(cmd), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "FILE\tTYPE\tSIZE\tUPDATED")
		for _, f := range list.List {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", f.Filename, f.Type, f.Size, f.UpdatedAt)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(out(cmd), "\nPage %d, %d of %d files\n", list.Page, len(list.List), list.Total)
		return nil
	})
}
