package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var warmDepth int

var warmCmd = &cobra.Command{
	Use:   "warm [path]",
	Short: "Prefetch a folder tree into the cache",
	Long: `List a folder and its subfolders breadth first, reporting how much of
the tree was fetched. Useful to check connectivity and listing latency.

Examples:
  vdfs warm / --depth 2
  vdfs warm /projects --depth -1`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWarm,
}

func init() {
	warmCmd.Flags().IntVar(&warmDepth, "depth", 1, "subfolder levels to descend (-1 for the whole tree)")
}

func runWarm(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	root := "/"
	if len(args) == 1 {
		root = args[0]
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := a.cache.Stat(ctx, root); err != nil {
		return err
	}
	stats, err := a.cache.Warm(ctx, root, warmDepth)
	fmt.Fprintf(cmd.OutOrStdout(), "folders: %d\nentries: %d\nerrors: %d\ntook: %s\n",
		stats.FoldersListed, stats.Entries, stats.Errors, stats.Duration)
	return err
}
