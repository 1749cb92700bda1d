package commands

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	lsMarker string
	lsLong   bool
)

var lsCmd = &cobra.Command{
	Use:   "ls [path]",
	Short: "List a remote folder through the cache",
	Long: `List a folder of the repository the way the mounted filesystem sees it,
including the "." and ".." entries. Paths use "/" or "\" separators and are
relative to remote.basePath.

Examples:
  vdfs ls /
  vdfs ls /docs --marker report.pdf
  vdfs ls /docs -l`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLs,
}

func init() {
	lsCmd.Flags().StringVar(&lsMarker, "marker", "", "only list names after this one")
	lsCmd.Flags().BoolVarP(&lsLong, "long", "l", false, "show size and modification time")
}

func runLs(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	folder := "/"
	if len(args) == 1 {
		folder = args[0]
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	// Every parent has to be cached before the folder itself can be listed.
	node, err := a.cache.Stat(ctx, folder)
	if err != nil {
		return err
	}
	entries, err := a.cache.GetFolderContent(ctx, node.LocalPath, lsMarker)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	for _, entry := range entries {
		name := entry.Name
		if entry.Node.IsDirectory() && !entry.IsSynthetic() {
			name += "/"
		}
		if !lsLong {
			fmt.Fprintln(w, name)
			continue
		}
		kind := "file"
		if entry.Node.IsDirectory() {
			kind = "dir"
		}
		modTime := "-"
		if !entry.Node.Attributes.ModTime.IsZero() {
			modTime = entry.Node.Attributes.ModTime.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", kind, entry.Node.Attributes.Size, modTime, name)
	}
	return w.Flush()
}
