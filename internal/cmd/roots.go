package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var rootsCmd = &cobra.Command{
	Use:   "roots",
	Short: "List the source roots a run would ship to remote workers",
	Long: `Resolve the source roots (the root directory, dist.rsync_dirs and the
sync manifest) and print them in transfer order, followed by the ignore
patterns applied while shipping them.

Nothing is printed when every worker shares the local filesystem.`,
	Args: cobra.NoArgs,
	RunE: runRoots,
}

func init() {
	rootCmd.AddCommand(rootsCmd)
}

func runRoots(cmd *cobra.Command, args []string) error {
	coord, _, logger, err := loadPool(nil)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	roots, err := coord.DiscoverSourceRoots()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(roots) == 0 {
		fmt.Fprintln(out, "No roots to ship: every worker shares the local filesystem")
		return nil
	}
	for _, root := range roots {
		fmt.Fprintln(out, root)
	}
	if ignore := coord.IgnorePatterns(); len(ignore) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Ignored:")
		for _, p := range ignore {
			fmt.Fprintf(out, "  %s\n", p)
		}
	}
	return nil
}
