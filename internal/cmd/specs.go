package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var specsCmd = &cobra.Command{
	Use:   "specs",
	Short: "List the workers a run would start",
	Long: `Expand the configured target specs (dist.tx or --tx) and print one line
per worker: its id, its kind, whether its source roots are shipped to it,
and its canonical spec string.`,
	Args: cobra.NoArgs,
	RunE: runSpecs,
}

func init() {
	rootCmd.AddCommand(specsCmd)
}

func runSpecs(cmd *cobra.Command, args []string) error {
	coord, _, logger, err := loadPool(nil)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tROOTS\tSPEC")
	ids := coord.WorkerIDs()
	for i, ts := range coord.Specs() {
		roots := "shipped"
		if ts.InProcess() {
			roots = "shared"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ids[i], ts.Kind, roots, ts.String())
	}
	return w.Flush()
}
