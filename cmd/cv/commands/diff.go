package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var diffCmd = &cobra.Command{
	Use:   "diff <from> [to]",
	Short: "Show changed paths between two revisions",
	Long:  `Compare the trees of two revisions (to defaults to HEAD). Unchanged subtrees are skipped without being read.`,
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		to := "HEAD"
		if len(args) == 2 {
			to = args[1]
		}
		changes, err := CV.Diff(cmd.Context(), args[0], to)
		if err != nil {
			return err
		}
		if len(changes) == 0 {
			fmt.Println("No differences.")
			return nil
		}
		printChanges(changes)
		fmt.Printf("%d path(s) changed\n", len(changes))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(diffCmd)
}
