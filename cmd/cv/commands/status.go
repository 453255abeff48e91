package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show changes between the current branch and the working tree",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		branch, err := CV.Refs.Current()
		if err != nil {
			return err
		}
		changes, err := CV.Status(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("On branch %s\n", shortBranch(branch))
		if len(changes) == 0 {
			fmt.Println("nothing to commit, working tree clean")
			return nil
		}
		fmt.Println("Changes not yet committed:")
		printChanges(changes)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
