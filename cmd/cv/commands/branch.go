package commands

import (
	"errors"
	"fmt"

	"chunkvault/pkg/app"
	"chunkvault/pkg/refs"

	"github.com/spf13/cobra"
)

var (
	branchAll         bool
	branchDelete      bool
	branchForceDelete bool
)

var branchCmd = &cobra.Command{
	Use:   "branch [-d|-D name]",
	Short: "List or delete branches",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if branchDelete || branchForceDelete {
			if len(args) != 1 {
				return fmt.Errorf("specify the branch to delete")
			}
			id, err := CV.DeleteBranch(cmd.Context(), args[0], branchForceDelete)
			if errors.Is(err, app.ErrNotMerged) {
				return fmt.Errorf("%w (use -D to delete it anyway)", err)
			}
			if err != nil {
				return err
			}
			fmt.Printf("🗑️  Deleted branch %s (was %s)\n", args[0], id.Short())
			return nil
		}
		if len(args) > 0 {
			return fmt.Errorf("unexpected argument %q (use checkout -b to create a branch)", args[0])
		}

		current, err := CV.Refs.Current()
		if err != nil {
			return err
		}
		prefix := refs.HeadsPrefix
		if branchAll {
			prefix = "refs/"
		}
		list, err := CV.Refs.List(cmd.Context(), prefix)
		if err != nil {
			return err
		}
		for _, r := range list {
			mark := " "
			if r.Name == current {
				mark = "*"
			}
			fmt.Printf("%s %-30s %s\n", mark, shortBranch(r.Name), r.ID.Short())
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(branchCmd)
	branchCmd.Flags().BoolVarP(&branchAll, "all", "a", false, "include remote-tracking branches")
	branchCmd.Flags().BoolVarP(&branchDelete, "delete", "d", false, "delete a branch merged into the current branch")
	branchCmd.Flags().BoolVarP(&branchForceDelete, "force-delete", "D", false, "delete a branch even if it is not merged")
}
