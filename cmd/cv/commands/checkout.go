package commands

import (
	"fmt"

	"chunkvault/pkg/app"

	"github.com/spf13/cobra"
)

var (
	checkoutNewBranch string
	checkoutForce     bool
)

var checkoutCmd = &cobra.Command{
	Use:   "checkout <branch> | -b <new-branch> [revision]",
	Short: "Switch branches and restore working tree files",
	Long:  `Switch to a branch, rewriting only the files that differ between the current and the target tree.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.CheckoutOptions{NewBranch: checkoutNewBranch, Force: checkoutForce}
		if len(args) > 0 {
			opts.Rev = args[0]
		}
		if opts.Rev == "" && opts.NewBranch == "" {
			return fmt.Errorf("specify a branch to switch to, or -b <name>")
		}

		branch, changes, err := CV.Checkout(cmd.Context(), opts)
		if err != nil {
			return err
		}
		if opts.NewBranch != "" {
			fmt.Printf("✅ Switched to a new branch '%s'\n", shortBranch(branch))
		} else {
			fmt.Printf("✅ Switched to branch '%s'\n", shortBranch(branch))
		}
		if len(changes) > 0 {
			fmt.Printf("   %d file(s) updated\n", len(changes))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkoutCmd)
	checkoutCmd.Flags().StringVarP(&checkoutNewBranch, "branch", "b", "", "create and switch to a new branch")
	checkoutCmd.Flags().BoolVarP(&checkoutForce, "force", "f", false, "discard local changes")
}
