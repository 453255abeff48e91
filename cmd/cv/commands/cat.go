package commands

import (
	"os"

	"github.com/spf13/cobra"
)

var catPath string

var catCmd = &cobra.Command{
	Use:   "cat <revision|hash>",
	Short: "Show object structure or file content",
	Long: `Without -p, print the structure of the object the argument resolves to (commit, tree, filenode or chunk).
With -p <path>, write the content of that file in the given commit to stdout.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return CV.Cat(cmd.Context(), args[0], catPath, os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(catCmd)
	catCmd.Flags().StringVarP(&catPath, "path", "p", "", "print the content of this file")
}
