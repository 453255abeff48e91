package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// remoteArg 返回第一个参数作为远端名，缺省为 origin
func remoteArg(args []string) (string, []string) {
	if len(args) == 0 {
		return "origin", nil
	}
	return args[0], args[1:]
}

var fetchCmd = &cobra.Command{
	Use:   "fetch [remote] [branch...]",
	Short: "Download objects and refs from a remote",
	Long:  `Negotiate with the remote and download only the objects missing locally. Updates refs/remotes/<remote>/<branch>.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, branches := remoteArg(args)
		fmt.Printf("⬇️  Fetching from %s...\n", name)
		res, err := CV.Fetch(cmd.Context(), name, branches...)
		printResult(res)
		return err
	},
}

var pullCmd = &cobra.Command{
	Use:   "pull [remote] [branch]",
	Short: "Fetch from a remote and fast-forward the current branch",
	Args:  cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, rest := remoteArg(args)
		branch := ""
		if len(rest) > 0 {
			branch = rest[0]
		}
		fmt.Printf("⬇️  Pulling from %s...\n", name)
		res, err := CV.Pull(cmd.Context(), name, branch)
		printResult(res)
		return err
	},
}

var pushCmd = &cobra.Command{
	Use:   "push [remote] [branch...]",
	Short: "Upload objects and fast-forward remote branches",
	Long:  `Send the objects the remote is missing, then ask it to fast-forward the given branches (the current branch by default).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, branches := remoteArg(args)
		fmt.Printf("🚀 Pushing to %s...\n", name)
		res, err := CV.Push(cmd.Context(), name, branches...)
		printResult(res)
		return err
	},
}

func init() {
	rootCmd.AddCommand(fetchCmd, pullCmd, pushCmd)
}
