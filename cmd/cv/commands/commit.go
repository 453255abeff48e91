package commands

import (
	"errors"
	"fmt"
	"time"

	"chunkvault/pkg/app"

	"github.com/spf13/cobra"
)

var (
	commitMsg     string
	commitInclude []string
	commitExclude []string
)

var commitCmd = &cobra.Command{
	Use:   "commit",
	Short: "Record a snapshot of the working tree",
	Long:  `Snapshot the working tree (chunking and storing every changed file) and create a new commit on the current branch.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if commitMsg == "" {
			return fmt.Errorf("commit message cannot be empty (use -m)")
		}

		start := time.Now()
		fmt.Print("🔨 Snapshotting working tree... ")
		res, err := CV.Commit(cmd.Context(), app.CommitOptions{
			Message: commitMsg,
			Author:  Cfg.User.Name,
			Include: commitInclude,
			Exclude: commitExclude,
		})
		if errors.Is(err, app.ErrNothingToCommit) {
			fmt.Println("Done")
			fmt.Println(err)
			return nil
		}
		if err != nil {
			fmt.Println("Failed")
			return err
		}
		fmt.Println("Done")

		s := res.Stats
		fmt.Printf("✅ [%s %s] %s\n", shortBranch(res.Branch), res.ID.Short(), commitMsg)
		fmt.Printf("   Files: %d (%d unchanged) | Chunks: %d | New objects: %d | Read: %s | Time: %s\n",
			s.Files, s.Reused, s.Chunks, s.FreshObjects, fmtBytes(s.Bytes), time.Since(start).Round(time.Millisecond))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(commitCmd)

	commitCmd.Flags().StringVarP(&commitMsg, "message", "m", "", "commit message")
	commitCmd.Flags().String("author", "", "override user.name for this commit")
	commitCmd.Flags().StringSliceVar(&commitInclude, "include", nil, "only snapshot paths matching these patterns")
	commitCmd.Flags().StringSliceVar(&commitExclude, "exclude", nil, "additional ignore patterns")
}
