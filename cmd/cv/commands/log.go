package commands

import (
	"errors"
	"fmt"
	"time"

	"chunkvault/pkg/app"
	"chunkvault/pkg/core"
	"chunkvault/pkg/refs"

	"github.com/spf13/cobra"
)

var (
	logLimit  int
	logAuthor string
)

var logCmd = &cobra.Command{
	Use:   "log [revision]",
	Short: "Show commit logs",
	Long:  `Display the commit history starting from the given revision (HEAD if not specified), newest first.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rev := "HEAD"
		if len(args) > 0 {
			rev = args[0]
		}
		err := CV.Log(cmd.Context(), app.LogOptions{Rev: rev, Limit: logLimit, Author: logAuthor}, func(c *core.Commit) error {
			printCommitLog(c)
			return nil
		})
		if errors.Is(err, refs.ErrNoHead) {
			fmt.Println("No commits yet.")
			return nil
		}
		return err
	},
}

// printCommitLog 仿 git log 的格式输出
func printCommitLog(c *core.Commit) {
	const (
		colorYellow = "\033[33m"
		colorReset  = "\033[0m"
	)

	fmt.Printf("%scommit %s%s\n", colorYellow, c.ID(), colorReset)
	if parents := c.ParentIDs(); len(parents) > 1 {
		fmt.Printf("Merge:  %s %s\n", parents[0].Short(), parents[1].Short())
	}
	fmt.Printf("Author: %s\n", c.Author)
	fmt.Printf("Date:   %s\n", c.Time().Format(time.RFC1123))
	fmt.Printf("\n    %s\n\n", c.Message)
}

func init() {
	rootCmd.AddCommand(logCmd)
	logCmd.Flags().IntVarP(&logLimit, "max-count", "n", 0, "limit the number of commits shown")
	logCmd.Flags().StringVar(&logAuthor, "author", "", "only show commits by this author")
}
