package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"chunkvault/pkg/app"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:         "init [dir]",
	Short:       "Initialize a chunkvault repository",
	Long:        `Create an empty chunkvault repository. The digest algorithm, chunker parameters and compression are fixed at this point and recorded in .cv/format.yaml.`,
	Args:        cobra.MaximumNArgs(1),
	Annotations: map[string]string{noRepo: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := repoDir
		if len(args) > 0 {
			dir = args[0]
		}

		a, err := app.Init(cmd.Context(), dir, Cfg, slog.Default())
		if errors.Is(err, app.ErrAlreadyExists) {
			fmt.Printf("⚠️  chunkvault repository already exists in %s\n", filepath.Join(dir, app.MetaDir))
			return nil
		}
		if err != nil {
			return err
		}
		defer a.Close()

		fmt.Printf("✅ Initialized empty chunkvault repository in %s\n", a.MetaDir)
		fmt.Printf("   Digest: %s | Chunker: %s (%d/%d/%d) | Compression: %s\n",
			a.Format.Algorithm, a.Format.Chunker.Method,
			a.Format.Chunker.MinSize, a.Format.Chunker.AvgSize, a.Format.Chunker.MaxSize,
			a.Format.Compression)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
