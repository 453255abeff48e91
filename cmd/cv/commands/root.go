package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"chunkvault/pkg/app"
	"chunkvault/pkg/config"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// noRepo 标记不需要打开仓库的命令
const noRepo = "no-repo"

var (
	cfgFile string
	repoDir string

	// 全局状态，供子命令使用
	Cfg *config.Config
	CV  *app.App
)

var rootCmd = &cobra.Command{
	Use:           "cv",
	Short:         "chunkvault: content-addressed version control for large files",
	SilenceUsage:  true,
	SilenceErrors: true,
	// PersistentPreRunE 会在所有子命令执行前运行
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 1. 配置：仓库的 .cv 目录优先于默认搜索路径
		var dirs []string
		if root, err := app.FindRoot(repoDir); err == nil {
			dirs = append(dirs, filepath.Join(root, app.MetaDir))
		}
		flags := cmd.Flags()
		cfg, err := config.Load(config.Options{
			File: cfgFile,
			Dirs: dirs,
			Flags: map[string]*pflag.Flag{
				"log.level":    flags.Lookup("log-level"),
				"log.format":   flags.Lookup("log-format"),
				"storage.path": flags.Lookup("storage-path"),
				"user.name":    flags.Lookup("author"),
			},
		})
		if err != nil {
			return err
		}
		Cfg = cfg
		if err := setupLogger(cfg); err != nil {
			return err
		}

		// 2. init 和 serve 自己决定仓库位置
		if cmd.Annotations[noRepo] != "" {
			return nil
		}
		root, err := app.FindRoot(repoDir)
		if err != nil {
			return fmt.Errorf("%w\n(Did you run 'cv init'?)", err)
		}
		CV, err = app.Open(cmd.Context(), root, cfg, slog.Default())
		if err != nil {
			return fmt.Errorf("failed to open repository: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if CV == nil {
			return nil
		}
		return CV.Close()
	},
}

// setupLogger 按配置安装全局 slog handler；日志总是写到 stderr
func setupLogger(cfg *config.Config) error {
	level, err := cfg.LogLevel()
	if err != nil {
		return err
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.Log.Format == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
	return nil
}

// Execute 是入口；Ctrl-C 取消正在进行的操作
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is .cv/config.yaml or $HOME/.cv/config.yaml)")
	pf.StringVarP(&repoDir, "repo", "C", ".", "run as if started in this directory")
	pf.String("log-level", "info", "log level: debug, info, warn, error")
	pf.String("log-format", "text", "log format: text or json")
	pf.String("storage-path", "", "directory to store objects (default .cv/objects)")
}
