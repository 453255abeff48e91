package commands

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"

	"chunkvault/pkg/app"
	"chunkvault/pkg/transport"

	"github.com/spf13/cobra"
)

var (
	serveStdio  bool
	serveListen string
)

var serveCmd = &cobra.Command{
	Use:   "serve [repo-path]",
	Short: "Serve the sync protocol for a repository",
	Long: `Serve fetch and push sessions for the repository.
--stdio serves a single session on stdin/stdout (used by ssh:// remotes).
--listen serves sessions over plain TCP (tcp:// remotes).`,
	Args:        cobra.MaximumNArgs(1),
	Annotations: map[string]string{noRepo: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveStdio == (serveListen != "") {
			return fmt.Errorf("specify exactly one of --stdio or --listen")
		}
		dir := repoDir
		if len(args) > 0 {
			dir = args[0]
		}

		ctx := cmd.Context()
		a, err := app.Open(ctx, dir, Cfg, slog.Default())
		if err != nil {
			return err
		}
		defer a.Close()
		srv := a.Server()

		// stdout 是协议通道，状态信息只能写 stderr
		if serveStdio {
			return srv.Serve(ctx, transport.Stdio())
		}

		ln, err := net.Listen("tcp", serveListen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", serveListen, err)
		}
		fmt.Fprintf(os.Stderr, "🚀 Serving %s on tcp://%s\n", a.Root, ln.Addr())
		err = transport.Accept(ctx, ln, func(ctx context.Context, ch transport.Channel) {
			if err := srv.Serve(ctx, ch); err != nil {
				slog.Warn("session failed", slog.Any("err", err))
			}
		})
		fmt.Fprintln(os.Stderr, "👋 Server stopped.")
		return err
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveStdio, "stdio", false, "serve one session over stdin/stdout")
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "serve sessions over TCP on this address")
}
