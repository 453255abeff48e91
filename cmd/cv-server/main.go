package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"chunkvault/pkg/app"
	"chunkvault/pkg/config"
	"chunkvault/pkg/transport"
	"chunkvault/pkg/transport/grpcx"

	"google.golang.org/grpc/reflection"
)

const DefaultAddr = ":8080"

func main() {
	// 1. Load Config
	cfgFile := flag.String("config", "", "config file (default is .cv/config.yaml or $HOME/.cv/config.yaml)")
	repoDir := flag.String("repo", ".", "repository to serve")
	addr := flag.String("listen", DefaultAddr, "gRPC listen address")
	flag.Parse()

	cfg, err := config.Load(config.Options{File: *cfgFile, Dirs: []string{filepath.Join(*repoDir, app.MetaDir)}})
	if err != nil {
		fatal("Config error", err)
	}
	level, _ := cfg.LogLevel()
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.Log.Format == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	logger := slog.New(h)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Open the repository
	a, err := app.Open(ctx, *repoDir, cfg, logger)
	if err != nil {
		fatal("Failed to open repository", err)
	}
	defer a.Close()
	fmt.Printf("✅ chunkvault repository %s opened (%s).\n", a.Root, a.Alg)

	// 3. Setup Network
	lis, err := net.Listen("tcp", *addr)
	if err != nil {
		fatal("Failed to listen on "+*addr, err)
	}

	// 4. Setup gRPC Server：每个双向流是一个同步会话
	srv := a.Server()
	grpcServer := grpcx.NewServer(func(ctx context.Context, ch transport.Channel) error {
		return srv.Serve(ctx, ch)
	})
	// Enable Reflection for debugging tools (grpcurl)
	reflection.Register(grpcServer)

	// 5. Start Server (Async)
	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("🚀 gRPC Server listening on %s...\n", lis.Addr())
		errCh <- grpcServer.Serve(lis)
	}()

	// 6. Graceful Shutdown
	select {
	case <-ctx.Done():
	case err := <-errCh:
		fatal("Failed to serve", err)
	}
	fmt.Println("\n⚠️  Shutting down server...")
	grpcServer.GracefulStop()
	fmt.Println("👋 Server stopped.")
}

func fatal(msg string, err error) {
	fmt.Fprintf(os.Stderr, "❌ %s: %v\n", msg, err)
	os.Exit(1)
}
