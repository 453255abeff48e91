package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"slices"
	"strings"

	"chunkvault/pkg/config"
	"chunkvault/pkg/remote"
	"chunkvault/pkg/transport"
	"chunkvault/pkg/transport/grpcx"
	"chunkvault/pkg/transport/sshx"
)

func (a *App) repo() remote.Repo {
	return remote.Repo{
		Store:     a.Store,
		Alg:       a.Alg,
		Chunker:   a.Format.Chunker,
		Refs:      a.Refs,
		OnReceive: a.indexHistory,
	}
}

func (a *App) syncOptions() remote.Options {
	t := a.Config.Transport
	return remote.Options{
		Retries:      t.Retries,
		Timeout:      t.Timeout,
		MaxFrameSize: t.MaxFrameSize,
		Logger:       a.logger,
	}
}

// Server 返回为本仓库提供 fetch/push 的协议服务端
func (a *App) Server() *remote.Server {
	return remote.NewServer(a.repo(), a.syncOptions())
}

// Client 为配置中名为 name 的远端创建同步客户端
func (a *App) Client(ctx context.Context, name string) (*remote.Client, config.RemoteConfig, error) {
	rc, err := a.Config.Remote(name)
	if err != nil {
		return nil, rc, err
	}
	dial, err := a.dialer(ctx, rc.URL)
	if err != nil {
		return nil, rc, err
	}
	return remote.NewClient(a.repo(), name, dial, a.syncOptions()), rc, nil
}

// dialer 按 URL 选择传输：
//
//	/path 或 file:///path   同一进程内打开另一个仓库，经 Pipe 通信
//	tcp://host:port          原始 TCP (cv serve --listen)
//	grpc://host:port         gRPC 双向流 (cv-server)
//	ssh://user@host/path     在远端运行 cv serve --stdio
func (a *App) dialer(ctx context.Context, raw string) (remote.Dialer, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid remote url %q: %w", raw, err)
	}

	switch u.Scheme {
	case "", "file":
		path := u.Path
		if u.Scheme == "" {
			path = raw
		}
		return a.localDialer(ctx, path)
	case "tcp":
		return func(ctx context.Context) (transport.Channel, error) {
			return transport.Dial(ctx, u.Host)
		}, nil
	case "grpc":
		return func(ctx context.Context) (transport.Channel, error) {
			return grpcx.Dial(ctx, u.Host)
		}, nil
	case "ssh":
		cfg := sshx.Config{
			Addr:    u.Host,
			User:    u.User.Username(),
			Path:    strings.TrimPrefix(u.Path, "/"),
			Timeout: a.Config.Transport.Timeout,
			Logger:  a.logger,
		}
		if cfg.User == "" {
			cfg.User = a.Config.User.Name
		}
		return func(ctx context.Context) (transport.Channel, error) {
			return sshx.Dial(ctx, cfg)
		}, nil
	}
	return nil, fmt.Errorf("unsupported remote scheme %q", u.Scheme)
}

// localDialer 打开 path 处的仓库，每次拨号在一个 goroutine 里为它服务一个会话
func (a *App) localDialer(ctx context.Context, path string) (remote.Dialer, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(a.Root, path)
	}
	path = filepath.Clean(path)
	// 对端使用自己的 .cv 目录，只继承与布局无关的配置
	cfg := *a.Config
	cfg.Storage.Type, cfg.Storage.Path = "disk", ""
	cfg.Storage.Cache.RedisURL = ""
	cfg.Database = config.Default().Database

	peer, ok := a.peers[path]
	if !ok {
		var err error
		peer, err = Open(ctx, path, &cfg, a.logger.With(slog.String("peer", path)))
		if err != nil {
			return nil, fmt.Errorf("failed to open remote repository %s: %w", path, err)
		}
		if a.peers == nil {
			a.peers = make(map[string]*App)
		}
		a.peers[path] = peer
		a.closers = append(a.closers, peer)
	}
	srv := peer.Server()

	return func(ctx context.Context) (transport.Channel, error) {
		local, far := transport.Pipe()
		go func() {
			if err := srv.Serve(ctx, far); err != nil {
				peer.logger.Debug("local session ended", slog.Any("err", err))
			}
		}()
		return local, nil
	}, nil
}

// Fetch 从远端抓取分支，更新 refs/remotes/<name>/*；不指定分支时使用远端配置的分支
func (a *App) Fetch(ctx context.Context, name string, branches ...string) (*remote.Result, error) {
	c, rc, err := a.Client(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(branches) == 0 {
		branches = []string{rc.Branch}
	}
	return c.Fetch(ctx, branches...)
}

// Pull 抓取 branch 并快进当前分支，工作区随之更新
func (a *App) Pull(ctx context.Context, name, branch string) (*remote.Result, error) {
	c, rc, err := a.Client(ctx, name)
	if err != nil {
		return nil, err
	}
	if branch == "" {
		branch = rc.Branch
	}

	// 1. 工作区必须干净，否则快进会覆盖未提交的修改
	dirty, err := a.Status(ctx)
	if err != nil {
		return nil, err
	}
	if len(dirty) > 0 {
		return nil, fmt.Errorf("%w (%d paths)", ErrDirtyWorktree, len(dirty))
	}
	current, before, err := a.head(ctx)
	if err != nil {
		return nil, err
	}

	// 2. 抓取并快进
	res, err := c.Pull(ctx, branch)
	if err != nil {
		return res, err
	}
	if !slices.Contains(res.Updated, current) {
		return res, nil
	}

	// 3. 检出新的提交
	after, err := a.Refs.Get(ctx, current)
	if err != nil {
		return res, err
	}
	if _, err := a.moveTree(ctx, before, after); err != nil {
		return res, fmt.Errorf("branch moved to %s but worktree update failed: %w", after.Short(), err)
	}
	return res, nil
}

// Push 把本地分支推到远端；不指定分支时推当前分支
func (a *App) Push(ctx context.Context, name string, branches ...string) (*remote.Result, error) {
	c, _, err := a.Client(ctx, name)
	if err != nil {
		return nil, err
	}
	return c.Push(ctx, branches...)
}
