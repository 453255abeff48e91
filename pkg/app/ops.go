package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"chunkvault/pkg/core"
	"chunkvault/pkg/exporter"
	"chunkvault/pkg/fault"
	"chunkvault/pkg/history"
	"chunkvault/pkg/marshal"
	"chunkvault/pkg/refs"
	"chunkvault/pkg/storage"
	"chunkvault/pkg/tree"
	"chunkvault/pkg/types"
)

var (
	ErrNothingToCommit = errors.New("nothing to commit, working tree clean")
	ErrDirtyWorktree   = errors.New("working tree has uncommitted changes")
	ErrDetached        = errors.New("checkout of a non-branch revision needs a new branch name")
	ErrBranchCurrent   = errors.New("cannot delete the current branch")
	ErrNotMerged       = errors.New("branch is not merged into the current branch")
)

// CommitOptions 描述一次提交
type CommitOptions struct {
	Message string
	Author  string    // 空时使用 user.name
	Include []string  // 非空时只提交匹配的文件
	Exclude []string
	Time    time.Time // 零值表示当前时间
}

// CommitResult 是一次提交的产物
type CommitResult struct {
	ID     types.Hash
	Branch string
	Stats  marshal.Stats
}

func (a *App) pipeline() *marshal.Pipeline {
	return marshal.New(a.Store, a.Chunker, a.Alg, a.Config.Pipeline, a.logger)
}

func (a *App) exporter() *exporter.Exporter {
	return exporter.NewExporter(a.Store, a.Alg, a.logger)
}

func (a *App) source() tree.Source {
	return tree.StoreSource{Store: a.Store, Alg: a.Alg}
}

// head 返回当前分支及其 commit；新仓库的 commit 为零值
func (a *App) head(ctx context.Context) (string, types.Hash, error) {
	branch, err := a.Refs.Current()
	if err != nil {
		return "", types.ZeroHash, err
	}
	id, err := a.Refs.Head(ctx)
	if errors.Is(err, refs.ErrNoHead) {
		return branch, types.ZeroHash, nil
	}
	return branch, id, err
}

// treeOf 返回 commit 的根树；零值 commit 对应空树
func (a *App) treeOf(ctx context.Context, commit types.Hash) (types.Hash, error) {
	if commit.IsZero() {
		return types.ZeroHash, nil
	}
	c, err := storage.GetCommit(ctx, a.Store, a.Alg, commit)
	if err != nil {
		return types.ZeroHash, err
	}
	return c.Tree(), nil
}

// Commit 快照工作区并在当前分支上创建提交
func (a *App) Commit(ctx context.Context, opts CommitOptions) (*CommitResult, error) {
	branch, parent, err := a.head(ctx)
	if err != nil {
		return nil, err
	}

	var prevTree types.Hash
	if !parent.IsZero() {
		if prevTree, err = a.treeOf(ctx, parent); err != nil {
			return nil, err
		}
	}

	// 1. 快照：所有对象在这一步之后都已持久化。
	// 只提交部分文件时，未选中的已跟踪文件沿用父提交中的版本。
	opt := marshal.Options{
		Root:    a.Root,
		Include: opts.Include,
		Exclude: opts.Exclude,
		Cache:   a.Index,
	}
	if len(opts.Include) > 0 || len(opts.Exclude) > 0 {
		opt.Base = prevTree
	}
	p := a.pipeline()
	snap, err := p.Snapshot(ctx, opt)
	if err != nil {
		return nil, err
	}

	// 2. 和父提交的树相同则无需提交
	var parents []types.Hash
	if !parent.IsZero() {
		if prevTree == snap.Root {
			return nil, ErrNothingToCommit
		}
		parents = []types.Hash{parent}
	}

	author := opts.Author
	if author == "" {
		author = a.Config.User.Name
	}
	if author == "" {
		author = "unknown"
	}
	ts := opts.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	// 3. 写入 commit，再用 CAS 移动分支
	c, err := p.Commit(ctx, snap, parents, author, opts.Message, ts)
	if err != nil {
		return nil, err
	}
	if err := a.Refs.CompareAndSwap(ctx, branch, parent, c.ID()); err != nil {
		return nil, fmt.Errorf("failed to update %s: %w", branch, err)
	}

	// 4. 元数据索引失败不影响提交本身
	if err := a.Meta.IndexCommit(ctx, c); err != nil {
		a.logger.Warn("failed to index commit", slog.String("commit", c.ID().Short()), slog.Any("err", err))
	}

	a.logger.Info("commit created",
		slog.String("commit", c.ID().Short()),
		slog.String("branch", branch),
		slog.Int("files", snap.Stats.Files),
	)
	return &CommitResult{ID: c.ID(), Branch: branch, Stats: snap.Stats}, nil
}

// Resolve 把修订名解析为 commit 或对象 ID。
// 依次尝试：HEAD，完整引用名，本地分支，远端跟踪分支 (<remote>/<branch>)，哈希前缀。
func (a *App) Resolve(ctx context.Context, rev string) (types.Hash, error) {
	if rev == "" || rev == "HEAD" {
		return a.Refs.Head(ctx)
	}

	candidates := []string{rev, refs.Branch(rev)}
	if strings.Contains(rev, "/") {
		candidates = append(candidates, refs.RemotesPrefix+rev)
	}
	for _, name := range candidates {
		if refs.ValidateName(name) != nil {
			continue
		}
		id, err := a.Refs.Get(ctx, name)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, fault.NotFound) {
			return types.ZeroHash, err
		}
	}

	prefix := types.HashPrefix(strings.ToLower(rev))
	if err := prefix.Validate(); err != nil {
		return types.ZeroHash, fault.Newf(fault.NotFound, "resolve", "unknown revision %q", rev)
	}
	return a.Store.ExpandHash(ctx, prefix)
}

var errStopLog = errors.New("stop")

// LogOptions 选择要列出的提交
type LogOptions struct {
	Rev    string // 起点，空表示 HEAD
	Limit  int    // 0 表示不限
	Author string // 非空时只列出该作者的提交 (按元数据库中的索引)
}

// Log 从 Rev 开始按时间倒序遍历提交历史
func (a *App) Log(ctx context.Context, opts LogOptions, fn func(*core.Commit) error) error {
	start, err := a.Resolve(ctx, opts.Rev)
	if err != nil {
		return err
	}
	keep := func(*core.Commit) bool { return true }
	if opts.Author != "" {
		authored, err := a.authoredBy(ctx, opts.Author)
		if err != nil {
			return err
		}
		if len(authored) == 0 {
			return nil
		}
		keep = func(c *core.Commit) bool {
			_, ok := authored[c.ID()]
			return ok
		}
	}

	n := 0
	err = history.Log(ctx, a.Store, a.Alg, []types.Hash{start}, func(c *core.Commit) error {
		if !keep(c) {
			return nil
		}
		if opts.Limit > 0 && n >= opts.Limit {
			return errStopLog
		}
		n++
		return fn(c)
	})
	if errors.Is(err, errStopLog) {
		return nil
	}
	return err
}

// authoredBy 从元数据库取出某个作者的全部提交
func (a *App) authoredBy(ctx context.Context, author string) (map[types.Hash]struct{}, error) {
	rows, err := a.Meta.FindCommitsByAuthor(ctx, author, 0)
	if err != nil {
		return nil, fault.Wrap(fault.IOError, "log.author", err)
	}
	out := make(map[types.Hash]struct{}, len(rows))
	for _, r := range rows {
		id, err := types.ParseHash(r.Hash)
		if err != nil {
			return nil, fmt.Errorf("commit index entry %q is corrupt: %w", r.Hash, err)
		}
		out[id] = struct{}{}
	}
	return out, nil
}

// indexHistory 把 tip 可达、还没有索引的提交写入元数据库。
// 失败只记录日志：索引只服务于查询，不影响仓库本身。
func (a *App) indexHistory(ctx context.Context, name string, tip types.Hash) {
	n := 0
	err := history.Log(ctx, a.Store, a.Alg, []types.Hash{tip}, func(c *core.Commit) error {
		if _, err := a.Meta.GetCommit(ctx, c.ID()); err == nil {
			return nil
		}
		n++
		return a.Meta.IndexCommit(ctx, c)
	})
	if err != nil {
		a.logger.Warn("failed to index received commits", slog.String("ref", name), slog.Any("err", err))
		return
	}
	a.logger.Debug("received commits indexed", slog.String("ref", name), slog.Int("commits", n))
}

// DeleteBranch 删除本地分支。未合并进当前分支的需要 force。
func (a *App) DeleteBranch(ctx context.Context, name string, force bool) (types.Hash, error) {
	full := refs.Branch(name)
	if err := refs.ValidateName(full); err != nil {
		return types.ZeroHash, err
	}
	current, head, err := a.head(ctx)
	if err != nil {
		return types.ZeroHash, err
	}
	if full == current {
		return types.ZeroHash, fmt.Errorf("%w: %s", ErrBranchCurrent, name)
	}
	id, err := a.Refs.Get(ctx, full)
	if err != nil {
		return types.ZeroHash, err
	}
	if !force {
		merged := false
		if !head.IsZero() {
			if merged, err = history.IsAncestor(ctx, a.Store, a.Alg, id, head); err != nil {
				return types.ZeroHash, err
			}
		}
		if !merged {
			return types.ZeroHash, fmt.Errorf("%w: %s", ErrNotMerged, name)
		}
	}
	if err := a.Refs.Delete(ctx, full, id); err != nil {
		return types.ZeroHash, err
	}
	a.logger.Info("branch deleted", slog.String("branch", full), slog.String("was", id.Short()))
	return id, nil
}

// Diff 比较两个修订的目录树
func (a *App) Diff(ctx context.Context, from, to string) ([]tree.Change, error) {
	trees := make([]types.Hash, 2)
	for i, rev := range []string{from, to} {
		id, err := a.Resolve(ctx, rev)
		if err != nil {
			return nil, err
		}
		if trees[i], err = a.treeOf(ctx, id); err != nil {
			return nil, err
		}
	}
	return tree.Diff(ctx, a.source(), trees[0], trees[1])
}

// Status 比较当前分支和工作区。工作区的快照会写入存储，但不创建提交。
func (a *App) Status(ctx context.Context) ([]tree.Change, error) {
	_, head, err := a.head(ctx)
	if err != nil {
		return nil, err
	}
	base, err := a.treeOf(ctx, head)
	if err != nil {
		return nil, err
	}
	snap, err := a.pipeline().Snapshot(ctx, marshal.Options{Root: a.Root, Cache: a.Index})
	if err != nil {
		return nil, err
	}
	return tree.Diff(ctx, a.source(), base, snap.Root)
}

// CheckoutOptions 描述一次检出
type CheckoutOptions struct {
	Rev       string // 分支名或其它修订
	NewBranch string // 非空时在 Rev 上创建并切换到这个分支
	Force     bool   // 丢弃工作区未提交的修改
}

// Checkout 把工作区切换到目标修订：只重写有差异的文件
func (a *App) Checkout(ctx context.Context, opts CheckoutOptions) (string, []tree.Change, error) {
	// 1. 确定目标分支和 commit
	if opts.Rev == "" {
		opts.Rev = "HEAD"
	}
	branch := ""
	if opts.NewBranch != "" {
		branch = refs.Branch(opts.NewBranch)
		if err := refs.ValidateName(branch); err != nil {
			return "", nil, err
		}
		if _, err := a.Refs.Get(ctx, branch); err == nil {
			return "", nil, fmt.Errorf("branch %s already exists", opts.NewBranch)
		}
	} else if name := refs.Branch(opts.Rev); refs.ValidateName(name) == nil {
		if _, err := a.Refs.Get(ctx, name); err == nil {
			branch = name
		}
	}
	if branch == "" {
		return "", nil, fmt.Errorf("%w: %s", ErrDetached, opts.Rev)
	}

	target, err := a.Resolve(ctx, opts.Rev)
	if err != nil {
		return "", nil, err
	}

	// 2. 未提交的修改会被覆盖
	if !opts.Force {
		dirty, err := a.Status(ctx)
		if err != nil {
			return "", nil, err
		}
		if len(dirty) > 0 {
			return "", nil, fmt.Errorf("%w (%d paths, use --force to discard)", ErrDirtyWorktree, len(dirty))
		}
	}

	// 3. 应用差异，再切换 HEAD
	changes, err := a.switchTree(ctx, target)
	if err != nil {
		return "", nil, err
	}
	if opts.NewBranch != "" {
		if err := a.Refs.CompareAndSwap(ctx, branch, types.ZeroHash, target); err != nil {
			return "", nil, err
		}
	}
	if err := a.Refs.SetCurrent(branch); err != nil {
		return "", nil, err
	}
	return branch, changes, nil
}

// switchTree 把工作区从 HEAD 的树改写为 target 的树
func (a *App) switchTree(ctx context.Context, target types.Hash) ([]tree.Change, error) {
	_, head, err := a.head(ctx)
	if err != nil {
		return nil, err
	}
	return a.moveTree(ctx, head, target)
}

func (a *App) moveTree(ctx context.Context, from, to types.Hash) ([]tree.Change, error) {
	fromTree, err := a.treeOf(ctx, from)
	if err != nil {
		return nil, err
	}
	toTree, err := a.treeOf(ctx, to)
	if err != nil {
		return nil, err
	}
	changes, err := tree.Diff(ctx, a.source(), fromTree, toTree)
	if err != nil {
		return nil, err
	}
	if err := a.exporter().Apply(ctx, changes, a.Root, nil); err != nil {
		return changes, err
	}
	a.logger.Debug("worktree updated", slog.String("tree", toTree.Short()), slog.Int("changes", len(changes)))
	return changes, nil
}

// Cat 输出对象。path 为空时打印 rev 指向的对象的结构，
// 否则输出 rev 这个提交中 path 文件的内容。
func (a *App) Cat(ctx context.Context, rev, path string, w io.Writer) error {
	id, err := a.Resolve(ctx, rev)
	if err != nil {
		return err
	}
	exp := a.exporter()
	if path == "" {
		return exp.PrintObject(ctx, id, w)
	}

	root, err := a.treeOf(ctx, id)
	if err != nil {
		return err
	}
	ix, err := tree.Load(ctx, a.source(), a.Alg, root)
	if err != nil {
		return err
	}
	e, ok := ix.Get(path)
	if !ok {
		return fault.Newf(fault.NotFound, "cat", "path %q does not exist in %s", path, id.Short())
	}
	return exp.ExportFile(ctx, e.ID, w)
}
