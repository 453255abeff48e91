package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"chunkvault/pkg/config"
	"chunkvault/pkg/core"
	"chunkvault/pkg/fault"
	"chunkvault/pkg/refs"
	"chunkvault/pkg/tree"
	"chunkvault/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.User.Name = "tester"
	cfg.Transport.Timeout = 10 * time.Second
	cfg.Storage.Compression = "none"
	return cfg
}

func initRepo(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := Init(context.Background(), t.TempDir(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func write(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for p, c := range files {
		abs := filepath.Join(root, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0755))
		require.NoError(t, os.WriteFile(abs, []byte(c), 0644))
	}
}

func read(t *testing.T, root, p string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(p)))
	require.NoError(t, err)
	return string(b)
}

func commit(t *testing.T, a *App, msg string) types.Hash {
	t.Helper()
	res, err := a.Commit(context.Background(), CommitOptions{Message: msg})
	require.NoError(t, err)
	return res.ID
}

func TestInit_LayoutAndFormat(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Digest.Algorithm = "sha256"
	a := initRepo(t, cfg)

	// 1. format.yaml 记录了仓库参数
	data, err := os.ReadFile(filepath.Join(a.MetaDir, formatFile))
	require.NoError(t, err)
	var f Format
	require.NoError(t, yaml.Unmarshal(data, &f))
	assert.Equal(t, "sha256", f.Algorithm)
	assert.Equal(t, cfg.Chunker, f.Chunker)

	cur, err := a.Refs.Current()
	require.NoError(t, err)
	assert.Equal(t, "refs/heads/main", cur)

	// 2. 重复 init 失败
	_, err = Init(ctx, a.Root, cfg, nil)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	// 3. 打开时以 format 为准，而不是配置
	other := testConfig()
	other.Digest.Algorithm = "blake3"
	b, err := Open(ctx, a.Root, other, nil)
	require.NoError(t, err)
	defer b.Close()
	assert.Equal(t, "sha256", b.Alg.String())

	// 4. 从子目录找到根
	sub := filepath.Join(a.Root, "x", "y")
	require.NoError(t, os.MkdirAll(sub, 0755))
	root, err := FindRoot(sub)
	require.NoError(t, err)
	assert.Equal(t, a.Root, root)

	_, err = Open(ctx, t.TempDir(), cfg, nil)
	assert.ErrorIs(t, err, ErrNotRepository)
}

func TestOpen_StorageSelection(t *testing.T) {
	ctx := context.Background()
	a := initRepo(t, testConfig())

	cfg := testConfig()
	cfg.Storage.Type = "ftp"
	_, err := Open(ctx, a.Root, cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported storage type")

	cfg = testConfig()
	cfg.Storage.Type = "s3"
	_, err = Open(ctx, a.Root, cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket is required")

	cfg = testConfig()
	cfg.Storage.Path = filepath.Join(t.TempDir(), "objects")
	b, err := Open(ctx, a.Root, cfg, nil)
	require.NoError(t, err)
	defer b.Close()
	write(t, b.Root, map[string]string{"a.txt": "a"})
	commit(t, b, "external objects")
	entries, err := os.ReadDir(cfg.Storage.Path)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestCommit_LogDiffCat(t *testing.T) {
	ctx := context.Background()
	a := initRepo(t, testConfig())

	write(t, a.Root, map[string]string{"README.md": "v1", "data/w.bin": "weights"})
	first := commit(t, a, "first")

	_, err := a.Commit(ctx, CommitOptions{Message: "again"})
	assert.ErrorIs(t, err, ErrNothingToCommit)

	write(t, a.Root, map[string]string{"README.md": "v2"})
	second := commit(t, a, "second")

	// 1. Log 按时间倒序
	var msgs []string
	require.NoError(t, a.Log(ctx, LogOptions{Rev: "HEAD"}, func(c *core.Commit) error {
		msgs = append(msgs, c.Message)
		return nil
	}))
	assert.Equal(t, []string{"second", "first"}, msgs)

	msgs = nil
	require.NoError(t, a.Log(ctx, LogOptions{Rev: "main", Limit: 1}, func(c *core.Commit) error {
		msgs = append(msgs, c.Message)
		return nil
	}))
	assert.Equal(t, []string{"second"}, msgs)

	msgs = nil
	collect := func(c *core.Commit) error {
		msgs = append(msgs, c.Message)
		return nil
	}
	require.NoError(t, a.Log(ctx, LogOptions{Author: "tester"}, collect))
	assert.Equal(t, []string{"second", "first"}, msgs)
	msgs = nil
	require.NoError(t, a.Log(ctx, LogOptions{Author: "nobody"}, collect))
	assert.Empty(t, msgs)

	// 2. Diff 用短哈希和分支名都可以
	changes, err := a.Diff(ctx, first.String()[:10], "main")
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "README.md", changes[0].Path)
	assert.Equal(t, tree.Modified, changes[0].Op)

	// 3. Cat 文件内容和对象结构
	var out bytes.Buffer
	require.NoError(t, a.Cat(ctx, first.String(), "README.md", &out))
	assert.Equal(t, "v1", out.String())

	out.Reset()
	require.NoError(t, a.Cat(ctx, "HEAD", "", &out))
	assert.Contains(t, out.String(), "second")
	assert.Contains(t, out.String(), first.String())

	err = a.Cat(ctx, "HEAD", "nope.txt", &out)
	assert.ErrorIs(t, err, fault.NotFound)

	_, err = a.Resolve(ctx, "no-such-branch")
	assert.ErrorIs(t, err, fault.NotFound)

	// 4. 提交被索引到元数据库
	m, err := a.Meta.GetCommit(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, "tester", m.Author)
}

func TestCommit_SelectionKeepsTrackedFiles(t *testing.T) {
	ctx := context.Background()
	a := initRepo(t, testConfig())
	write(t, a.Root, map[string]string{"a.txt": "a1", "b.txt": "b1", "dir/c.txt": "c1"})
	first := commit(t, a, "first")

	write(t, a.Root, map[string]string{"a.txt": "a2", "b.txt": "b2", "new.txt": "n"})
	require.NoError(t, os.Remove(filepath.Join(a.Root, "dir", "c.txt")))

	// 1. Include：只有 a.txt 进入提交，其余已跟踪文件保持原样
	res, err := a.Commit(ctx, CommitOptions{Message: "only a", Include: []string{"a.txt"}})
	require.NoError(t, err)
	changes, err := a.Diff(ctx, first.String(), res.ID.String())
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "a.txt", changes[0].Path)
	assert.Equal(t, tree.Modified, changes[0].Op)

	// 2. Exclude：被排除的 b.txt 沿用上一次提交，其余变化 (含删除) 正常记录
	second := res.ID
	res, err = a.Commit(ctx, CommitOptions{Message: "not b", Exclude: []string{"b.txt"}})
	require.NoError(t, err)
	changes, err = a.Diff(ctx, second.String(), res.ID.String())
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, "dir/c.txt", changes[0].Path)
	assert.Equal(t, tree.Removed, changes[0].Op)
	assert.Equal(t, "new.txt", changes[1].Path)
	assert.Equal(t, tree.Added, changes[1].Op)

	var out bytes.Buffer
	require.NoError(t, a.Cat(ctx, "HEAD", "b.txt", &out))
	assert.Equal(t, "b1", out.String())

	// 3. 选中的文件没有变化时无事可提交
	_, err = a.Commit(ctx, CommitOptions{Message: "again", Include: []string{"a.txt"}})
	assert.ErrorIs(t, err, ErrNothingToCommit)
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	a := initRepo(t, testConfig())
	write(t, a.Root, map[string]string{"a.txt": "a", "b.txt": "b"})

	changes, err := a.Status(ctx)
	require.NoError(t, err)
	assert.Len(t, changes, 2, "新仓库里所有文件都是新增")

	commit(t, a, "init")
	changes, err = a.Status(ctx)
	require.NoError(t, err)
	assert.Empty(t, changes)

	require.NoError(t, os.Remove(filepath.Join(a.Root, "b.txt")))
	changes, err = a.Status(ctx)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, tree.Removed, changes[0].Op)
}

func TestCheckout_Branches(t *testing.T) {
	ctx := context.Background()
	a := initRepo(t, testConfig())
	write(t, a.Root, map[string]string{"model.cfg": "lr=0.1", "shared.txt": "same"})
	commit(t, a, "base")

	// 1. 新建分支并提交
	branch, _, err := a.Checkout(ctx, CheckoutOptions{NewBranch: "exp"})
	require.NoError(t, err)
	assert.Equal(t, "refs/heads/exp", branch)
	write(t, a.Root, map[string]string{"model.cfg": "lr=0.01", "extra.txt": "new"})
	commit(t, a, "tune")

	// 2. 切回 main：只改动有差异的文件
	_, changes, err := a.Checkout(ctx, CheckoutOptions{Rev: "main"})
	require.NoError(t, err)
	assert.Len(t, changes, 2)
	assert.Equal(t, "lr=0.1", read(t, a.Root, "model.cfg"))
	_, err = os.Stat(filepath.Join(a.Root, "extra.txt"))
	assert.True(t, os.IsNotExist(err))

	cur, err := a.Refs.Current()
	require.NoError(t, err)
	assert.Equal(t, refs.Branch("main"), cur)

	// 3. 工作区有修改时拒绝，--force 丢弃修改
	write(t, a.Root, map[string]string{"shared.txt": "edited"})
	_, _, err = a.Checkout(ctx, CheckoutOptions{Rev: "exp"})
	assert.ErrorIs(t, err, ErrDirtyWorktree)

	_, _, err = a.Checkout(ctx, CheckoutOptions{Rev: "exp", Force: true})
	require.NoError(t, err)
	assert.Equal(t, "lr=0.01", read(t, a.Root, "model.cfg"))
	assert.Equal(t, "new", read(t, a.Root, "extra.txt"))

	// 4. 非分支修订需要新分支名
	head, err := a.Refs.Head(ctx)
	require.NoError(t, err)
	_, _, err = a.Checkout(ctx, CheckoutOptions{Rev: head.String()})
	assert.ErrorIs(t, err, ErrDetached)

	// 5. 删除分支：当前分支不能删，未合并的需要 force
	_, _, err = a.Checkout(ctx, CheckoutOptions{Rev: "main", Force: true})
	require.NoError(t, err)
	write(t, a.Root, map[string]string{"shared.txt": "same"})
	_, err = a.DeleteBranch(ctx, "main", false)
	assert.ErrorIs(t, err, ErrBranchCurrent)
	_, err = a.DeleteBranch(ctx, "exp", false)
	assert.ErrorIs(t, err, ErrNotMerged)

	was, err := a.DeleteBranch(ctx, "exp", true)
	require.NoError(t, err)
	assert.Equal(t, head, was)
	_, err = a.DeleteBranch(ctx, "exp", true)
	assert.ErrorIs(t, err, fault.NotFound)

	// 已合并的分支直接删除
	_, _, err = a.Checkout(ctx, CheckoutOptions{NewBranch: "merged"})
	require.NoError(t, err)
	_, _, err = a.Checkout(ctx, CheckoutOptions{Rev: "main"})
	require.NoError(t, err)
	_, err = a.DeleteBranch(ctx, "merged", false)
	require.NoError(t, err)
}

func TestRemote_LocalPathPullAndPush(t *testing.T) {
	ctx := context.Background()
	origin := initRepo(t, testConfig())
	write(t, origin.Root, map[string]string{"data/train.csv": "1,2,3", "README.md": "hello"})
	base := commit(t, origin, "upstream")

	cfg := testConfig()
	cfg.Remotes["origin"] = config.RemoteConfig{URL: origin.Root}
	local := initRepo(t, cfg)

	// 1. pull 到空仓库：快进并检出
	res, err := local.Pull(ctx, "origin", "")
	require.NoError(t, err)
	assert.Contains(t, res.Updated, "refs/heads/main")
	assert.Positive(t, res.ObjectsReceived)
	assert.Equal(t, "1,2,3", read(t, local.Root, "data/train.csv"))

	tracking, err := local.Refs.Get(ctx, refs.RemoteBranch("origin", "main"))
	require.NoError(t, err)
	assert.Equal(t, base, tracking)

	// 收到的提交同样进入元数据索引
	m, err := local.Meta.GetCommit(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, "tester", m.Author)

	// 2. 再次 fetch 没有任何对象传输
	res, err = local.Fetch(ctx, "origin")
	require.NoError(t, err)
	assert.True(t, res.UpToDate())

	// 3. 本地提交后 push，远端分支快进
	write(t, local.Root, map[string]string{"data/train.csv": "1,2,3,4"})
	next := commit(t, local, "more data")
	res, err = local.Push(ctx, "origin")
	require.NoError(t, err)
	assert.Positive(t, res.ObjectsSent)

	remoteHead, err := origin.Refs.Get(ctx, refs.Branch("main"))
	require.NoError(t, err)
	assert.Equal(t, next, remoteHead)
	_, err = origin.Meta.GetCommit(ctx, next)
	require.NoError(t, err, "推送到远端的提交被远端索引")

	// 4. 工作区有修改时拒绝 pull
	write(t, local.Root, map[string]string{"scratch.txt": "wip"})
	_, err = local.Pull(ctx, "origin", "")
	assert.ErrorIs(t, err, ErrDirtyWorktree)

	_, err = local.Fetch(ctx, "upstream")
	assert.Error(t, err)
}
