package refs

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"chunkvault/pkg/digest"
	"chunkvault/pkg/fault"
	"chunkvault/pkg/meta"
	"chunkvault/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestEnv 搭建基于 SQLite 文件的测试环境
func setupTestEnv(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	db, err := meta.NewDB(context.Background(), meta.Config{Path: filepath.Join(dir, "meta.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewManager(meta.NewRepository(db), HeadPath(dir), "main")
}

func h(s string) types.Hash { return digest.BLAKE3.Sum([]byte(s)) }

func TestRefFlow_Lifecycle(t *testing.T) {
	mgr := setupTestEnv(t)
	ctx := context.Background()

	// 1. 初始状态应该是 NoHead
	cur, err := mgr.Current()
	require.NoError(t, err)
	assert.Equal(t, "refs/heads/main", cur)
	_, err = mgr.Head(ctx)
	assert.ErrorIs(t, err, ErrNoHead, "空仓库应该返回 ErrNoHead")

	// 2. 第一次提交：引用必须还不存在
	require.NoError(t, mgr.CompareAndSwap(ctx, cur, types.ZeroHash, h("v1")))
	head, err := mgr.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, h("v1"), head)

	// 3. 第二次提交
	require.NoError(t, mgr.CompareAndSwap(ctx, cur, h("v1"), h("v2")))
	head, err = mgr.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, h("v2"), head)

	// 4. 切换分支
	require.NoError(t, mgr.SetCurrent(Branch("dev")))
	cur, err = mgr.Current()
	require.NoError(t, err)
	assert.Equal(t, "refs/heads/dev", cur)
	_, err = mgr.Head(ctx)
	assert.ErrorIs(t, err, ErrNoHead)
}

func TestRefFlow_OptimisticLocking(t *testing.T) {
	mgr := setupTestEnv(t)
	ctx := context.Background()
	name := Branch("main")

	require.NoError(t, mgr.CompareAndSwap(ctx, name, types.ZeroHash, h("v1")))

	// 用户 B 先成功了
	require.NoError(t, mgr.CompareAndSwap(ctx, name, h("v1"), h("B")))

	// 用户 A 拿着过期的值试图更新
	err := mgr.CompareAndSwap(ctx, name, h("v1"), h("A"))
	assert.ErrorIs(t, err, ErrStale, "使用过期的值更新应该被拒绝")

	// 重复创建同样被拒绝
	err = mgr.CompareAndSwap(ctx, name, types.ZeroHash, h("A"))
	assert.ErrorIs(t, err, ErrStale)

	got, err := mgr.Get(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, h("B"), got, "引用应该保持为用户 B 的值")
}

func TestRefFlow_ConcurrentCAS(t *testing.T) {
	mgr := setupTestEnv(t)
	ctx := context.Background()
	name := Branch("main")
	require.NoError(t, mgr.CompareAndSwap(ctx, name, types.ZeroHash, h("base")))

	// 多个写者基于同一个旧值竞争，只有一个成功
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if mgr.CompareAndSwap(ctx, name, h("base"), h(string(rune('a'+i)))) == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestRefs_SetAndList(t *testing.T) {
	mgr := setupTestEnv(t)
	ctx := context.Background()

	require.NoError(t, mgr.Set(ctx, RemoteBranch("origin", "main"), h("x")))
	require.NoError(t, mgr.Set(ctx, RemoteBranch("origin", "main"), h("y")))
	require.NoError(t, mgr.Set(ctx, RemoteBranch("origin", "dev"), h("z")))
	require.NoError(t, mgr.Set(ctx, Branch("main"), h("m")))

	remote, err := mgr.List(ctx, RemotesPrefix+"origin/")
	require.NoError(t, err)
	assert.Equal(t, []Named{
		{Name: "refs/remotes/origin/dev", ID: h("z")},
		{Name: "refs/remotes/origin/main", ID: h("y")},
	}, remote)

	_, err = mgr.Get(ctx, Branch("missing"))
	assert.ErrorIs(t, err, fault.NotFound)
}

func TestRefs_Delete(t *testing.T) {
	mgr := setupTestEnv(t)
	ctx := context.Background()
	name := Branch("topic")
	require.NoError(t, mgr.CompareAndSwap(ctx, name, types.ZeroHash, h("t1")))

	// 期望值过期时拒绝删除
	err := mgr.Delete(ctx, name, h("other"))
	assert.ErrorIs(t, err, ErrStale)

	require.NoError(t, mgr.Delete(ctx, name, h("t1")))
	_, err = mgr.Get(ctx, name)
	assert.ErrorIs(t, err, fault.NotFound)

	err = mgr.Delete(ctx, name, h("t1"))
	assert.ErrorIs(t, err, fault.NotFound)

	// 删除后可以重新创建
	require.NoError(t, mgr.CompareAndSwap(ctx, name, types.ZeroHash, h("t2")))
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name string
		ok   bool
	}{
		{"refs/heads/main", true},
		{"refs/remotes/origin/feature-1", true},
		{"heads/main", false},
		{"refs/heads/", false},
		{"refs/heads/../x", false},
		{"refs/heads/a b", false},
		{"refs/heads/a:b", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.name)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrBadName)
			}
		})
	}
}
