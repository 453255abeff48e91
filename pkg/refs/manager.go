// Package refs 管理命名引用：本地分支、远端跟踪分支和当前分支 (HEAD)。
//
// 引用值存在元数据库里，更新一律走 compare-and-swap；
// HEAD 只记录当前分支名，是工作区里的一个小文件。
package refs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"chunkvault/pkg/fault"
	"chunkvault/pkg/meta"
	"chunkvault/pkg/types"

	"github.com/google/renameio"
)

const (
	HeadsPrefix   = "refs/heads/"
	RemotesPrefix = "refs/remotes/"
	headPrefix    = "ref: "
)

var (
	ErrNoHead   = errors.New("HEAD not found (clean repo)")
	ErrStale    = errors.New("reference moved since it was read")
	ErrBadName  = errors.New("invalid reference name")
	errNotFound = fault.New(fault.NotFound, "refs", meta.ErrRefNotFound)
)

// Named 是一个引用及其当前值
type Named struct {
	Name string
	ID   types.Hash
}

// Manager 负责读写引用
type Manager struct {
	repo          *meta.Repository
	headPath      string // .cv/HEAD
	defaultBranch string
}

func NewManager(repo *meta.Repository, headPath, defaultBranch string) *Manager {
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	return &Manager{repo: repo, headPath: headPath, defaultBranch: defaultBranch}
}

// Branch 返回分支的完整引用名
func Branch(name string) string { return HeadsPrefix + name }

// RemoteBranch 返回远端跟踪分支的完整引用名
func RemoteBranch(remote, branch string) string {
	return RemotesPrefix + remote + "/" + branch
}

// ValidateName 校验完整引用名
func ValidateName(name string) error {
	if !strings.HasPrefix(name, "refs/") {
		return fmt.Errorf("%w: %q", ErrBadName, name)
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == "" || seg == "." || seg == ".." || strings.ContainsAny(seg, " \t\n~^:?*[\\") {
			return fmt.Errorf("%w: %q", ErrBadName, name)
		}
	}
	return nil
}

// Current 返回当前分支的完整引用名；没有 HEAD 文件时使用默认分支
func (m *Manager) Current() (string, error) {
	data, err := os.ReadFile(m.headPath)
	if os.IsNotExist(err) {
		return Branch(m.defaultBranch), nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read HEAD: %w", err)
	}
	// 清理换行符 (编辑器可能会自动加 \n)
	line := strings.TrimSpace(string(data))
	name, ok := strings.CutPrefix(line, headPrefix)
	if !ok {
		return "", fmt.Errorf("%w: HEAD contains %q", ErrBadName, line)
	}
	return name, nil
}

// SetCurrent 切换当前分支 (不检查分支是否存在)
func (m *Manager) SetCurrent(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	return renameio.WriteFile(m.headPath, []byte(headPrefix+name+"\n"), 0644)
}

// Get 读取引用的当前值
func (m *Manager) Get(ctx context.Context, name string) (types.Hash, error) {
	id, _, err := m.get(ctx, name)
	return id, err
}

func (m *Manager) get(ctx context.Context, name string) (types.Hash, int64, error) {
	ref, err := m.repo.GetRef(ctx, name)
	if errors.Is(err, meta.ErrRefNotFound) {
		return types.ZeroHash, 0, fmt.Errorf("%w: %s", errNotFound, name)
	}
	if err != nil {
		return types.ZeroHash, 0, fault.Wrap(fault.IOError, "refs.get", err)
	}
	id, err := types.ParseHash(ref.CommitHash)
	if err != nil {
		return types.ZeroHash, 0, fmt.Errorf("ref %s is corrupt: %w", name, err)
	}
	return id, ref.Version, nil
}

// Head 返回当前分支指向的 commit；新仓库返回 ErrNoHead
func (m *Manager) Head(ctx context.Context) (types.Hash, error) {
	name, err := m.Current()
	if err != nil {
		return types.ZeroHash, err
	}
	id, err := m.Get(ctx, name)
	if errors.Is(err, fault.NotFound) {
		return types.ZeroHash, ErrNoHead
	}
	return id, err
}

// CompareAndSwap 仅当引用当前等于 old 时把它改为 next。
// old 为零值表示引用必须还不存在。
func (m *Manager) CompareAndSwap(ctx context.Context, name string, old, next types.Hash) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	cur, version, err := m.get(ctx, name)
	if err != nil && !errors.Is(err, fault.NotFound) {
		return err
	}
	if cur != old {
		return fmt.Errorf("%w: %s is %s, expected %s", ErrStale, name, shortOrNone(cur), shortOrNone(old))
	}
	if err := m.repo.UpdateRef(ctx, name, next, version); err != nil {
		if errors.Is(err, meta.ErrConcurrentUpdate) {
			return fmt.Errorf("%w: %s", ErrStale, name)
		}
		return fault.Wrap(fault.IOError, "refs.update", err)
	}
	return nil
}

// Delete 仅当引用当前等于 old 时删除它
func (m *Manager) Delete(ctx context.Context, name string, old types.Hash) error {
	cur, version, err := m.get(ctx, name)
	if err != nil {
		return err
	}
	if cur != old {
		return fmt.Errorf("%w: %s is %s, expected %s", ErrStale, name, shortOrNone(cur), shortOrNone(old))
	}
	if err := m.repo.DeleteRef(ctx, name, version); err != nil {
		if errors.Is(err, meta.ErrConcurrentUpdate) {
			return fmt.Errorf("%w: %s", ErrStale, name)
		}
		return fault.Wrap(fault.IOError, "refs.delete", err)
	}
	return nil
}

// Set 无条件地更新引用 (远端跟踪分支)。与并发写者竞争时重试。
func (m *Manager) Set(ctx context.Context, name string, id types.Hash) error {
	for {
		cur, err := m.Get(ctx, name)
		if err != nil && !errors.Is(err, fault.NotFound) {
			return err
		}
		if cur == id {
			return nil
		}
		err = m.CompareAndSwap(ctx, name, cur, id)
		if !errors.Is(err, ErrStale) {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// List 按名字顺序返回以 prefix 开头的引用
func (m *Manager) List(ctx context.Context, prefix string) ([]Named, error) {
	refs, err := m.repo.ListRefs(ctx, prefix)
	if err != nil {
		return nil, fault.Wrap(fault.IOError, "refs.list", err)
	}
	out := make([]Named, 0, len(refs))
	for _, r := range refs {
		id, err := types.ParseHash(r.CommitHash)
		if err != nil {
			return nil, fmt.Errorf("ref %s is corrupt: %w", r.Name, err)
		}
		out = append(out, Named{Name: r.Name, ID: id})
	}
	return out, nil
}

func shortOrNone(h types.Hash) string {
	if h.IsZero() {
		return "<none>"
	}
	return h.Short()
}

// HeadPath 返回 HEAD 文件在元数据目录中的位置
func HeadPath(metaDir string) string { return filepath.Join(metaDir, "HEAD") }
