// Package exporter 从对象存储中还原文件和目录。
package exporter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"chunkvault/pkg/core"
	"chunkvault/pkg/digest"
	"chunkvault/pkg/fault"
	"chunkvault/pkg/storage"
	"chunkvault/pkg/tree"
	"chunkvault/pkg/types"

	"github.com/google/renameio"
)

// ReservedName 是工作区根目录下保留给仓库元数据的名字，任何树都不能写到这里
const ReservedName = ".cv"

// ErrUnsafePath 表示树中的路径会落到工作区之外或元数据目录里
var ErrUnsafePath = errors.New("unsafe path in tree")

type Exporter struct {
	store  storage.Store
	alg    digest.Algorithm
	logger *slog.Logger
}

func NewExporter(store storage.Store, alg digest.Algorithm, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{store: store, alg: alg, logger: logger}
}

// ExportFile 根据 FileNode 的 ID，把还原的文件内容写入 w。
// 每个块都会重新校验摘要。
func (e *Exporter) ExportFile(ctx context.Context, id types.Hash, w io.Writer) error {
	node, err := storage.GetFileNode(ctx, e.store, e.alg, id)
	if err != nil {
		return fmt.Errorf("failed to get filenode %s: %w", id.Short(), err)
	}

	// 按顺序拼接所有 Chunk
	for i, link := range node.Chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.writeChunk(ctx, link.Hash.Hash, w); err != nil {
			return fmt.Errorf("chunk %d of %s: %w", i, id.Short(), err)
		}
	}
	return nil
}

// writeChunk 优先走 mmap 视图，避免把块读进堆内存
func (e *Exporter) writeChunk(ctx context.Context, id types.Hash, w io.Writer) error {
	if m, ok := e.store.(storage.Mapper); ok {
		view, err := m.Map(ctx, id)
		switch {
		case err == nil:
			defer view.Close()
			return view.With(func(b []byte) error {
				if !core.Verify(e.alg, core.TypeChunk, id, b) {
					return fault.Newf(fault.DigestMismatch, "export", "chunk %s is corrupt", id.Short())
				}
				_, err := w.Write(b)
				return err
			})
		case !errors.Is(err, storage.ErrNotMappable):
			return err
		}
	}

	raw, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if raw.Kind != core.TypeChunk || !core.Verify(e.alg, core.TypeChunk, id, raw.Data) {
		return fault.Newf(fault.DigestMismatch, "export", "chunk %s is corrupt", id.Short())
	}
	_, err = w.Write(raw.Data)
	return err
}

// RestoreCallback 在每个文件还原后调用
type RestoreCallback func(path string, e tree.Entry)

// RestoreEntry 把一个叶子条目写到 path：普通文件原子替换，符号链接重新创建
func (e *Exporter) RestoreEntry(ctx context.Context, path string, entry tree.Entry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create dir for %s: %w", path, err)
	}

	if entry.Kind == core.KindSymlink {
		var target bytes.Buffer
		if err := e.ExportFile(ctx, entry.ID, &target); err != nil {
			return err
		}
		_ = os.Remove(path)
		return os.Symlink(target.String(), path)
	}

	// 先写临时文件，成功后再替换，失败不会留下半个文件
	pf, err := renameio.TempFile("", path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer pf.Cleanup()

	if err := e.ExportFile(ctx, entry.ID, pf); err != nil {
		return err
	}
	if err := pf.Chmod(entry.Kind.FileMode().Perm()); err != nil {
		return err
	}
	return pf.CloseAtomicallyReplace()
}

// RestoreTree 递归地将 Merkle Tree 还原到目标目录
func (e *Exporter) RestoreTree(ctx context.Context, treeID types.Hash, targetDir string, onRestore RestoreCallback) error {
	ix, err := tree.Load(ctx, tree.StoreSource{Store: e.store, Alg: e.alg}, e.alg, treeID)
	if err != nil {
		return fmt.Errorf("failed to load tree %s: %w", treeID.Short(), err)
	}
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return err
	}
	for p, entry := range ix.All() {
		full, err := target(targetDir, p)
		if err != nil {
			return err
		}
		if err := e.RestoreEntry(ctx, full, entry); err != nil {
			return err
		}
		if onRestore != nil {
			onRestore(p, entry)
		}
	}
	e.logger.Debug("tree restored", slog.String("tree", treeID.Short()), slog.Int("files", ix.Len()))
	return nil
}

// Apply 把从旧树到新树的差异应用到目录：只写变化的文件，删除消失的文件
func (e *Exporter) Apply(ctx context.Context, changes []tree.Change, targetDir string, onRestore RestoreCallback) error {
	for _, c := range changes {
		full, err := target(targetDir, c.Path)
		if err != nil {
			return err
		}
		if c.Op == tree.Removed {
			if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
				return err
			}
			removeEmptyParents(targetDir, filepath.Dir(full))
			continue
		}
		if err := e.RestoreEntry(ctx, full, c.New); err != nil {
			return err
		}
		if onRestore != nil {
			onRestore(c.Path, c.New)
		}
	}
	return nil
}

// target 把树内的相对路径落到 dir 下。
// 路径必须是局部路径，且不能以元数据目录开头 (忽略大小写，兼容不区分大小写的文件系统)。
func target(dir, p string) (string, error) {
	rel := filepath.FromSlash(p)
	if !filepath.IsLocal(rel) {
		return "", fault.New(fault.Internal, "export", fmt.Errorf("%w: %q", ErrUnsafePath, p))
	}
	first, _, _ := strings.Cut(p, "/")
	if strings.EqualFold(first, ReservedName) {
		return "", fault.New(fault.Internal, "export", fmt.Errorf("%w: %q", ErrUnsafePath, p))
	}
	return filepath.Join(dir, rel), nil
}

func removeEmptyParents(root, dir string) {
	for dir != root && len(dir) > len(root) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}
