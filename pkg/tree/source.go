package tree

import (
	"context"
	"errors"
	"fmt"

	"chunkvault/pkg/core"
	"chunkvault/pkg/digest"
	"chunkvault/pkg/fault"
	"chunkvault/pkg/storage"
	"chunkvault/pkg/types"
)

var errNotInSource = fault.New(fault.NotFound, "tree.source", errors.New("tree not in source"))

// Source 按 ID 提供 Tree 对象
type Source interface {
	Tree(ctx context.Context, id types.Hash) (*core.Tree, error)
}

// StoreSource 从对象存储读取树
type StoreSource struct {
	Store storage.Store
	Alg   digest.Algorithm
}

func (s StoreSource) Tree(ctx context.Context, id types.Hash) (*core.Tree, error) {
	return storage.GetTree(ctx, s.Store, s.Alg, id)
}

// MultiSource 依次尝试每个 Source，第一个找到的胜出
type MultiSource []Source

func (m MultiSource) Tree(ctx context.Context, id types.Hash) (*core.Tree, error) {
	for _, s := range m {
		t, err := s.Tree(ctx, id)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, fault.NotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: tree %s", errNotInSource, id.Short())
}

// Load 从 Source 重建完整的索引。根 ID 为零值时返回空索引。
// 载入的目录都标记为已持久化，后续 Write 只会写入被修改的路径。
func Load(ctx context.Context, src Source, alg digest.Algorithm, root types.Hash) (*Index, error) {
	ix := New(alg)
	if root.IsZero() {
		return ix, nil
	}
	n, err := ix.load(ctx, src, root)
	if err != nil {
		return nil, err
	}
	ix.root = n
	return ix, nil
}

func (ix *Index) load(ctx context.Context, src Source, id types.Hash) (*node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, err := src.Tree(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load tree %s: %w", id.Short(), err)
	}
	n := newDir()
	for _, e := range t.Entries {
		if e.Kind.IsTree() {
			child, err := ix.load(ctx, src, e.Hash.Hash)
			if err != nil {
				return nil, err
			}
			n.children[e.Name] = child
			continue
		}
		n.children[e.Name] = &node{leaf: entryOf(e)}
		ix.count++
	}
	n.tree = t
	n.persisted = true
	ix.sealed[t.ID()] = t
	return n, nil
}
