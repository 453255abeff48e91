// Package tree 实现了路径前缀树 (Trie) 形式的目录索引。
//
// 叶子是文件条目 (FileNode 引用)，内部节点是目录。Seal 自底向上计算
// 每个目录的 Tree 对象；没有被修改过的子树保留原来的 ID，所以两个
// 快照之间未变化的目录天然共享同一个对象 (结构共享)。
package tree

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"

	"chunkvault/pkg/core"
	"chunkvault/pkg/digest"
	"chunkvault/pkg/types"
)

var (
	ErrPathConflict = errors.New("path conflicts with an existing entry")
	ErrInvalidPath  = errors.New("invalid path")
)

// Entry 是叶子节点的值
type Entry struct {
	ID   types.Hash
	Kind core.EntryKind
	Size int64
}

func entryOf(te core.TreeEntry) Entry {
	return Entry{ID: te.Hash.Hash, Kind: te.Kind, Size: te.Size}
}

type node struct {
	children map[string]*node // 目录节点非 nil
	leaf     Entry            // 仅叶子有效

	tree      *core.Tree // 目录的密封结果；路径上有修改时置 nil
	persisted bool       // tree 已经在存储中
}

func newDir() *node { return &node{children: make(map[string]*node)} }

func (n *node) isDir() bool { return n.children != nil }

// Index 是一个可变的目录树；不是并发安全的
type Index struct {
	alg    digest.Algorithm
	root   *node
	count  int
	sealed map[types.Hash]*core.Tree // Seal 产生的全部树，供 Source 查询
}

func New(alg digest.Algorithm) *Index {
	return &Index{alg: alg, root: newDir(), sealed: make(map[types.Hash]*core.Tree)}
}

// SplitPath 把 "a/b/c" 拆成路径段，并校验每一段
func SplitPath(path string) ([]string, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	parts := strings.Split(path, "/")
	for _, p := range parts {
		if err := core.ValidName(p); err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidPath, path, err)
		}
	}
	return parts, nil
}

// Insert 在 path 处放入叶子，必要时创建中间目录。
// 已存在的叶子会被替换；与已有目录或把叶子当目录的路径冲突时报错。
func (ix *Index) Insert(path string, e Entry) error {
	if e.Kind.IsTree() || !e.Kind.Valid() {
		return fmt.Errorf("%w: %q has kind %q", ErrInvalidPath, path, e.Kind)
	}
	parts, err := SplitPath(path)
	if err != nil {
		return err
	}

	// 先检查冲突，再修改，保证失败时索引不变
	cur := ix.root
	for i, part := range parts[:len(parts)-1] {
		child, ok := cur.children[part]
		if !ok {
			break
		}
		if !child.isDir() {
			return fmt.Errorf("%w: %q is a file", ErrPathConflict, strings.Join(parts[:i+1], "/"))
		}
		cur = child
	}
	if existing := ix.lookup(parts); existing != nil && existing.isDir() {
		return fmt.Errorf("%w: %q is a directory", ErrPathConflict, path)
	}

	cur = ix.root
	cur.tree = nil
	for _, part := range parts[:len(parts)-1] {
		child, ok := cur.children[part]
		if !ok {
			child = newDir()
			cur.children[part] = child
		}
		child.tree = nil
		cur = child
	}
	name := parts[len(parts)-1]
	if _, ok := cur.children[name]; !ok {
		ix.count++
	}
	cur.children[name] = &node{leaf: e}
	return nil
}

func (ix *Index) lookup(parts []string) *node {
	cur := ix.root
	for _, part := range parts {
		if !cur.isDir() {
			return nil
		}
		child, ok := cur.children[part]
		if !ok {
			return nil
		}
		cur = child
	}
	return cur
}

// Get 返回 path 处的叶子
func (ix *Index) Get(path string) (Entry, bool) {
	parts, err := SplitPath(path)
	if err != nil {
		return Entry{}, false
	}
	n := ix.lookup(parts)
	if n == nil || n.isDir() {
		return Entry{}, false
	}
	return n.leaf, true
}

// Remove 删除叶子；删空的目录一并删除
func (ix *Index) Remove(path string) bool {
	parts, err := SplitPath(path)
	if err != nil {
		return false
	}
	if n := ix.lookup(parts); n == nil || n.isDir() {
		return false
	}

	stack := []*node{ix.root}
	cur := ix.root
	for _, part := range parts[:len(parts)-1] {
		cur = cur.children[part]
		stack = append(stack, cur)
	}
	for _, n := range stack {
		n.tree = nil
	}
	delete(cur.children, parts[len(parts)-1])
	ix.count--

	// 自底向上修剪空目录 (根目录保留)
	for i := len(stack) - 1; i > 0; i-- {
		if len(stack[i].children) > 0 {
			break
		}
		delete(stack[i-1].children, parts[i-1])
	}
	return true
}

// Len 返回叶子数量
func (ix *Index) Len() int { return ix.count }

// All 按路径段的字典序遍历全部叶子。序列是有限的，可以重复遍历。
func (ix *Index) All() iter.Seq2[string, Entry] {
	return func(yield func(string, Entry) bool) {
		walkLeaves(ix.root, "", yield)
	}
}

func sortedNames(n *node) []string {
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func walkLeaves(n *node, prefix string, yield func(string, Entry) bool) bool {
	for _, name := range sortedNames(n) {
		child := n.children[name]
		p := joinPath(prefix, name)
		if child.isDir() {
			if !walkLeaves(child, p, yield) {
				return false
			}
			continue
		}
		if !yield(p, child.leaf) {
			return false
		}
	}
	return true
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// Seal 自底向上计算所有目录的 Tree 对象并返回根 ID，不写存储
func (ix *Index) Seal() (types.Hash, error) {
	t, err := ix.seal(ix.root)
	if err != nil {
		return types.ZeroHash, err
	}
	return t.ID(), nil
}

func (ix *Index) seal(n *node) (*core.Tree, error) {
	if n.tree != nil {
		return n.tree, nil
	}
	entries := make([]core.TreeEntry, 0, len(n.children))
	for name, child := range n.children {
		if child.isDir() {
			sub, err := ix.seal(child)
			if err != nil {
				return nil, err
			}
			entries = append(entries, core.TreeEntry{Name: name, Kind: core.KindTree, Hash: core.NewLink(sub.ID())})
			continue
		}
		entries = append(entries, core.TreeEntry{
			Name: name,
			Kind: child.leaf.Kind,
			Hash: core.NewLink(child.leaf.ID),
			Size: child.leaf.Size,
		})
	}
	t, err := core.NewTree(ix.alg, entries)
	if err != nil {
		return nil, fmt.Errorf("failed to create tree object: %w", err)
	}
	n.tree = t
	n.persisted = false
	ix.sealed[t.ID()] = t
	return t, nil
}

// PutFunc 持久化一个对象；调用返回即表示写入已确认
type PutFunc func(ctx context.Context, obj core.Object) error

// Write 密封并持久化整棵树：子目录总是先于父目录写入，
// 已经在存储中的子树直接跳过。返回根 ID。
func (ix *Index) Write(ctx context.Context, put PutFunc) (types.Hash, error) {
	root, err := ix.seal(ix.root)
	if err != nil {
		return types.ZeroHash, err
	}
	if err := ix.write(ctx, ix.root, put); err != nil {
		return types.ZeroHash, err
	}
	return root.ID(), nil
}

func (ix *Index) write(ctx context.Context, n *node, put PutFunc) error {
	if n.persisted {
		return nil
	}
	for _, name := range sortedNames(n) {
		child := n.children[name]
		if !child.isDir() {
			continue
		}
		if err := ix.write(ctx, child, put); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := put(ctx, n.tree); err != nil {
		return fmt.Errorf("failed to store tree %s: %w", n.tree.ID().Short(), err)
	}
	n.persisted = true
	return nil
}

// Tree 让密封后的索引本身成为一个 Source
func (ix *Index) Tree(_ context.Context, id types.Hash) (*core.Tree, error) {
	if t, ok := ix.sealed[id]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("%w: tree %s", errNotInSource, id.Short())
}
