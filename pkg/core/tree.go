package core

import (
	"fmt"
	"io/fs"
	"slices"
	"strings"

	"chunkvault/pkg/digest"
	"chunkvault/pkg/types"
)

// EntryKind 是树条目的种类
type EntryKind string

const (
	KindBlob    EntryKind = "blob"    // 普通文件，指向 FileNode
	KindExec    EntryKind = "exec"    // 可执行文件，指向 FileNode
	KindSymlink EntryKind = "symlink" // 符号链接，FileNode 内容为链接目标
	KindTree    EntryKind = "tree"    // 子目录，指向 Tree
)

func (k EntryKind) Valid() bool {
	switch k {
	case KindBlob, KindExec, KindSymlink, KindTree:
		return true
	}
	return false
}

// IsTree 报告条目是否是子目录
func (k EntryKind) IsTree() bool { return k == KindTree }

// ObjectType 返回该条目引用的对象类型
func (k EntryKind) ObjectType() ObjectType {
	if k == KindTree {
		return TypeTree
	}
	return TypeFileNode
}

// KindFromMode 把文件模式映射为条目种类；不支持的类型返回 false
func KindFromMode(mode fs.FileMode) (EntryKind, bool) {
	switch {
	case mode.IsDir():
		return KindTree, true
	case mode&fs.ModeSymlink != 0:
		return KindSymlink, true
	case mode.IsRegular() && mode.Perm()&0o111 != 0:
		return KindExec, true
	case mode.IsRegular():
		return KindBlob, true
	}
	return "", false
}

// FileMode 是检出时使用的权限位
func (k EntryKind) FileMode() fs.FileMode {
	switch k {
	case KindExec:
		return 0o755
	case KindTree:
		return fs.ModeDir | 0o755
	case KindSymlink:
		return fs.ModeSymlink | 0o777
	}
	return 0o644
}

type TreeEntry struct {
	Name string    `cbor:"n"`
	Kind EntryKind `cbor:"k"`
	Hash Link      `cbor:"h"`
	Size int64     `cbor:"s"`
}

type Tree struct {
	hash     types.Hash `cbor:"-"`
	rawBytes []byte     `cbor:"-"`

	TypeVal ObjectType  `cbor:"t"`
	Entries []TreeEntry `cbor:"e"`
}

// ValidName 检查单个路径段是否可以作为条目名
func ValidName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("empty entry name")
	case name == "." || name == "..":
		return fmt.Errorf("reserved entry name %q", name)
	case strings.ContainsAny(name, "/\x00"):
		return fmt.Errorf("entry name %q contains a separator", name)
	}
	return nil
}

// validateEntries 要求条目名合法、种类已知，且按字节序严格递增 (即唯一)
func validateEntries(entries []TreeEntry) error {
	for i, e := range entries {
		if err := ValidName(e.Name); err != nil {
			return err
		}
		if !e.Kind.Valid() {
			return fmt.Errorf("entry %q: unknown kind %q", e.Name, e.Kind)
		}
		if i == 0 {
			continue
		}
		switch prev := entries[i-1].Name; {
		case prev == e.Name:
			return fmt.Errorf("duplicate entry name %q", e.Name)
		case prev > e.Name:
			return fmt.Errorf("entries out of order: %q before %q", prev, e.Name)
		}
	}
	return nil
}

// NewTree 创建目录树节点。条目按名字字节序排序，名字必须唯一。
func NewTree(alg digest.Algorithm, entries []TreeEntry) (*Tree, error) {
	sorted := slices.Clone(entries)
	if sorted == nil {
		sorted = []TreeEntry{}
	}
	slices.SortFunc(sorted, func(a, b TreeEntry) int { return strings.Compare(a.Name, b.Name) })
	if err := validateEntries(sorted); err != nil {
		return nil, err
	}

	t := &Tree{
		TypeVal: TypeTree,
		Entries: sorted,
	}
	h, b, err := seal(alg, TypeTree, t)
	if err != nil {
		return nil, err
	}
	t.hash = h
	t.rawBytes = b
	return t, nil
}

// NewTreeEntryFromObject 根据子对象生成条目
func NewTreeEntryFromObject(name string, kind EntryKind, child Object) (TreeEntry, error) {
	var size int64
	switch n := child.(type) {
	case *FileNode:
		if kind.IsTree() {
			return TreeEntry{}, fmt.Errorf("entry %q: filenode cannot be a tree entry", name)
		}
		size = n.TotalSize
	case *Tree:
		kind = KindTree
	default:
		return TreeEntry{}, fmt.Errorf("unsupported tree entry object: %s", child.Type())
	}
	return TreeEntry{
		Name: name,
		Kind: kind,
		Hash: NewLink(child.ID()),
		Size: size,
	}, nil
}

// Find 按名字二分查找条目
func (t *Tree) Find(name string) (TreeEntry, bool) {
	i, ok := slices.BinarySearchFunc(t.Entries, name, func(e TreeEntry, n string) int {
		return strings.Compare(e.Name, n)
	})
	if !ok {
		return TreeEntry{}, false
	}
	return t.Entries[i], true
}

func (t *Tree) Type() ObjectType { return TypeTree }
func (t *Tree) ID() types.Hash   { return t.hash }
func (t *Tree) Bytes() []byte    { return t.rawBytes }

func (t *Tree) Links() []types.Hash {
	out := make([]types.Hash, len(t.Entries))
	for i, e := range t.Entries {
		out[i] = e.Hash.Hash
	}
	return out
}
