package tree

import (
	"context"
	"strings"

	"chunkvault/pkg/core"
	"chunkvault/pkg/types"
)

// ChangeOp 是一条差异的类型
type ChangeOp uint8

const (
	Added ChangeOp = iota + 1
	Removed
	Modified
)

func (op ChangeOp) String() string {
	switch op {
	case Added:
		return "A"
	case Removed:
		return "D"
	case Modified:
		return "M"
	}
	return "?"
}

// Change 描述一个叶子路径上的变化；Added 时 Old 为零值，Removed 时 New 为零值
type Change struct {
	Path string
	Op   ChangeOp
	Old  Entry
	New  Entry
}

// Diff 比较两棵树 (零值 ID 表示空树)，按路径顺序返回叶子级别的变化。
// ID 相同的子树直接跳过，不会被读取。
func Diff(ctx context.Context, src Source, a, b types.Hash) ([]Change, error) {
	d := &differ{src: src}
	if err := d.trees(ctx, "", a, b); err != nil {
		return nil, err
	}
	return d.out, nil
}

type differ struct {
	src Source
	out []Change
}

func (d *differ) entries(ctx context.Context, id types.Hash) ([]core.TreeEntry, error) {
	if id.IsZero() {
		return nil, nil
	}
	t, err := d.src.Tree(ctx, id)
	if err != nil {
		return nil, err
	}
	return t.Entries, nil
}

func (d *differ) trees(ctx context.Context, prefix string, a, b types.Hash) error {
	if a == b {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	ea, err := d.entries(ctx, a)
	if err != nil {
		return err
	}
	eb, err := d.entries(ctx, b)
	if err != nil {
		return err
	}

	// 两侧条目都按名字排序，做一次归并
	i, j := 0, 0
	for i < len(ea) || j < len(eb) {
		var cmp int
		switch {
		case i == len(ea):
			cmp = 1
		case j == len(eb):
			cmp = -1
		default:
			cmp = strings.Compare(ea[i].Name, eb[j].Name)
		}

		switch {
		case cmp < 0:
			if err := d.side(ctx, joinPath(prefix, ea[i].Name), ea[i], Removed); err != nil {
				return err
			}
			i++
		case cmp > 0:
			if err := d.side(ctx, joinPath(prefix, eb[j].Name), eb[j], Added); err != nil {
				return err
			}
			j++
		default:
			if err := d.both(ctx, joinPath(prefix, ea[i].Name), ea[i], eb[j]); err != nil {
				return err
			}
			i++
			j++
		}
	}
	return nil
}

// side 处理只出现在一侧的条目；目录会被展开成叶子
func (d *differ) side(ctx context.Context, path string, e core.TreeEntry, op ChangeOp) error {
	if e.Kind.IsTree() {
		if op == Added {
			return d.trees(ctx, path, types.ZeroHash, e.Hash.Hash)
		}
		return d.trees(ctx, path, e.Hash.Hash, types.ZeroHash)
	}
	c := Change{Path: path, Op: op}
	if op == Added {
		c.New = entryOf(e)
	} else {
		c.Old = entryOf(e)
	}
	d.out = append(d.out, c)
	return nil
}

func (d *differ) both(ctx context.Context, path string, a, b core.TreeEntry) error {
	if a.Hash.Hash == b.Hash.Hash && a.Kind == b.Kind {
		return nil
	}
	switch {
	case a.Kind.IsTree() && b.Kind.IsTree():
		return d.trees(ctx, path, a.Hash.Hash, b.Hash.Hash)
	case !a.Kind.IsTree() && !b.Kind.IsTree():
		d.out = append(d.out, Change{Path: path, Op: Modified, Old: entryOf(a), New: entryOf(b)})
		return nil
	default:
		// 目录与同名文件互相替换：先列出旧侧 (目录会展开成叶子)，再列出新侧
		if err := d.side(ctx, path, a, Removed); err != nil {
			return err
		}
		return d.side(ctx, path, b, Added)
	}
}
