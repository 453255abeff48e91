// Package history 遍历 commit DAG。
package history

import (
	"container/heap"
	"context"
	"errors"

	"chunkvault/pkg/core"
	"chunkvault/pkg/digest"
	"chunkvault/pkg/storage"
	"chunkvault/pkg/types"
)

// ErrStop 可以由 Log 的回调返回，用于提前结束遍历
var ErrStop = errors.New("stop walking")

// Log 从 heads 出发按时间倒序访问每个可达的 commit 一次。
// 时间相同的 commit 按 ID 排序，结果是确定的。
func Log(ctx context.Context, s storage.Store, alg digest.Algorithm, heads []types.Hash, fn func(*core.Commit) error) error {
	q := &queue{}
	seen := make(map[types.Hash]bool)

	push := func(id types.Hash) error {
		if id.IsZero() || seen[id] {
			return nil
		}
		seen[id] = true
		c, err := storage.GetCommit(ctx, s, alg, id)
		if err != nil {
			return err
		}
		heap.Push(q, c)
		return nil
	}
	for _, h := range heads {
		if err := push(h); err != nil {
			return err
		}
	}

	for q.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		c := heap.Pop(q).(*core.Commit)
		if err := fn(c); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
		for _, p := range c.ParentIDs() {
			if err := push(p); err != nil {
				return err
			}
		}
	}
	return nil
}

// IsAncestor 报告 anc 是否是 desc 本身或它的祖先。
// 零值 anc 是所有 commit 的祖先 (空分支总能快进)。
func IsAncestor(ctx context.Context, s storage.Store, alg digest.Algorithm, anc, desc types.Hash) (bool, error) {
	if anc.IsZero() || anc == desc {
		return true, nil
	}
	if desc.IsZero() {
		return false, nil
	}
	found := false
	err := Log(ctx, s, alg, []types.Hash{desc}, func(c *core.Commit) error {
		if c.ID() == anc {
			found = true
			return ErrStop
		}
		return nil
	})
	return found, err
}

// queue 是按 (时间戳降序, ID 升序) 排列的最大堆
type queue []*core.Commit

func (q queue) Len() int { return len(q) }
func (q queue) Less(i, j int) bool {
	if q[i].Timestamp != q[j].Timestamp {
		return q[i].Timestamp > q[j].Timestamp
	}
	a, b := q[i].ID(), q[j].ID()
	return string(a[:]) < string(b[:])
}
func (q queue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *queue) Push(x any)   { *q = append(*q, x.(*core.Commit)) }
func (q *queue) Pop() any {
	old := *q
	n := len(old)
	c := old[n-1]
	*q = old[:n-1]
	return c
}
