package storage

import (
	"context"

	"chunkvault/pkg/core"
	"chunkvault/pkg/fault"
	"chunkvault/pkg/mmap"
	"chunkvault/pkg/types"
)

// Guard 拒绝超过容量上限的对象，其余调用原样转发
type Guard struct {
	Store
	maxObjectSize int64
}

// NewGuard 包装 s；limit <= 0 表示不限制
func NewGuard(s Store, limit int64) *Guard {
	return &Guard{Store: s, maxObjectSize: limit}
}

func (g *Guard) Put(ctx context.Context, obj core.Object) (types.Hash, bool, error) {
	if size := int64(len(obj.Bytes())); g.maxObjectSize > 0 && size > g.maxObjectSize {
		return obj.ID(), false, fault.Newf(fault.CapacityExceeded, "storage.put",
			"%s %s is %d bytes, limit is %d (raise storage.max_object_size or lower chunker.max_size)",
			obj.Type(), obj.ID().Short(), size, g.maxObjectSize)
	}
	return g.Store.Put(ctx, obj)
}

// Map 透传可选能力
func (g *Guard) Map(ctx context.Context, id types.Hash) (*mmap.View, error) {
	m, ok := g.Store.(Mapper)
	if !ok {
		return nil, ErrNotMappable
	}
	return m.Map(ctx, id)
}

func (g *Guard) Walk(ctx context.Context, fn func(types.Hash) error) error {
	w, ok := g.Store.(Walker)
	if !ok {
		return ErrNotWalkable
	}
	return w.Walk(ctx, fn)
}
