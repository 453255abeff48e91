// Package lru 实现了一个最近最少使用 (LRU) 的读缓存装饰器。
// 只缓存小对象 (树、提交、文件索引)；chunk 数据直接透传。
// 写入穿透到底层存储。
package lru

import (
	"context"

	"chunkvault/pkg/core"
	"chunkvault/pkg/mmap"
	"chunkvault/pkg/storage"
	"chunkvault/pkg/types"

	lru "github.com/hashicorp/golang-lru/v2"
)

var _ storage.Store = &Store{}

// DefaultMaxEntryBytes 超过这个大小的对象不进入缓存
const DefaultMaxEntryBytes = 256 * 1024

type Store struct {
	s             storage.Store
	c             *lru.Cache[types.Hash, storage.Raw]
	maxEntryBytes int
}

// New 创建缓存，最多保存 size 个对象
func New(s storage.Store, size int) (*Store, error) {
	c, err := lru.New[types.Hash, storage.Raw](size)
	if err != nil {
		return nil, err
	}
	return &Store{s: s, c: c, maxEntryBytes: DefaultMaxEntryBytes}, nil
}

func (s *Store) cacheable(kind core.ObjectType, n int) bool {
	return kind != core.TypeChunk && n <= s.maxEntryBytes
}

func (s *Store) Get(ctx context.Context, id types.Hash) (*storage.Raw, error) {
	if raw, ok := s.c.Get(id); ok {
		return &raw, nil
	}
	raw, err := s.s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.cacheable(raw.Kind, len(raw.Data)) {
		s.c.Add(id, *raw)
	}
	return raw, nil
}

func (s *Store) Put(ctx context.Context, obj core.Object) (types.Hash, bool, error) {
	id, fresh, err := s.s.Put(ctx, obj)
	if err != nil {
		return id, fresh, err
	}
	if s.cacheable(obj.Type(), len(obj.Bytes())) {
		// 结构化对象的字节由对象自己持有，不会被复用
		s.c.Add(id, storage.Raw{Kind: obj.Type(), Data: obj.Bytes()})
	}
	return id, fresh, nil
}

func (s *Store) Has(ctx context.Context, id types.Hash) (bool, error) {
	if s.c.Contains(id) {
		return true, nil
	}
	return s.s.Has(ctx, id)
}

func (s *Store) ExpandHash(ctx context.Context, prefix types.HashPrefix) (types.Hash, error) {
	return s.s.ExpandHash(ctx, prefix)
}

func (s *Store) Map(ctx context.Context, id types.Hash) (*mmap.View, error) {
	m, ok := s.s.(storage.Mapper)
	if !ok {
		return nil, storage.ErrNotMappable
	}
	return m.Map(ctx, id)
}

func (s *Store) Walk(ctx context.Context, fn func(types.Hash) error) error {
	w, ok := s.s.(storage.Walker)
	if !ok {
		return storage.ErrNotWalkable
	}
	return w.Walk(ctx, fn)
}

// Len 返回当前缓存条目数
func (s *Store) Len() int { return s.c.Len() }
