// Package mem 实现了一个进程内的对象存储，用于测试和临时仓库。
package mem

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sync"

	"chunkvault/pkg/core"
	"chunkvault/pkg/fault"
	"chunkvault/pkg/storage"
	"chunkvault/pkg/types"
)

var (
	_ storage.Store  = &Store{}
	_ storage.Walker = &Store{}
)

// Store 把对象保存在 map 中；Put 会拷贝数据
type Store struct {
	mu      sync.RWMutex
	objects map[types.Hash]storage.Raw
}

func New() *Store {
	return &Store{objects: make(map[types.Hash]storage.Raw)}
}

func (s *Store) Put(ctx context.Context, obj core.Object) (types.Hash, bool, error) {
	id := obj.ID()
	if err := ctx.Err(); err != nil {
		return id, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.objects[id]; ok {
		if existing.Kind != obj.Type() || !bytes.Equal(existing.Data, obj.Bytes()) {
			return id, false, fault.Fatal(fault.Collision, "mem.put",
				fmt.Errorf("object %s already stored with different content", id))
		}
		return id, false, nil
	}
	s.objects[id] = storage.Raw{Kind: obj.Type(), Data: bytes.Clone(obj.Bytes())}
	return id, true, nil
}

func (s *Store) Get(_ context.Context, id types.Hash) (*storage.Raw, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.objects[id]
	if !ok {
		return nil, storage.NotFound(id)
	}
	return &storage.Raw{Kind: raw.Kind, Data: raw.Data}, nil
}

func (s *Store) Has(_ context.Context, id types.Hash) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[id]
	return ok, nil
}

func (s *Store) ExpandHash(_ context.Context, prefix types.HashPrefix) (types.Hash, error) {
	if err := prefix.Validate(); err != nil {
		return types.ZeroHash, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var match types.Hash
	found := 0
	for id := range s.objects {
		if prefix.Matches(id) {
			match = id
			found++
		}
	}
	switch found {
	case 0:
		return types.ZeroHash, fmt.Errorf("%w: prefix %s", storage.ErrNotFound, prefix)
	case 1:
		return match, nil
	}
	return types.ZeroHash, fmt.Errorf("%w: %s matches %d objects", storage.ErrAmbiguousHash, prefix, found)
}

// Walk 按 ID 字典序枚举
func (s *Store) Walk(ctx context.Context, fn func(types.Hash) error) error {
	s.mu.RLock()
	ids := make([]types.Hash, 0, len(s.objects))
	for id := range s.objects {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	slices.SortFunc(ids, func(a, b types.Hash) int { return bytes.Compare(a[:], b[:]) })
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(id); err != nil {
			return err
		}
	}
	return nil
}

// Len 返回对象数量
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
