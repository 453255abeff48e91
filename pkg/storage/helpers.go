package storage

import (
	"context"
	"fmt"

	"chunkvault/pkg/core"
	"chunkvault/pkg/digest"
	"chunkvault/pkg/fault"
	"chunkvault/pkg/types"
)

// NotFound 构造一个带 ID 的 ErrNotFound
func NotFound(id types.Hash) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// CheckCollision 比较已存在对象与待写入对象的类型和长度；不一致说明摘要发生了碰撞
func CheckCollision(id types.Hash, existing Header, obj core.Object) error {
	if existing.Kind != obj.Type() || existing.Length != uint64(len(obj.Bytes())) {
		return fault.Fatal(fault.Collision, "storage.put",
			fmt.Errorf("object %s already stored as %s/%d bytes, new content is %s/%d bytes",
				id, existing.Kind, existing.Length, obj.Type(), len(obj.Bytes())))
	}
	return nil
}

// GetObject 读取并解码对象
func GetObject(ctx context.Context, s Store, alg digest.Algorithm, id types.Hash) (core.Object, error) {
	raw, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return core.Decode(alg, raw.Kind, raw.Data)
}

func getAs[T core.Object](ctx context.Context, s Store, alg digest.Algorithm, id types.Hash, want core.ObjectType) (T, error) {
	var zero T
	raw, err := s.Get(ctx, id)
	if err != nil {
		return zero, err
	}
	if raw.Kind != want {
		return zero, fmt.Errorf("object %s is a %s, expected %s", id.Short(), raw.Kind, want)
	}
	return core.DecodeAs[T](alg, raw.Kind, raw.Data)
}

func GetTree(ctx context.Context, s Store, alg digest.Algorithm, id types.Hash) (*core.Tree, error) {
	return getAs[*core.Tree](ctx, s, alg, id, core.TypeTree)
}

func GetCommit(ctx context.Context, s Store, alg digest.Algorithm, id types.Hash) (*core.Commit, error) {
	return getAs[*core.Commit](ctx, s, alg, id, core.TypeCommit)
}

func GetFileNode(ctx context.Context, s Store, alg digest.Algorithm, id types.Hash) (*core.FileNode, error) {
	return getAs[*core.FileNode](ctx, s, alg, id, core.TypeFileNode)
}

// Count 返回存储中的对象数量 (需要后端支持 Walker)
func Count(ctx context.Context, s Store) (int, error) {
	w, ok := s.(Walker)
	if !ok {
		return 0, fmt.Errorf("%w: %T", ErrNotWalkable, s)
	}
	n := 0
	err := w.Walk(ctx, func(types.Hash) error {
		n++
		return nil
	})
	return n, err
}
