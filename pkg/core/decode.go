package core

import (
	"fmt"

	"chunkvault/pkg/digest"
)

// Decode 把存储或线上收到的 (类型, 字节) 还原为对象，ID 按 alg 重新计算。
// chunk 的字节不会被拷贝。
func Decode(alg digest.Algorithm, t ObjectType, data []byte) (Object, error) {
	id := Digest(alg, t, data)
	switch t {
	case TypeChunk:
		return &Chunk{hash: id, data: data}, nil
	case TypeFileNode:
		var f FileNode
		if err := dm.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode filenode %s: %w", id.Short(), err)
		}
		if f.TypeVal != TypeFileNode {
			return nil, fmt.Errorf("decode filenode %s: type field is %q", id.Short(), f.TypeVal)
		}
		f.hash, f.rawBytes = id, data
		return &f, nil
	case TypeTree:
		var tr Tree
		if err := dm.Unmarshal(data, &tr); err != nil {
			return nil, fmt.Errorf("decode tree %s: %w", id.Short(), err)
		}
		if tr.TypeVal != TypeTree {
			return nil, fmt.Errorf("decode tree %s: type field is %q", id.Short(), tr.TypeVal)
		}
		// 线上收到的树和本地构造的树遵守同样的约束
		if err := validateEntries(tr.Entries); err != nil {
			return nil, fmt.Errorf("decode tree %s: %w", id.Short(), err)
		}
		tr.hash, tr.rawBytes = id, data
		return &tr, nil
	case TypeCommit:
		var c Commit
		if err := dm.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("decode commit %s: %w", id.Short(), err)
		}
		if c.TypeVal != TypeCommit {
			return nil, fmt.Errorf("decode commit %s: type field is %q", id.Short(), c.TypeVal)
		}
		c.hash, c.rawBytes = id, data
		return &c, nil
	}
	return nil, fmt.Errorf("decode: unknown object type %q", t)
}

// DecodeAs 解码并断言具体类型
func DecodeAs[T Object](alg digest.Algorithm, t ObjectType, data []byte) (T, error) {
	var zero T
	obj, err := Decode(alg, t, data)
	if err != nil {
		return zero, err
	}
	typed, ok := obj.(T)
	if !ok {
		return zero, fmt.Errorf("object %s is a %s", obj.ID().Short(), obj.Type())
	}
	return typed, nil
}
