package core

import (
	"fmt"

	"chunkvault/pkg/types"
)

// ObjectType 定义了 chunkvault 中的对象类型
type ObjectType string

const (
	TypeChunk    ObjectType = "chunk"    // 原始数据块 (L1)
	TypeFileNode ObjectType = "filenode" // 大文件索引 (L2)：有序的 chunk 列表
	TypeTree     ObjectType = "tree"     // 目录树 (L3)
	TypeCommit   ObjectType = "commit"   // 版本快照 (L4)
)

// Tag 是对象类型的单字节编码，用于摘要的域分离、磁盘记录头和线上帧
func (t ObjectType) Tag() byte {
	switch t {
	case TypeChunk:
		return 1
	case TypeFileNode:
		return 2
	case TypeTree:
		return 3
	case TypeCommit:
		return 4
	}
	return 0
}

// TypeFromTag 是 Tag 的逆运算
func TypeFromTag(b byte) (ObjectType, error) {
	switch b {
	case 1:
		return TypeChunk, nil
	case 2:
		return TypeFileNode, nil
	case 3:
		return TypeTree, nil
	case 4:
		return TypeCommit, nil
	}
	return "", fmt.Errorf("unknown object tag %d", b)
}

// Rank 给出传输时的依赖顺序：被引用者总是排在引用者之前
func (t ObjectType) Rank() int { return int(t.Tag()) }

// Object 是所有 Merkle DAG 节点的通用接口
type Object interface {
	// Type 返回对象类型
	Type() ObjectType

	// ID 返回对象的摘要 (ObjectId)，构造时即已确定
	ID() types.Hash

	// Bytes 返回对象的规范字节表示 (用于存储与传输)
	Bytes() []byte

	// Links 返回该对象直接引用的所有对象
	Links() []types.Hash
}
