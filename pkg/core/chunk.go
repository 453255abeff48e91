package core

import (
	"chunkvault/pkg/digest"
	"chunkvault/pkg/types"
)

// Chunk 代表内容定义切分出来的物理数据块，是 Merkle DAG 的叶子节点。
// data 不会被拷贝：它可能指向一块 mmap 区域，存储层在 Put 返回前必须消费完它。
type Chunk struct {
	hash types.Hash
	data []byte
}

func NewChunk(alg digest.Algorithm, data []byte) *Chunk {
	return &Chunk{
		hash: Digest(alg, TypeChunk, data),
		data: data,
	}
}

func (c *Chunk) Type() ObjectType    { return TypeChunk }
func (c *Chunk) ID() types.Hash      { return c.hash }
func (c *Chunk) Bytes() []byte       { return c.data }
func (c *Chunk) Links() []types.Hash { return nil }
func (c *Chunk) Size() int64         { return int64(len(c.data)) }
