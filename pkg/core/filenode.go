package core

import (
	"chunkvault/pkg/digest"
	"chunkvault/pkg/types"
)

// ChunkLink 描述了 FileNode 对底层 Chunk 的引用
type ChunkLink struct {
	Hash Link  `cbor:"h"`
	Size int64 `cbor:"s"` // 这个 Chunk 的大小 (用于计算 offset)
}

// FileNode 将散乱的 Chunk 组装成一个逻辑上的大文件 (树条目里的 blob)
type FileNode struct {
	hash     types.Hash `cbor:"-"`
	rawBytes []byte     `cbor:"-"`

	TypeVal   ObjectType  `cbor:"t"`  // 必须是 "filenode"
	TotalSize int64       `cbor:"ts"` // 文件总大小
	Chunks    []ChunkLink `cbor:"cs"` // 按顺序拼接即为文件内容
}

// NewFileNode 创建文件索引节点，TotalSize 由 chunks 求和得到
func NewFileNode(alg digest.Algorithm, chunks []ChunkLink) (*FileNode, error) {
	var total int64
	for _, c := range chunks {
		total += c.Size
	}
	if chunks == nil {
		chunks = []ChunkLink{}
	}
	node := &FileNode{
		TypeVal:   TypeFileNode,
		TotalSize: total,
		Chunks:    chunks,
	}
	h, b, err := seal(alg, TypeFileNode, node)
	if err != nil {
		return nil, err
	}
	node.hash = h
	node.rawBytes = b
	return node, nil
}

func (f *FileNode) Type() ObjectType { return TypeFileNode }
func (f *FileNode) ID() types.Hash   { return f.hash }
func (f *FileNode) Bytes() []byte    { return f.rawBytes }
func (f *FileNode) Size() int64      { return f.TotalSize }

func (f *FileNode) Links() []types.Hash {
	out := make([]types.Hash, len(f.Chunks))
	for i, c := range f.Chunks {
		out[i] = c.Hash.Hash
	}
	return out
}
