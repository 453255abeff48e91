// Package ingester 把任意字节流切分成 Chunk 并写入存储。
//
// 它服务于无法 mmap 的输入 (管道、标准输入、网络流)：内存占用只和
// chunker 的 MaxSize 有关，和输入长度无关。
package ingester

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"chunkvault/pkg/chunker"
	"chunkvault/pkg/core"
	"chunkvault/pkg/digest"
	"chunkvault/pkg/storage"
)

type Ingester struct {
	store   storage.Store
	chunker chunker.Chunker
	alg     digest.Algorithm
	logger  *slog.Logger
}

// Result 是一次 ingest 的产物和计数
type Result struct {
	Node         *core.FileNode
	Chunks       int
	FreshObjects int // 本次真正写入的对象数 (去重命中的不算)
}

func NewIngester(store storage.Store, c chunker.Chunker, alg digest.Algorithm, logger *slog.Logger) *Ingester {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{store: store, chunker: c, alg: alg, logger: logger}
}

// IngestReader 流式读取 r，逐块存储，最后存储 FileNode。
// FileNode 只在它引用的所有 Chunk 都写入成功之后才写入。
func (ing *Ingester) IngestReader(ctx context.Context, r io.Reader) (*Result, error) {
	res := &Result{}
	var links []core.ChunkLink

	// 1. 逐块切分并写入
	sp := ing.chunker.Split(r)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := sp.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read input: %w", err)
		}

		// data 只在下一次 Next 前有效，Put 返回前会消费完它
		chunk := core.NewChunk(ing.alg, data)
		id, fresh, err := ing.store.Put(ctx, chunk)
		if err != nil {
			return nil, fmt.Errorf("failed to store chunk: %w", err)
		}
		if fresh {
			res.FreshObjects++
		}
		links = append(links, core.ChunkLink{Hash: core.NewLink(id), Size: int64(len(data))})
	}
	res.Chunks = len(links)

	// 2. 创建并存储 FileNode
	node, err := core.NewFileNode(ing.alg, links)
	if err != nil {
		return nil, fmt.Errorf("failed to create file node: %w", err)
	}
	_, fresh, err := ing.store.Put(ctx, node)
	if err != nil {
		return nil, fmt.Errorf("failed to store file node: %w", err)
	}
	if fresh {
		res.FreshObjects++
	}
	res.Node = node

	ing.logger.Debug("stream ingested",
		slog.String("id", node.ID().Short()),
		slog.Int64("size", node.TotalSize),
		slog.Int("chunks", res.Chunks),
	)
	return res, nil
}
