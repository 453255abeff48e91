// Package marshal 把工作区转换成存储里的对象图。
//
// 流水线由有界 channel 连接的几个阶段组成：
//
//	walk -> read -> chunk/hash -> write -> finalize -> collect
//
// read 和 write 是 I/O 阶段，chunk/hash 是固定大小的 CPU 池。
// 一个文件的 FileNode 只会在它的所有 Chunk 写入确认之后写入；
// 一个条目只会在 FileNode 写入确认之后进入 Tree Index。
// 任一阶段的不可恢复错误会取消整个 errgroup，不会产生 commit。
package marshal

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"chunkvault/pkg/chunker"
	"chunkvault/pkg/core"
	"chunkvault/pkg/digest"
	"chunkvault/pkg/fault"
	"chunkvault/pkg/ignore"
	"chunkvault/pkg/index"
	"chunkvault/pkg/ingester"
	"chunkvault/pkg/mmap"
	"chunkvault/pkg/storage"
	"chunkvault/pkg/tree"
	"chunkvault/pkg/types"

	"golang.org/x/sync/errgroup"
)

// Config 控制各阶段的并发度和队列深度
type Config struct {
	Readers    int `mapstructure:"readers" yaml:"readers"`
	Workers    int `mapstructure:"workers" yaml:"workers"`
	Writers    int `mapstructure:"writers" yaml:"writers"`
	QueueDepth int `mapstructure:"queue_depth" yaml:"queue_depth"`
}

func DefaultConfig() Config {
	return Config{
		Readers:    4,
		Workers:    runtime.NumCPU(),
		Writers:    4,
		QueueDepth: 64,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Readers <= 0 {
		c.Readers = d.Readers
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.Writers <= 0 {
		c.Writers = d.Writers
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = d.QueueDepth
	}
	return c
}

// Options 描述一次快照
type Options struct {
	Root    string       // 工作区根目录
	Include []string     // 非空时只快照匹配的文件
	Exclude []string     // 额外的排除规则
	Cache   *index.Index // stat 缓存，可为 nil

	// Base 非零时，快照叠加在这棵树上：被 Include/Exclude 选中的路径以工作区为准
	// (包括删除)，其余路径沿用 Base 中的条目
	Base types.Hash
}

// Stats 是一次快照的计数
type Stats struct {
	Files        int   // 进入快照的文件数
	Reused       int   // 命中 stat 缓存、没有重新读取的文件数
	Chunks       int   // 切出的块数
	FreshObjects int   // 真正写入存储的对象数
	Bytes        int64 // 重新读取的字节数
}

// Snapshot 是一次成功的快照：根树已经完整持久化
type Snapshot struct {
	Root  types.Hash
	Index *tree.Index
	Stats Stats
}

// Pipeline 持有存储和切分参数，可以重复使用
type Pipeline struct {
	store   storage.Store
	chunker chunker.Chunker
	alg     digest.Algorithm
	cfg     Config
	logger  *slog.Logger
}

func New(store storage.Store, c chunker.Chunker, alg digest.Algorithm, cfg Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{store: store, chunker: c, alg: alg, cfg: cfg.withDefaults(), logger: logger}
}

// -----------------------------------------------------------------------------
// 阶段之间传递的数据
// -----------------------------------------------------------------------------

type walkItem struct {
	rel string
	abs string
}

// fileTask 在 read、chunk/hash、finalize 之间流转
type fileTask struct {
	rel     string
	kind    core.EntryKind
	size    int64
	modTime time.Time

	span   mmap.Span // Length 为 0 表示没有映射
	inline []byte    // 符号链接目标或空文件

	links []core.ChunkLink
	acks  chan error // 容量等于块数，写入阶段永不阻塞
}

type writeReq struct {
	obj  core.Object
	span mmap.Span // Put 期间需要保持映射的区域
	ack  chan<- error
}

// collected 是已经持久化、可以进入索引的条目
type collected struct {
	rel     string
	entry   tree.Entry
	modTime time.Time
}

type run struct {
	p       *Pipeline
	opts    Options
	arena   *mmap.Arena
	matcher *ignore.Matcher
	ing     *ingester.Ingester

	files, reused, chunks, fresh atomic.Int64
	bytes                        atomic.Int64
}

// Snapshot 运行整条流水线并持久化目录树。
// 返回时根树及其闭包都已在存储中，但还没有 commit。
func (p *Pipeline) Snapshot(ctx context.Context, opts Options) (*Snapshot, error) {
	matcher, err := ignore.NewMatcher(opts.Root, opts.Exclude, opts.Include)
	if err != nil {
		return nil, fmt.Errorf("failed to load ignore rules: %w", err)
	}
	r := &run{
		p:       p,
		opts:    opts,
		arena:   mmap.NewArena(),
		matcher: matcher,
		ing:     ingester.NewIngester(p.store, p.chunker, p.alg, p.logger),
	}
	defer r.arena.Close()

	start := time.Now()
	ix, err := r.execute(ctx)
	if err != nil {
		return nil, err
	}
	if !opts.Base.IsZero() {
		if ix, err = r.overlay(ctx, ix); err != nil {
			return nil, err
		}
	}

	// 目录树：子目录先于父目录写入
	root, err := ix.Write(ctx, func(ctx context.Context, obj core.Object) error {
		_, fresh, err := p.store.Put(ctx, obj)
		if fresh {
			r.fresh.Add(1)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	if c := opts.Cache; c != nil {
		c.Prune(func(path string) bool {
			_, ok := ix.Get(path)
			return ok
		})
		if err := c.Save(); err != nil {
			return nil, fault.Wrap(fault.IOError, "marshal.cache", err)
		}
	}

	snap := &Snapshot{
		Root:  root,
		Index: ix,
		Stats: Stats{
			Files:        int(r.files.Load()),
			Reused:       int(r.reused.Load()),
			Chunks:       int(r.chunks.Load()),
			FreshObjects: int(r.fresh.Load()),
			Bytes:        r.bytes.Load(),
		},
	}
	p.logger.Info("snapshot complete",
		slog.String("root", root.Short()),
		slog.Int("files", snap.Stats.Files),
		slog.Int("reused", snap.Stats.Reused),
		slog.Int("fresh_objects", snap.Stats.FreshObjects),
		slog.Duration("duration", time.Since(start)),
	)
	return snap, nil
}

// overlay 把工作区的结果叠加到 Base 上
func (r *run) overlay(ctx context.Context, worktree *tree.Index) (*tree.Index, error) {
	base, err := tree.Load(ctx, tree.StoreSource{Store: r.p.store, Alg: r.p.alg}, r.p.alg, r.opts.Base)
	if err != nil {
		return nil, fmt.Errorf("failed to load base tree %s: %w", r.opts.Base.Short(), err)
	}

	// 1. 被选中的旧路径先移除，工作区里仍存在的会在下一步重新放入
	var selected []string
	for path := range base.All() {
		if r.matcher.Keep(path) {
			selected = append(selected, path)
		}
	}
	for _, path := range selected {
		base.Remove(path)
	}

	// 2. 放入工作区中的条目
	for path, e := range worktree.All() {
		if err := base.Insert(path, e); err != nil {
			return nil, fmt.Errorf("%s conflicts with a tracked path outside the selection: %w", path, err)
		}
	}
	return base, nil
}

// Commit 在快照之上创建并存储 commit。
// 调用方必须传入 Snapshot 的结果，根树此时已经持久化。
func (p *Pipeline) Commit(ctx context.Context, snap *Snapshot, parents []types.Hash, author, message string, ts time.Time) (*core.Commit, error) {
	c, err := core.NewCommit(p.alg, snap.Root, parents, author, message, ts)
	if err != nil {
		return nil, fmt.Errorf("failed to create commit: %w", err)
	}
	if _, _, err := p.store.Put(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to store commit: %w", err)
	}
	return c, nil
}

// execute 启动所有阶段并等待它们结束，返回收集到的索引
func (r *run) execute(ctx context.Context) (*tree.Index, error) {
	cfg := r.p.cfg
	g, ctx := errgroup.WithContext(ctx)

	paths := make(chan walkItem, cfg.QueueDepth)
	tasks := make(chan *fileTask, cfg.QueueDepth)
	writes := make(chan writeReq, cfg.QueueDepth)
	finals := make(chan *fileTask, cfg.QueueDepth)
	done := make(chan collected, cfg.QueueDepth)

	// 1. walk
	g.Go(func() error {
		defer close(paths)
		return r.walk(ctx, paths)
	})

	// 2-5. 一个 channel 的所有生产者退出后才关闭它
	readers := stage(g, cfg.Readers, func() error { return r.read(ctx, paths, tasks, done) })
	hashers := stage(g, cfg.Workers, func() error { return r.hash(ctx, tasks, writes, finals) })
	stage(g, cfg.Writers, func() error { return r.write(ctx, writes) })
	finalizers := stage(g, cfg.Writers, func() error { return r.finalize(ctx, finals, done) })
	g.Go(func() error {
		readers.Wait()
		close(tasks)
		hashers.Wait()
		close(finals)
		close(writes)
		finalizers.Wait()
		close(done)
		return nil
	})

	// 6. collect (唯一修改索引的 goroutine)
	ix := tree.New(r.p.alg)
	g.Go(func() error { return r.collect(ctx, ix, done) })

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ix, nil
}

func (r *run) walk(ctx context.Context, out chan<- walkItem) error {
	return filepath.WalkDir(r.opts.Root, func(abs string, d fs.DirEntry, err error) error {
		if err != nil {
			return fault.Wrap(fault.IOError, "marshal.walk", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(r.opts.Root, abs)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if r.matcher.SkipDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !r.matcher.Keep(rel) {
			return nil
		}
		select {
		case out <- walkItem{rel: rel, abs: abs}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// read 识别文件类型、查询 stat 缓存并映射文件内容
func (r *run) read(ctx context.Context, in <-chan walkItem, tasks chan<- *fileTask, done chan<- collected) error {
	for item := range in {
		info, err := os.Lstat(item.abs)
		if err != nil {
			return fault.Wrap(fault.IOError, "marshal.read", err)
		}
		kind, ok := core.KindFromMode(info.Mode())
		if !ok || kind.IsTree() {
			// 设备文件、socket 之类的特殊文件不进入快照
			r.p.logger.Debug("skipping special file", slog.String("path", item.rel))
			continue
		}

		// 1. stat 缓存命中且对象仍在存储中：直接复用
		if hit, ok := r.cached(ctx, item.rel, kind, info); ok {
			r.reused.Add(1)
			if err := send(ctx, done, hit); err != nil {
				return err
			}
			continue
		}

		task := &fileTask{rel: item.rel, kind: kind, size: info.Size(), modTime: info.ModTime()}
		switch {
		case kind == core.KindSymlink:
			target, err := os.Readlink(item.abs)
			if err != nil {
				return fault.Wrap(fault.IOError, "marshal.read", err)
			}
			task.inline = []byte(target)
			task.size = int64(len(target))
		case info.Size() == 0:
			task.inline = []byte{}
		default:
			span, err := r.arena.MapFile(item.abs)
			if err != nil {
				// 无法映射时退回流式读取
				c, err := r.stream(ctx, item, kind, info)
				if err != nil {
					return err
				}
				if err := send(ctx, done, c); err != nil {
					return err
				}
				continue
			}
			task.span = span
		}
		r.bytes.Add(task.size)
		if err := send(ctx, tasks, task); err != nil {
			if task.span.Length > 0 {
				_ = r.arena.Release(task.span.Region)
			}
			return err
		}
	}
	return nil
}

func (r *run) cached(ctx context.Context, rel string, kind core.EntryKind, info fs.FileInfo) (collected, bool) {
	if r.opts.Cache == nil {
		return collected{}, false
	}
	e, ok := r.opts.Cache.Lookup(rel, info.Size(), info.ModTime())
	if !ok || e.Kind != kind {
		return collected{}, false
	}
	if has, err := r.p.store.Has(ctx, e.Hash); err != nil || !has {
		return collected{}, false
	}
	return collected{
		rel:     rel,
		entry:   tree.Entry{ID: e.Hash, Kind: kind, Size: e.Size},
		modTime: e.ModTime,
	}, true
}

func (r *run) stream(ctx context.Context, item walkItem, kind core.EntryKind, info fs.FileInfo) (collected, error) {
	f, err := os.Open(item.abs)
	if err != nil {
		return collected{}, fault.Wrap(fault.IOError, "marshal.read", err)
	}
	defer f.Close()

	res, err := r.ing.IngestReader(ctx, f)
	if err != nil {
		return collected{}, fault.Wrap(fault.IOError, "marshal.read", err)
	}
	r.bytes.Add(res.Node.TotalSize)
	r.chunks.Add(int64(res.Chunks))
	r.fresh.Add(int64(res.FreshObjects))
	return collected{
		rel:     item.rel,
		entry:   tree.Entry{ID: res.Node.ID(), Kind: kind, Size: res.Node.TotalSize},
		modTime: info.ModTime(),
	}, nil
}

// hash 切分文件并计算每个块的 ID，然后把块交给写入阶段
func (r *run) hash(ctx context.Context, in <-chan *fileTask, writes chan<- writeReq, finals chan<- *fileTask) error {
	for task := range in {
		var chunks []*core.Chunk
		cut := func(data []byte) error {
			start := 0
			for _, end := range r.p.chunker.Cut(data) {
				chunks = append(chunks, core.NewChunk(r.p.alg, data[start:end]))
				start = end
			}
			return nil
		}

		var err error
		if task.span.Length > 0 {
			// 块引用映射内存；区域在 finalize 收齐确认之前不会被释放
			err = r.arena.With(task.span, cut)
		} else {
			err = cut(task.inline)
		}
		if err != nil {
			return fmt.Errorf("failed to chunk %s: %w", task.rel, err)
		}

		task.links = make([]core.ChunkLink, len(chunks))
		task.acks = make(chan error, len(chunks))
		for i, c := range chunks {
			task.links[i] = core.ChunkLink{Hash: core.NewLink(c.ID()), Size: c.Size()}
		}
		r.chunks.Add(int64(len(chunks)))

		// 先交给 finalize 再发写请求：finalize 只等待确认，不会阻塞写入
		if err := send(ctx, finals, task); err != nil {
			return err
		}
		for _, c := range chunks {
			if err := send(ctx, writes, writeReq{obj: c, span: task.span, ack: task.acks}); err != nil {
				return err
			}
		}
	}
	return nil
}

// write 执行 Put，并把结果确认给对应文件
func (r *run) write(ctx context.Context, in <-chan writeReq) error {
	for req := range in {
		if err := ctx.Err(); err != nil {
			req.ack <- err
			return err
		}
		put := func([]byte) error {
			_, fresh, err := r.p.store.Put(ctx, req.obj)
			if fresh {
				r.fresh.Add(1)
			}
			return err
		}
		var err error
		if req.span.Length > 0 {
			err = r.arena.With(req.span, put)
		} else {
			err = put(nil)
		}
		req.ack <- err
		if err != nil {
			return fmt.Errorf("failed to store chunk %s: %w", req.obj.ID().Short(), err)
		}
	}
	return nil
}

// finalize 等待一个文件的全部块写入，然后写入 FileNode 并释放映射
func (r *run) finalize(ctx context.Context, in <-chan *fileTask, done chan<- collected) error {
	for task := range in {
		for range task.links {
			select {
			case err := <-task.acks:
				if err != nil {
					return err
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		node, err := core.NewFileNode(r.p.alg, task.links)
		if err != nil {
			return fmt.Errorf("failed to create file node for %s: %w", task.rel, err)
		}
		_, fresh, err := r.p.store.Put(ctx, node)
		if err != nil {
			return fmt.Errorf("failed to store file node for %s: %w", task.rel, err)
		}
		if fresh {
			r.fresh.Add(1)
		}
		if task.span.Length > 0 {
			if err := r.arena.Release(task.span.Region); err != nil && !errors.Is(err, mmap.ErrUnknownRegion) {
				return err
			}
		}

		c := collected{
			rel:     task.rel,
			entry:   tree.Entry{ID: node.ID(), Kind: task.kind, Size: node.TotalSize},
			modTime: task.modTime,
		}
		if err := send(ctx, done, c); err != nil {
			return err
		}
	}
	return nil
}

// collect 把确认过的条目插入索引和 stat 缓存
func (r *run) collect(ctx context.Context, ix *tree.Index, in <-chan collected) error {
	for c := range in {
		if err := ix.Insert(c.rel, c.entry); err != nil {
			return err
		}
		r.files.Add(1)
		if r.opts.Cache != nil {
			r.opts.Cache.Put(index.Entry{
				Path:    c.rel,
				Hash:    c.entry.ID,
				Kind:    c.entry.Kind,
				Size:    c.entry.Size,
				ModTime: c.modTime,
			})
		}
	}
	return ctx.Err()
}

// stage 在 g 中启动 n 个 worker，返回的 WaitGroup 在它们全部退出后完成
func stage(g *errgroup.Group, n int, fn func() error) *sync.WaitGroup {
	wg := new(sync.WaitGroup)
	wg.Add(n)
	for range n {
		g.Go(func() error {
			defer wg.Done()
			return fn()
		})
	}
	return wg
}

func send[T any](ctx context.Context, ch chan<- T, v T) error {
	select {
	case ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
