package disk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"chunkvault/pkg/core"
	"chunkvault/pkg/fault"
	"chunkvault/pkg/mmap"
	"chunkvault/pkg/storage"
	"chunkvault/pkg/types"

	"github.com/google/renameio"
)

// Adapter 实现了 storage.Store 接口，对象以记录文件的形式存放在本地目录
type Adapter struct {
	rootPath    string // 比如: /home/user/.cv/objects
	compression storage.Compression
	arena       *mmap.Arena
}

type Option func(*Adapter)

// WithCompression 设置新写入对象的压缩算法
func WithCompression(c storage.Compression) Option {
	return func(a *Adapter) { a.compression = c }
}

// WithArena 让 Map 使用调用方提供的 Arena
func WithArena(arena *mmap.Arena) Option {
	return func(a *Adapter) { a.arena = arena }
}

// NewAdapter 创建一个新的磁盘存储适配器
func NewAdapter(root string, opts ...Option) (*Adapter, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create root storage dir: %w", err)
	}
	a := &Adapter{rootPath: root, compression: storage.CompressionZstd}
	for _, opt := range opts {
		opt(a)
	}
	if a.arena == nil {
		a.arena = mmap.NewArena()
	}
	return a, nil
}

// layout 返回哈希对应的物理路径
// 策略：使用前 2 个字符作为子目录 (Sharding)
// Example: hash "aabbcc..." -> root/aa/bbcc...
func (s *Adapter) layout(id types.Hash) string {
	hex := id.String()
	return filepath.Join(s.rootPath, hex[:2], hex[2:])
}

func ioErr(op string, err error) error {
	return fault.Wrap(fault.IOError, op, err)
}

// readHeader 读取已存在对象的记录头
func (s *Adapter) readHeader(path string) (storage.Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return storage.Header{}, err
	}
	defer f.Close()
	buf := make([]byte, storage.HeaderSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return storage.Header{}, err
	}
	return storage.ParseHeader(buf)
}

func (s *Adapter) Put(ctx context.Context, obj core.Object) (types.Hash, bool, error) {
	id := obj.ID()
	if err := ctx.Err(); err != nil {
		return id, false, err
	}
	targetPath := s.layout(id)

	// 1. 已存在：校验类型与长度后直接返回 (幂等)
	if h, err := s.readHeader(targetPath); err == nil {
		return id, false, storage.CheckCollision(id, h, obj)
	}

	// 2. 准备目录
	dir := filepath.Dir(targetPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return id, false, ioErr("disk.put", err)
	}

	rec, err := storage.EncodeRecord(obj, s.compression)
	if err != nil {
		return id, false, err
	}

	// 3. 先写到同目录下的临时文件
	pf, err := renameio.TempFile(dir, targetPath)
	if err != nil {
		return id, false, ioErr("disk.put", err)
	}
	defer pf.Cleanup()

	if _, err := pf.Write(rec); err != nil {
		return id, false, ioErr("disk.put", err)
	}
	if err := pf.Sync(); err != nil {
		return id, false, ioErr("disk.put", err)
	}

	// 4. 用硬链接发布：目标已存在时 link 会失败，这让并发的同一对象写入只有一个胜出
	err = os.Link(pf.Name(), targetPath)
	switch {
	case err == nil:
		return id, true, nil
	case errors.Is(err, fs.ErrExist):
		h, herr := s.readHeader(targetPath)
		if herr != nil {
			return id, false, ioErr("disk.put", herr)
		}
		return id, false, storage.CheckCollision(id, h, obj)
	default:
		// 文件系统不支持硬链接时退回到原子 rename
		if err := pf.CloseAtomicallyReplace(); err != nil {
			return id, false, ioErr("disk.put", err)
		}
		return id, true, nil
	}
}

func (s *Adapter) Get(ctx context.Context, id types.Hash) (*storage.Raw, error) {
	rec, err := os.ReadFile(s.layout(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, storage.NotFound(id)
	}
	if err != nil {
		return nil, ioErr("disk.get", err)
	}
	raw, err := storage.DecodeRecord(rec)
	if err != nil {
		return nil, fmt.Errorf("object %s: %w", id, err)
	}
	return raw, nil
}

func (s *Adapter) Has(ctx context.Context, id types.Hash) (bool, error) {
	_, err := os.Stat(s.layout(id))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, ioErr("disk.has", err)
}

// Map 把未压缩对象的 payload 映射到内存；压缩过的对象返回 storage.ErrNotMappable
func (s *Adapter) Map(ctx context.Context, id types.Hash) (*mmap.View, error) {
	path := s.layout(id)
	h, err := s.readHeader(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, storage.NotFound(id)
	}
	if err != nil {
		return nil, ioErr("disk.map", err)
	}
	if h.Compression != storage.CompressionNone || h.Length == 0 {
		return nil, storage.ErrNotMappable
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, ioErr("disk.map", err)
	}
	defer f.Close()

	span, err := s.arena.Map(f, 0, storage.HeaderSize+int64(h.Length))
	if err != nil {
		return nil, ioErr("disk.map", err)
	}
	return s.arena.NewView(span.Sub(storage.HeaderSize, int(h.Length))), nil
}

// Walk 枚举所有对象；忽略临时文件
func (s *Adapter) Walk(ctx context.Context, fn func(types.Hash) error) error {
	shards, err := os.ReadDir(s.rootPath)
	if err != nil {
		return ioErr("disk.walk", err)
	}
	for _, shard := range shards {
		if !shard.IsDir() || len(shard.Name()) != 2 {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(s.rootPath, shard.Name()))
		if err != nil {
			return ioErr("disk.walk", err)
		}
		for _, e := range entries {
			id, err := types.ParseHash(shard.Name() + e.Name())
			if err != nil {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(id); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Adapter) ExpandHash(ctx context.Context, prefix types.HashPrefix) (types.Hash, error) {
	if err := prefix.Validate(); err != nil {
		return types.ZeroHash, err
	}
	p := strings.ToLower(prefix.String())
	entries, err := os.ReadDir(filepath.Join(s.rootPath, p[:2]))
	if errors.Is(err, fs.ErrNotExist) {
		return types.ZeroHash, fmt.Errorf("%w: prefix %s", storage.ErrNotFound, p)
	}
	if err != nil {
		return types.ZeroHash, ioErr("disk.expand", err)
	}

	var match types.Hash
	found := 0
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), p[2:]) {
			continue
		}
		id, err := types.ParseHash(p[:2] + e.Name())
		if err != nil {
			continue
		}
		match = id
		found++
	}
	switch found {
	case 0:
		return types.ZeroHash, fmt.Errorf("%w: prefix %s", storage.ErrNotFound, p)
	case 1:
		return match, nil
	}
	return types.ZeroHash, fmt.Errorf("%w: %s matches %d objects", storage.ErrAmbiguousHash, p, found)
}
