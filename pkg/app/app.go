// Package app 是整个应用程序的依赖容器：它把配置、存储、元数据、引用和
// 同步协议组装成一个仓库，并提供 CLI 和服务端使用的核心操作。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"chunkvault/pkg/chunker"
	"chunkvault/pkg/config"
	"chunkvault/pkg/digest"
	"chunkvault/pkg/index"
	"chunkvault/pkg/meta"
	"chunkvault/pkg/mmap"
	"chunkvault/pkg/refs"
	"chunkvault/pkg/storage"
	"chunkvault/pkg/storage/cache"
	"chunkvault/pkg/storage/disk"
	"chunkvault/pkg/storage/lru"
	"chunkvault/pkg/storage/s3"

	"github.com/google/renameio"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// MetaDir 是工作区根目录下的仓库元数据目录
const MetaDir = ".cv"

const (
	formatFile  = "format.yaml"
	indexFile   = "index.json"
	metaDBFile  = "meta.db"
	objectsDir  = "objects"
	formatLevel = 1
)

var (
	ErrNotRepository = errors.New("not a chunkvault repository (or any of the parent directories)")
	ErrAlreadyExists = errors.New("repository already initialized")
)

// Format 记录仓库创建时确定、之后不能改变的参数。
// 已有仓库打开时以它为准，配置文件里的对应项只对 init 生效。
type Format struct {
	Version     int            `yaml:"version"`
	Algorithm   string         `yaml:"algorithm"`
	Compression string         `yaml:"compression"`
	Chunker     chunker.Params `yaml:"chunker"`
}

// App 持有一个打开的仓库
type App struct {
	Root    string // 工作区根目录
	MetaDir string // Root/.cv

	Config *config.Config
	Format Format
	Alg    digest.Algorithm

	Store   storage.Store
	DB      *meta.DB
	Meta    *meta.Repository
	Refs    *refs.Manager
	Index   *index.Index
	Chunker chunker.Chunker

	logger  *slog.Logger
	closers []io.Closer
	peers   map[string]*App // 本地路径远端，按路径复用
}

// Init 在 root 下创建新仓库并打开它
func Init(ctx context.Context, root string, cfg *config.Config, logger *slog.Logger) (*App, error) {
	dir := filepath.Join(root, MetaDir)
	if _, err := os.Stat(filepath.Join(dir, formatFile)); err == nil {
		return nil, fmt.Errorf("%w in %s", ErrAlreadyExists, dir)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}

	f := Format{
		Version:     formatLevel,
		Algorithm:   cfg.Digest.Algorithm,
		Compression: cfg.Storage.Compression,
		Chunker:     cfg.Chunker,
	}
	data, err := yaml.Marshal(&f)
	if err != nil {
		return nil, err
	}
	if err := renameio.WriteFile(filepath.Join(dir, formatFile), data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write format: %w", err)
	}

	a, err := Open(ctx, root, cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := a.Refs.SetCurrent(refs.Branch(cfg.Core.Branch)); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// FindRoot 从 start 向上查找包含 .cv 的目录
func FindRoot(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", err
	}
	for {
		if fi, err := os.Stat(filepath.Join(dir, MetaDir)); err == nil && fi.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNotRepository
		}
		dir = parent
	}
}

func readFormat(dir string) (Format, error) {
	var f Format
	data, err := os.ReadFile(filepath.Join(dir, formatFile))
	if os.IsNotExist(err) {
		return f, ErrNotRepository
	}
	if err != nil {
		return f, err
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("corrupted %s: %w", formatFile, err)
	}
	if f.Version != formatLevel {
		return f, fmt.Errorf("unsupported repository format version %d", f.Version)
	}
	return f, nil
}

// Open 打开 root 下已有的仓库
func Open(ctx context.Context, root string, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	root, err = filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(root, MetaDir)

	// 1. 仓库格式决定算法、压缩和切分参数
	f, err := readFormat(dir)
	if err != nil {
		return nil, err
	}
	alg, err := digest.ParseAlgorithm(f.Algorithm)
	if err != nil {
		return nil, err
	}
	ch, err := chunker.New(f.Chunker)
	if err != nil {
		return nil, fmt.Errorf("format chunker: %w", err)
	}

	a := &App{Root: root, MetaDir: dir, Config: cfg, Format: f, Alg: alg, Chunker: ch, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	// 2. 对象存储
	if a.Store, err = a.openStore(ctx); err != nil {
		return nil, err
	}

	// 3. 元数据库与引用
	dbCfg := cfg.Database
	if (dbCfg.Driver == "" || dbCfg.Driver == "sqlite") && dbCfg.Path == "" {
		dbCfg.Path = filepath.Join(dir, metaDBFile)
	}
	if a.DB, err = meta.NewDB(ctx, dbCfg); err != nil {
		return nil, fmt.Errorf("failed to open metadata db: %w", err)
	}
	a.closers = append(a.closers, a.DB)
	a.Meta = meta.NewRepository(a.DB)
	a.Refs = refs.NewManager(a.Meta, refs.HeadPath(dir), cfg.Core.Branch)

	// 4. stat 缓存
	if a.Index, err = index.NewIndex(filepath.Join(dir, indexFile)); err != nil {
		return nil, err
	}

	logger.Debug("repository opened",
		slog.String("root", root),
		slog.String("algorithm", alg.String()),
		slog.String("storage", cfg.Storage.Type),
	)
	return a, nil
}

// openStore 按配置组装存储：后端，可选的 Redis 存在性缓存，进程内 LRU，最后是容量检查
func (a *App) openStore(ctx context.Context) (storage.Store, error) {
	sc := a.Config.Storage
	comp, err := storage.ParseCompression(a.Format.Compression)
	if err != nil {
		return nil, err
	}

	var store storage.Store
	switch sc.Type {
	case "", "disk":
		path := sc.Path
		if path == "" {
			path = filepath.Join(a.MetaDir, objectsDir)
		}
		arena := mmap.NewArena()
		a.closers = append(a.closers, arena)
		store, err = disk.NewAdapter(path, disk.WithCompression(comp), disk.WithArena(arena))
	case "s3":
		store, err = s3.NewAdapter(ctx, s3.Config{
			Endpoint:        sc.S3.Endpoint,
			Region:          sc.S3.Region,
			Bucket:          sc.S3.Bucket,
			Prefix:          sc.S3.Prefix,
			AccessKeyID:     sc.S3.AccessKeyID,
			SecretAccessKey: sc.S3.SecretAccessKey,
			Compression:     comp,
			Logger:          a.logger,
		})
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", sc.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to init storage: %w", err)
	}

	if sc.Cache.RedisURL != "" {
		cached, err := cache.NewCachedStore(store, cache.Config{
			RedisURL: sc.Cache.RedisURL,
			TTL:      sc.Cache.TTL,
			Logger:   a.logger,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, cached)
		store = cached
	}
	if sc.LRUSize > 0 {
		if store, err = lru.New(store, sc.LRUSize); err != nil {
			return nil, err
		}
	}
	return storage.NewGuard(store, sc.MaxObjectSize), nil
}

// Close 释放仓库持有的全部资源，后打开的先关闭
func (a *App) Close() error {
	var result *multierror.Error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	a.closers, a.peers = nil, nil
	return result.ErrorOrNil()
}

// Logger 返回仓库使用的 logger
func (a *App) Logger() *slog.Logger { return a.logger }
