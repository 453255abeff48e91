package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"chunkvault/pkg/core"
	"chunkvault/pkg/mmap"
	"chunkvault/pkg/storage"
	"chunkvault/pkg/types"

	"github.com/redis/go-redis/v9"
)

// CachedStore 是一个装饰器，它为底层的 storage.Store 添加 Redis 存在性缓存。
// 远端协商阶段会对每个候选对象调用 Has，这一层把大部分探测挡在 S3 之前。
type CachedStore struct {
	backend storage.Store // 被装饰的底层存储 (如 S3)
	client  *redis.Client
	ttl     time.Duration
	logger  *slog.Logger
}

type Config struct {
	RedisURL string        // 标准连接字符串: redis://<user>:<password>@<host>:<port>/<db>
	TTL      time.Duration // 过期时间
	Logger   *slog.Logger
}

func NewCachedStore(backend storage.Store, cfg Config) (*CachedStore, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	// Fail-fast 连接检查
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedStore{
		backend: backend,
		client:  client,
		ttl:     cfg.TTL,
		logger:  logger.With(slog.String("component", "redis-cache")),
	}, nil
}

// cacheKey 生成 Redis Key，添加前缀防止冲突
func (s *CachedStore) cacheKey(id types.Hash) string {
	return "cv:obj:" + id.String()
}

// Has 优先查 Redis
func (s *CachedStore) Has(ctx context.Context, id types.Hash) (bool, error) {
	key := s.cacheKey(id)

	val, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		// 缓存故障降级为无缓存模式
		s.logger.Warn("redis exists failed, falling back to backend", slog.Any("error", err))
	} else if val > 0 {
		return true, nil
	}

	found, err := s.backend.Has(ctx, id)
	if err != nil {
		return false, err
	}

	// 异步回填，使用独立 ctx，上层取消不影响回填
	if found {
		go func() {
			fillCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.client.Set(fillCtx, key, "1", s.ttl)
		}()
	}
	return found, nil
}

// Put 先用缓存预检；命中时不再访问后端，因此也不会执行后端的碰撞检查。
// 碰撞检查只在对象第一次写入后端时发生。
func (s *CachedStore) Put(ctx context.Context, obj core.Object) (types.Hash, bool, error) {
	exists, err := s.Has(ctx, obj.ID())
	if err != nil {
		return obj.ID(), false, err
	}
	if exists {
		return obj.ID(), false, nil
	}

	id, fresh, err := s.backend.Put(ctx, obj)
	if err != nil {
		return id, fresh, err
	}

	// 只有后端写入成功后才写缓存；这里的错误不影响主流程
	if err := s.client.Set(ctx, s.cacheKey(id), "1", s.ttl).Err(); err != nil {
		s.logger.Warn("redis set failed", slog.String("id", id.Short()), slog.Any("error", err))
	}
	return id, fresh, nil
}

// Get 透传；只缓存存在性，不缓存数据
func (s *CachedStore) Get(ctx context.Context, id types.Hash) (*storage.Raw, error) {
	return s.backend.Get(ctx, id)
}

func (s *CachedStore) ExpandHash(ctx context.Context, short types.HashPrefix) (types.Hash, error) {
	return s.backend.ExpandHash(ctx, short)
}

func (s *CachedStore) Map(ctx context.Context, id types.Hash) (*mmap.View, error) {
	m, ok := s.backend.(storage.Mapper)
	if !ok {
		return nil, storage.ErrNotMappable
	}
	return m.Map(ctx, id)
}

func (s *CachedStore) Walk(ctx context.Context, fn func(types.Hash) error) error {
	w, ok := s.backend.(storage.Walker)
	if !ok {
		return storage.ErrNotWalkable
	}
	return w.Walk(ctx, fn)
}

// Close 关闭 Redis 连接
func (s *CachedStore) Close() error {
	return s.client.Close()
}
