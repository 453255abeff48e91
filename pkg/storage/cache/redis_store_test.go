package cache

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"chunkvault/pkg/core"
	"chunkvault/pkg/digest"
	"chunkvault/pkg/fault"
	"chunkvault/pkg/storage"
	"chunkvault/pkg/storage/mem"
	"chunkvault/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// SpyStore 统计底层方法被调用的次数，验证请求是否穿透了缓存
type SpyStore struct {
	storage.Store
	hasCount int32
	putCount int32
}

func NewSpyStore() *SpyStore {
	return &SpyStore{Store: mem.New()}
}

func (s *SpyStore) Has(ctx context.Context, id types.Hash) (bool, error) {
	atomic.AddInt32(&s.hasCount, 1)
	return s.Store.Has(ctx, id)
}

func (s *SpyStore) Put(ctx context.Context, obj core.Object) (types.Hash, bool, error) {
	atomic.AddInt32(&s.putCount, 1)
	return s.Store.Put(ctx, obj)
}

func TestCachedStore_Integration(t *testing.T) {
	// A. 环境检查: 确保 Redis 在运行
	redisAddr := "localhost:6379"
	conn, err := net.DialTimeout("tcp", redisAddr, 1*time.Second)
	if err != nil {
		t.Skipf("Skipping Redis integration test: %v", err)
	}
	conn.Close()

	ctx := context.Background()
	spy := NewSpyStore()
	cachedStore, err := NewCachedStore(spy, Config{
		RedisURL: fmt.Sprintf("redis://%s/0", redisAddr),
		TTL:      time.Hour,
	})
	require.NoError(t, err)
	defer cachedStore.Close()
	cachedStore.client.FlushDB(ctx)

	obj := core.NewChunk(digest.BLAKE3, []byte(fmt.Sprintf("redis test %d", time.Now().UnixNano())))

	// --- Step 1: Cache Miss ---
	exists, err := cachedStore.Has(ctx, obj.ID())
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, int32(1), atomic.LoadInt32(&spy.hasCount), "Backend Has() should be called on miss")

	// --- Step 2: Put (Write-Through) ---
	_, fresh, err := cachedStore.Put(ctx, obj)
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Equal(t, int32(1), atomic.LoadInt32(&spy.putCount), "Backend Put() should be called")

	redisVal, err := cachedStore.client.Exists(ctx, cachedStore.cacheKey(obj.ID())).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), redisVal, "Redis key should be set after Put")

	// --- Step 3: Cache Hit ---
	exists, err = cachedStore.Has(ctx, obj.ID())
	require.NoError(t, err)
	assert.True(t, exists)
	// Put 内部的预检调用了一次，命中后不再增加
	assert.Equal(t, int32(2), atomic.LoadInt32(&spy.hasCount), "Backend Has() should NOT be called on hit")

	// 重复 Put 直接被缓存挡住
	_, fresh, err = cachedStore.Put(ctx, obj)
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Equal(t, int32(1), atomic.LoadInt32(&spy.putCount))

	// --- Step 4: 缓存命中时不做碰撞检查，只有后端能发现 ---
	impostor := sameID{Object: obj, data: []byte("different bytes")}
	_, fresh, err = cachedStore.Put(ctx, impostor)
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Equal(t, int32(1), atomic.LoadInt32(&spy.putCount))

	_, _, err = spy.Store.Put(ctx, impostor)
	assert.ErrorIs(t, err, fault.Collision)
}

// sameID 冒用另一个对象的 ID，但内容不同
type sameID struct {
	core.Object
	data []byte
}

func (o sameID) Bytes() []byte { return o.data }

func TestNewCachedStore_BadURL(t *testing.T) {
	_, err := NewCachedStore(mem.New(), Config{RedisURL: "not-a-url"})
	assert.Error(t, err)
}
