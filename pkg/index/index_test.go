package index

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"chunkvault/pkg/core"
	"chunkvault/pkg/digest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	h1 = digest.BLAKE3.Sum([]byte("one"))
	h2 = digest.BLAKE3.Sum([]byte("two"))
)

func TestIndex_Persistence_RoundTrip(t *testing.T) {
	// 1. Setup
	indexPath := filepath.Join(t.TempDir(), "index.json")
	mtime := time.Date(2024, 5, 1, 12, 0, 0, 123456789, time.UTC)

	// 2. 创建并写入数据
	idx1, err := NewIndex(indexPath)
	require.NoError(t, err)
	idx1.Put(Entry{Path: "data/model.bin", Hash: h1, Kind: core.KindBlob, Size: 1024, ModTime: mtime})
	idx1.Put(Entry{Path: "run.sh", Hash: h2, Kind: core.KindExec, Size: 500, ModTime: mtime})
	require.NoError(t, idx1.Save())

	// 3. 重新加载 (模拟第二次运行程序)
	idx2, err := NewIndex(indexPath)
	require.NoError(t, err)
	assert.Equal(t, 2, idx2.Len())

	entry, ok := idx2.Lookup("data/model.bin", 1024, mtime)
	require.True(t, ok)
	assert.Equal(t, h1, entry.Hash)
	assert.Equal(t, core.KindBlob, entry.Kind)

	// 纳秒精度的 mtime 要完整保留
	_, ok = idx2.Lookup("data/model.bin", 1024, mtime.Add(time.Nanosecond))
	assert.False(t, ok)
	_, ok = idx2.Lookup("data/model.bin", 1025, mtime)
	assert.False(t, ok)
}

func TestIndex_CorruptFile(t *testing.T) {
	indexPath := filepath.Join(t.TempDir(), "index.json")
	require.NoError(t, os.WriteFile(indexPath, []byte("{not json"), 0644))
	_, err := NewIndex(indexPath)
	assert.Error(t, err)
}

func TestIndex_Concurrency(t *testing.T) {
	idx, err := NewIndex(filepath.Join(t.TempDir(), "index.json"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			idx.Put(Entry{Path: "file", Hash: h1, Size: 1}) // 反复写同一个 key
			idx.Lookup("file", 1, time.Time{})
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, idx.Len())
}

func TestIndex_PruneAndRemove(t *testing.T) {
	idx, err := NewIndex(filepath.Join(t.TempDir(), "index.json"))
	require.NoError(t, err)

	idx.Put(Entry{Path: "a", Hash: h1})
	idx.Put(Entry{Path: "./b", Hash: h2})
	idx.Put(Entry{Path: "c/d", Hash: h2})

	_, ok := idx.Snapshot()["b"]
	assert.True(t, ok, "路径需要被清洗")

	removed := idx.Prune(func(p string) bool { return p != "a" })
	assert.Equal(t, 1, removed)

	idx.Remove("c/d")
	idx.Remove("missing") // 幂等
	assert.Equal(t, 1, idx.Len())

	idx.Reset()
	assert.Zero(t, idx.Len())
}
