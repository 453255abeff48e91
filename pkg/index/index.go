// Package index 是工作区的 stat 缓存。
//
// 它记住每个文件上一次快照时的 (size, mtime) 以及得到的 FileNode ID。
// 文件元数据没有变化且对象仍在存储里时，快照可以直接复用这个 ID，
// 不需要重新读取和切分文件。
package index

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"chunkvault/pkg/core"
	"chunkvault/pkg/types"

	"github.com/google/renameio"
)

// Entry 代表一个文件的缓存记录
type Entry struct {
	Path    string         `json:"path"`     // 相对路径 (如 "data/model.bin")
	Hash    types.Hash     `json:"hash"`     // FileNode 的 ID
	Kind    core.EntryKind `json:"kind"`     // blob / exec / symlink
	Size    int64          `json:"size"`     // 文件大小
	ModTime time.Time      `json:"mod_time"` // 文件的修改时间
}

// Index 管理 stat 缓存，可被多个 goroutine 并发使用
type Index struct {
	path    string           // 物理文件路径 (.cv/index.json)
	Entries map[string]Entry `json:"entries"`
	mu      sync.RWMutex
}

// NewIndex 加载或创建一个新的 Index
func NewIndex(indexPath string) (*Index, error) {
	idx := &Index{
		path:    indexPath,
		Entries: make(map[string]Entry),
	}

	data, err := os.ReadFile(indexPath)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, idx); err != nil {
			return nil, fmt.Errorf("corrupted index file: %w", err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("failed to read index: %w", err)
	}
	return idx, nil
}

// Put 更新一条记录
func (i *Index) Put(e Entry) {
	e.Path = CleanPath(e.Path)
	i.mu.Lock()
	defer i.mu.Unlock()
	i.Entries[e.Path] = e
}

// Lookup 在 size 和 mtime 都没变时返回缓存的记录
func (i *Index) Lookup(path string, size int64, modTime time.Time) (Entry, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	e, ok := i.Entries[CleanPath(path)]
	if !ok || e.Size != size || !e.ModTime.Equal(modTime) {
		return Entry{}, false
	}
	return e, true
}

// Prune 删除 keep 返回 false 的记录，返回删除的数量
func (i *Index) Prune(keep func(path string) bool) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	n := 0
	for p := range i.Entries {
		if !keep(p) {
			delete(i.Entries, p)
			n++
		}
	}
	return n
}

// Save 将缓存原子地写回磁盘
func (i *Index) Save() error {
	i.mu.RLock()
	defer i.mu.RUnlock()

	data, err := json.MarshalIndent(i, "", "  ")
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(i.path, data, 0644); err != nil {
		return fmt.Errorf("failed to save index: %w", err)
	}
	return nil
}

// Snapshot 返回当前 Entry 的副本，用于并发安全的读取
func (i *Index) Snapshot() map[string]Entry {
	i.mu.RLock()
	defer i.mu.RUnlock()

	snap := make(map[string]Entry, len(i.Entries))
	maps.Copy(snap, i.Entries)
	return snap
}

func (i *Index) Reset() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.Entries = make(map[string]Entry)
}

func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.Entries)
}

func CleanPath(p string) string {
	return filepath.ToSlash(filepath.Clean(p))
}

func (i *Index) Remove(path string) {
	key := CleanPath(path)
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.Entries, key)
}
