// Package mmap 以“区域 + 偏移”的方式管理只读内存映射。
//
// 调用方不持有裸指针：Arena 拥有所有映射区域，外部只拿到 Span
// (区域 ID、偏移、长度)，通过 With/ReadAt/WriteTo 访问字节。
// 区域在 Release 之前一直有效；Release 会等待正在进行的借用结束。
package mmap

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

var (
	ErrEmptyFile     = errors.New("mmap: cannot map an empty file")
	ErrUnknownRegion = errors.New("mmap: unknown or released region")
	ErrOutOfRange    = errors.New("mmap: span out of range")
)

// RegionID 标识 Arena 内的一块映射
type RegionID uint64

// Span 是某个区域内的一段字节
type Span struct {
	Region RegionID
	Offset int
	Length int
}

// Sub 返回 s 内部 [off, off+n) 的子区间
func (s Span) Sub(off, n int) Span {
	return Span{Region: s.Region, Offset: s.Offset + off, Length: n}
}

type region struct {
	mu   sync.RWMutex // With 持读锁，Release 持写锁
	data []byte
}

// Arena 拥有一组映射区域，可以被多个 goroutine 并发使用
type Arena struct {
	mu      sync.Mutex
	regions map[RegionID]*region
	next    RegionID
}

func NewArena() *Arena {
	return &Arena{regions: make(map[RegionID]*region)}
}

// MapFile 以只读方式映射整个文件，返回覆盖全部内容的 Span
func (a *Arena) MapFile(path string) (Span, error) {
	f, err := os.Open(path)
	if err != nil {
		return Span{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Span{}, err
	}
	return a.Map(f, 0, info.Size())
}

// Map 映射 f 的 [offset, offset+length)。offset 必须按页对齐。
func (a *Arena) Map(f *os.File, offset, length int64) (Span, error) {
	if length == 0 {
		return Span{}, ErrEmptyFile
	}
	if length < 0 || int64(int(length)) != length {
		return Span{}, fmt.Errorf("mmap: invalid length %d", length)
	}
	data, err := unix.Mmap(int(f.Fd()), offset, int(length), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return Span{}, fmt.Errorf("mmap %s: %w", f.Name(), err)
	}
	// 顺序读取提示，失败无影响
	_ = unix.Madvise(data, unix.MADV_SEQUENTIAL)

	a.mu.Lock()
	a.next++
	id := a.next
	a.regions[id] = &region{data: data}
	a.mu.Unlock()

	return Span{Region: id, Offset: 0, Length: len(data)}, nil
}

func (a *Arena) lookup(id RegionID) (*region, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.regions[id]
	if !ok {
		return nil, ErrUnknownRegion
	}
	return r, nil
}

// With 借出 span 对应的字节；切片只在 fn 内有效，fn 不能调用同一区域的 Release
func (a *Arena) With(s Span, fn func([]byte) error) error {
	r, err := a.lookup(s.Region)
	if err != nil {
		return err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.data == nil {
		return ErrUnknownRegion
	}
	if s.Offset < 0 || s.Length < 0 || s.Offset+s.Length > len(r.data) {
		return ErrOutOfRange
	}
	return fn(r.data[s.Offset : s.Offset+s.Length])
}

// ReadAt 把 span 内从 off 开始的字节拷贝到 p
func (a *Arena) ReadAt(s Span, p []byte, off int64) (int, error) {
	var n int
	err := a.With(s, func(b []byte) error {
		if off >= int64(len(b)) {
			return io.EOF
		}
		n = copy(p, b[off:])
		if n < len(p) {
			return io.EOF
		}
		return nil
	})
	return n, err
}

// WriteTo 把 span 的全部字节直接写给 w，不经过中间缓冲
func (a *Arena) WriteTo(s Span, w io.Writer) (int64, error) {
	var n int
	err := a.With(s, func(b []byte) error {
		var werr error
		n, werr = w.Write(b)
		return werr
	})
	return int64(n), err
}

// Release 解除映射；会等待该区域上所有进行中的 With 返回
func (a *Arena) Release(id RegionID) error {
	a.mu.Lock()
	r, ok := a.regions[id]
	delete(a.regions, id)
	a.mu.Unlock()
	if !ok {
		return ErrUnknownRegion
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	data := r.data
	r.data = nil
	return unix.Munmap(data)
}

// Len 返回当前仍在映射中的区域数量
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.regions)
}

// Close 释放所有剩余区域
func (a *Arena) Close() error {
	a.mu.Lock()
	ids := make([]RegionID, 0, len(a.regions))
	for id := range a.regions {
		ids = append(ids, id)
	}
	a.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := a.Release(id); err != nil && !errors.Is(err, ErrUnknownRegion) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
