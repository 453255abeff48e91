package chunker

import (
	"errors"
	"fmt"
	"io"
	"math"
	"math/bits"
)

// Method 是内容定义切分 (CDC) 使用的滚动哈希
type Method string

const (
	MethodFastCDC Method = "fastcdc" // Gear hash + 归一化切分 (默认)
	MethodRabin   Method = "rabin"   // Rabin 指纹 (restic/chunker)
)

// 默认参数 (单位: 字节)
const (
	DefaultMinSize = 16 * 1024
	DefaultAvgSize = 64 * 1024
	DefaultMaxSize = 256 * 1024

	// DefaultPolynomial 是 Rabin 模式下使用的不可约多项式
	DefaultPolynomial uint64 = 0x3DA3358B4DC173

	// NormLevel 归一化等级：平均值之前掩码多 2 位，之后少 2 位
	NormLevel = 2

	// windowSize 是 Gear hash 的有效窗口 (uint64 左移 64 次后旧字节完全移出)
	windowSize = 64

	maxAllowedSize = 64 * 1024 * 1024
)

var ErrInvalidParams = errors.New("invalid chunker params")

// Params 决定切点位置；它是仓库格式的一部分，一旦选定就不能改变。
type Params struct {
	Method     Method `yaml:"method" mapstructure:"method"`
	MinSize    int    `yaml:"min_size" mapstructure:"min_size"`
	AvgSize    int    `yaml:"avg_size" mapstructure:"avg_size"`
	MaxSize    int    `yaml:"max_size" mapstructure:"max_size"`
	Polynomial uint64 `yaml:"polynomial,omitempty" mapstructure:"polynomial"`
}

func DefaultParams() Params {
	return Params{
		Method:     MethodFastCDC,
		MinSize:    DefaultMinSize,
		AvgSize:    DefaultAvgSize,
		MaxSize:    DefaultMaxSize,
		Polynomial: DefaultPolynomial,
	}
}

func (p Params) Validate() error {
	switch p.Method {
	case MethodFastCDC, MethodRabin:
	default:
		return fmt.Errorf("%w: unknown method %q", ErrInvalidParams, p.Method)
	}
	if p.MinSize < windowSize {
		return fmt.Errorf("%w: min_size %d < %d", ErrInvalidParams, p.MinSize, windowSize)
	}
	if p.MinSize >= p.AvgSize || p.AvgSize >= p.MaxSize {
		return fmt.Errorf("%w: need min < avg < max, got %d/%d/%d", ErrInvalidParams, p.MinSize, p.AvgSize, p.MaxSize)
	}
	if p.MaxSize > maxAllowedSize {
		return fmt.Errorf("%w: max_size %d exceeds %d", ErrInvalidParams, p.MaxSize, maxAllowedSize)
	}
	if p.Method == MethodRabin && p.Polynomial == 0 {
		return fmt.Errorf("%w: rabin requires a polynomial", ErrInvalidParams)
	}
	return nil
}

// avgBits 返回 log2(AvgSize) 的四舍五入值
func (p Params) avgBits() int {
	return int(math.Round(math.Log2(float64(p.AvgSize))))
}

// Chunker 把字节序列切分为内容定义的块。
// 对同一参数，Cut 与 Split 给出完全相同的边界。
type Chunker interface {
	Params() Params

	// Cut 返回每个块的结束 offset (包含尾块)，空输入返回 nil
	Cut(data []byte) []int

	// Split 返回一个惰性的块序列；再次调用 Split 即可重新开始
	Split(r io.Reader) Splitter
}

// Splitter 逐块产出数据，结束时返回 io.EOF。
// 返回的切片只在下一次 Next 之前有效。
type Splitter interface {
	Next() ([]byte, error)
}

// New 根据参数构造 Chunker
func New(p Params) (Chunker, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	switch p.Method {
	case MethodRabin:
		return newRabin(p), nil
	default:
		return newFastCDC(p), nil
	}
}

// FastCDC 是一个无状态的 Gear hash 切分器，可以被多个 goroutine 共享
type FastCDC struct {
	p     Params
	maskS uint64
	maskL uint64
}

// highMask 生成高位的 n 个 1；Gear hash 的高位包含最多的历史字节
func highMask(n int) uint64 {
	return ^uint64(0) << (64 - n)
}

func newFastCDC(p Params) *FastCDC {
	b := p.avgBits()
	return &FastCDC{
		p:     p,
		maskS: highMask(b + NormLevel),
		maskL: highMask(b - NormLevel),
	}
}

func (c *FastCDC) Params() Params { return c.p }

// boundary 返回 data 中第一个块的长度。
// 调用方必须保证 len(data) >= MaxSize，或者 data 已经是输入的全部剩余部分。
func (c *FastCDC) boundary(data []byte) int {
	n := len(data)
	// 1. 剩余不足最小块，整体作为一块
	if n <= c.p.MinSize {
		return n
	}

	normLimit := min(c.p.AvgSize, n)
	maxLimit := min(c.p.MaxSize, n)

	// 2. 预热窗口：MinSize 之前的字节不会产生切点，只需要喂满 64 字节的窗口
	var fp uint64
	for i := c.p.MinSize - windowSize; i < c.p.MinSize; i++ {
		fp = (fp << 1) + gearTable[data[i]]
	}

	idx := c.p.MinSize
	// A. 归一化区域 (严掩码)
	for ; idx < normLimit; idx++ {
		fp = (fp << 1) + gearTable[data[idx]]
		if fp&c.maskS == 0 {
			return idx + 1
		}
	}
	// B. 普通区域 (宽掩码)
	for ; idx < maxLimit; idx++ {
		fp = (fp << 1) + gearTable[data[idx]]
		if fp&c.maskL == 0 {
			return idx + 1
		}
	}
	// C. 强制切分
	return maxLimit
}

func (c *FastCDC) Cut(data []byte) []int {
	var cutPoints []int
	offset := 0
	for offset < len(data) {
		offset += c.boundary(data[offset:])
		cutPoints = append(cutPoints, offset)
	}
	return cutPoints
}

func (c *FastCDC) Split(r io.Reader) Splitter {
	return &gearSplitter{c: c, r: r, buf: make([]byte, 2*c.p.MaxSize)}
}

// gearSplitter 用一个 2*MaxSize 的滑动缓冲区流式切分，内存占用有界
type gearSplitter struct {
	c          *FastCDC
	r          io.Reader
	buf        []byte
	start, end int
	eof        bool
}

func (s *gearSplitter) fill() error {
	for !s.eof && s.end-s.start < s.c.p.MaxSize {
		if s.start > 0 {
			copy(s.buf, s.buf[s.start:s.end])
			s.end -= s.start
			s.start = 0
		}
		n, err := s.r.Read(s.buf[s.end:])
		s.end += n
		if errors.Is(err, io.EOF) {
			s.eof = true
		} else if err != nil {
			return err
		}
	}
	return nil
}

func (s *gearSplitter) Next() ([]byte, error) {
	if err := s.fill(); err != nil {
		return nil, err
	}
	if s.start == s.end {
		return nil, io.EOF
	}
	n := s.c.boundary(s.buf[s.start:s.end])
	chunk := s.buf[s.start : s.start+n]
	s.start += n
	return chunk, nil
}

// log2 仅用于校验 AvgSize 在 Rabin 模式下的位数
func log2(v int) int { return bits.Len(uint(v)) - 1 }
