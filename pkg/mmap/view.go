package mmap

import "io"

// View 是一个独占区域的只读视图 (例如对象文件中的 payload)，
// 用完必须 Close 以解除映射。
type View struct {
	arena *Arena
	span  Span
	pos   int64
}

// NewView 把 span 包装为 View；Close 时释放 span 所在区域
func (a *Arena) NewView(s Span) *View {
	return &View{arena: a, span: s}
}

func (v *View) Len() int   { return v.span.Length }
func (v *View) Span() Span { return v.span }

// With 借出全部字节
func (v *View) With(fn func([]byte) error) error { return v.arena.With(v.span, fn) }

func (v *View) ReadAt(p []byte, off int64) (int, error) {
	return v.arena.ReadAt(v.span, p, off)
}

func (v *View) Read(p []byte) (int, error) {
	if v.pos >= int64(v.span.Length) {
		return 0, io.EOF
	}
	n, err := v.arena.ReadAt(v.span, p, v.pos)
	v.pos += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

// WriteTo 实现 io.WriterTo，io.Copy 会优先走这条零拷贝路径
func (v *View) WriteTo(w io.Writer) (int64, error) {
	rest := v.span.Sub(int(v.pos), v.span.Length-int(v.pos))
	n, err := v.arena.WriteTo(rest, w)
	v.pos += n
	return n, err
}

func (v *View) Close() error {
	return v.arena.Release(v.span.Region)
}
