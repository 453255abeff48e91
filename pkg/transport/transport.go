// Package transport 提供同步协议使用的双向字节通道。
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"chunkvault/pkg/fault"
)

// Channel 是一条可靠、有序的双向字节流
type Channel interface {
	io.ReadWriteCloser
}

// ErrTimeout 在单次读写超过期限时返回 (可重试)
var ErrTimeout = errors.New("transport: operation timed out")

// Pipe 返回一对相连的进程内通道
func Pipe() (Channel, Channel) {
	a, b := net.Pipe()
	return a, b
}

// Dial 建立 TCP 连接
func Dial(ctx context.Context, addr string) (Channel, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fault.New(fault.IOError, "transport.dial", err)
	}
	return conn, nil
}

// Accept 循环接受连接，每个连接在独立的 goroutine 中交给 handle。
// ctx 取消时关闭监听并返回。
func Accept(ctx context.Context, ln net.Listener, handle func(context.Context, Channel)) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			handle(ctx, conn)
		}()
	}
}

// stdio 把标准输入输出组合成一个 Channel
type stdio struct {
	io.Reader
	io.Writer
}

func (s stdio) Close() error {
	return errors.Join(os.Stdin.Close(), os.Stdout.Close())
}

// Stdio 返回进程标准输入输出上的通道 (cv serve --stdio)
func Stdio() Channel {
	return stdio{Reader: os.Stdin, Writer: os.Stdout}
}

// NewStream 用任意的读端和写端组合出一个 Channel
func NewStream(r io.Reader, w io.WriteCloser) Channel {
	return &stream{r: r, w: w}
}

type stream struct {
	r io.Reader
	w io.WriteCloser
}

func (s *stream) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *stream) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s *stream) Close() error {
	err := s.w.Close()
	if rc, ok := s.r.(io.Closer); ok {
		err = errors.Join(err, rc.Close())
	}
	return err
}

// -----------------------------------------------------------------------------
// 超时
// -----------------------------------------------------------------------------

type deadliner interface {
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

// WithTimeout 给每一次 Read/Write 加上期限。
// 超时后通道被关闭，返回可重试的 IOError；d <= 0 时原样返回。
func WithTimeout(ch Channel, d time.Duration) Channel {
	if d <= 0 {
		return ch
	}
	if dl, ok := ch.(deadliner); ok {
		return &deadlineChannel{Channel: ch, dl: dl, d: d}
	}
	return &timerChannel{Channel: ch, d: d}
}

// deadlineChannel 用于 net.Conn 这类原生支持期限的通道
type deadlineChannel struct {
	Channel
	dl deadliner
	d  time.Duration
}

func (c *deadlineChannel) Read(p []byte) (int, error) {
	if err := c.dl.SetReadDeadline(time.Now().Add(c.d)); err != nil {
		return 0, fault.New(fault.IOError, "transport.read", err)
	}
	n, err := c.Channel.Read(p)
	return n, classify("transport.read", err)
}

func (c *deadlineChannel) Write(p []byte) (int, error) {
	if err := c.dl.SetWriteDeadline(time.Now().Add(c.d)); err != nil {
		return 0, fault.New(fault.IOError, "transport.write", err)
	}
	n, err := c.Channel.Write(p)
	return n, classify("transport.write", err)
}

func classify(op string, err error) error {
	if err == nil || err == io.EOF {
		return err
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fault.New(fault.IOError, op, ErrTimeout)
	}
	return err
}

// timerChannel 用于管道、gRPC 流这类没有期限接口的通道：
// 计时器到期时关闭底层通道，使阻塞的调用返回
type timerChannel struct {
	Channel
	d time.Duration

	mu      sync.Mutex
	expired bool
}

func (c *timerChannel) guard(op string, fn func() (int, error)) (int, error) {
	t := time.AfterFunc(c.d, func() {
		c.mu.Lock()
		c.expired = true
		c.mu.Unlock()
		_ = c.Channel.Close()
	})
	n, err := fn()
	t.Stop()

	c.mu.Lock()
	expired := c.expired
	c.mu.Unlock()
	if expired {
		return n, fault.New(fault.IOError, op, ErrTimeout)
	}
	return n, err
}

func (c *timerChannel) Read(p []byte) (int, error) {
	return c.guard("transport.read", func() (int, error) { return c.Channel.Read(p) })
}

func (c *timerChannel) Write(p []byte) (int, error) {
	return c.guard("transport.write", func() (int, error) { return c.Channel.Write(p) })
}
