// Package wire 定义同步协议的帧格式和控制消息。
//
// 每一帧是 [u32 BE 长度][u8 类型][payload]，长度只计 payload。
// 控制消息的 payload 是 CBOR；对象帧的 payload 是
// [kind u8][对象字节][32 字节摘要]。
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"chunkvault/pkg/core"
	"chunkvault/pkg/fault"
	"chunkvault/pkg/types"
)

// Version 是协议版本，握手时双方必须一致
const Version = 1

// DefaultMaxFrameSize 足够容纳默认参数下最大的块
const DefaultMaxFrameSize = 64 << 20

const headerSize = 5

// FrameType 标识帧的含义
type FrameType uint8

const (
	FrameHello FrameType = iota + 1
	FrameOffer
	FrameNeed
	FrameBegin
	FrameObject
	FrameTransferEnd
	FrameAck
	FrameVerify
	FrameRefUpdate
	FrameRefResult
	FrameDone
	FrameError
)

var frameNames = map[FrameType]string{
	FrameHello:       "hello",
	FrameOffer:       "offer",
	FrameNeed:        "need",
	FrameBegin:       "begin",
	FrameObject:      "object",
	FrameTransferEnd: "transfer-end",
	FrameAck:         "ack",
	FrameVerify:      "verify",
	FrameRefUpdate:   "ref-update",
	FrameRefResult:   "ref-result",
	FrameDone:        "done",
	FrameError:       "error",
}

func (t FrameType) String() string {
	if s, ok := frameNames[t]; ok {
		return s
	}
	return fmt.Sprintf("frame(%d)", uint8(t))
}

var ErrUnexpectedFrame = errors.New("unexpected frame")

// Conn 在一个字节流上读写帧。读和写可以分别由两个 goroutine 使用，
// 但同一方向不能并发。
type Conn struct {
	r        *bufio.Reader
	w        *bufio.Writer
	maxFrame int

	sent     atomic.Int64
	received atomic.Int64
}

func NewConn(rw io.ReadWriter, maxFrame int) *Conn {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &Conn{
		r:        bufio.NewReaderSize(rw, 64<<10),
		w:        bufio.NewWriterSize(rw, 64<<10),
		maxFrame: maxFrame,
	}
}

// BytesSent 返回已写出的字节数 (含帧头)
func (c *Conn) BytesSent() int64 { return c.sent.Load() }

// BytesReceived 返回已读入的字节数 (含帧头)
func (c *Conn) BytesReceived() int64 { return c.received.Load() }

func (c *Conn) tooLarge(n int) error {
	return fault.Newf(fault.CapacityExceeded, "wire", "frame of %d bytes exceeds limit %d", n, c.maxFrame)
}

// WriteFrame 写出一帧并 flush
func (c *Conn) WriteFrame(t FrameType, parts ...[]byte) error {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	if n > c.maxFrame {
		return c.tooLarge(n)
	}
	var hdr [headerSize]byte
	binary.BigEndian.PutUint32(hdr[:4], uint32(n))
	hdr[4] = byte(t)
	if _, err := c.w.Write(hdr[:]); err != nil {
		return fault.Wrap(fault.IOError, "wire.write", err)
	}
	for _, p := range parts {
		if _, err := c.w.Write(p); err != nil {
			return fault.Wrap(fault.IOError, "wire.write", err)
		}
	}
	if err := c.w.Flush(); err != nil {
		return fault.Wrap(fault.IOError, "wire.write", err)
	}
	c.sent.Add(int64(headerSize + n))
	return nil
}

// ReadFrame 读取下一帧；payload 归调用方所有
func (c *Conn) ReadFrame() (FrameType, []byte, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, fault.Wrap(fault.IOError, "wire.read", err)
	}
	n := int(binary.BigEndian.Uint32(hdr[:4]))
	if n > c.maxFrame {
		return 0, nil, c.tooLarge(n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, fault.Wrap(fault.IOError, "wire.read", err)
	}
	c.received.Add(int64(headerSize + n))
	return FrameType(hdr[4]), payload, nil
}

// Send 以 CBOR 编码 msg 并写出
func (c *Conn) Send(t FrameType, msg any) error {
	var payload []byte
	if msg != nil {
		b, err := core.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encode %s: %w", t, err)
		}
		payload = b
	}
	return c.WriteFrame(t, payload)
}

// Recv 读取一帧并要求它是 want 类型。
// 对端发来的 Error 帧会被还原成带类别的错误。
func (c *Conn) Recv(want FrameType, msg any) error {
	t, payload, err := c.ReadFrame()
	if err != nil {
		return err
	}
	return c.decode(t, payload, want, msg)
}

func (c *Conn) decode(t FrameType, payload []byte, want FrameType, msg any) error {
	if t == FrameError && want != FrameError {
		var e Error
		if err := core.Unmarshal(payload, &e); err != nil {
			return fault.Newf(fault.NegotiationFailure, "wire", "undecodable error frame: %v", err)
		}
		return e.Err()
	}
	if t != want {
		return fault.New(fault.NegotiationFailure, "wire",
			fmt.Errorf("%w: got %s, want %s", ErrUnexpectedFrame, t, want))
	}
	if msg == nil {
		return nil
	}
	if err := core.Unmarshal(payload, msg); err != nil {
		return fault.Newf(fault.NegotiationFailure, "wire", "decode %s: %v", t, err)
	}
	return nil
}

// Decode 解码一个已经读出的控制帧
func (c *Conn) Decode(t FrameType, payload []byte, want FrameType, msg any) error {
	return c.decode(t, payload, want, msg)
}

// SendError 尽力把错误告诉对端
func (c *Conn) SendError(err error) error {
	return c.Send(FrameError, ErrorFrom(err))
}

// -----------------------------------------------------------------------------
// 对象帧
// -----------------------------------------------------------------------------

// Object 是对象帧的内容；ID 是发送方声明的摘要
type Object struct {
	Kind core.ObjectType
	Data []byte
	ID   types.Hash
}

// SendObject 写出一个对象帧。data 在返回前被完全写出。
func (c *Conn) SendObject(kind core.ObjectType, data []byte, id types.Hash) error {
	return c.WriteFrame(FrameObject, []byte{kind.Tag()}, data, id[:])
}

// ParseObject 解析对象帧的 payload
func ParseObject(payload []byte) (Object, error) {
	if len(payload) < 1+types.HashSize {
		return Object{}, fault.Newf(fault.NegotiationFailure, "wire", "object frame too short (%d bytes)", len(payload))
	}
	kind, err := core.TypeFromTag(payload[0])
	if err != nil {
		return Object{}, fault.New(fault.NegotiationFailure, "wire", err)
	}
	end := len(payload) - types.HashSize
	id, _ := types.HashFromBytes(payload[end:])
	return Object{Kind: kind, Data: payload[1:end], ID: id}, nil
}
