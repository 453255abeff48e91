package storage

import (
	"encoding/binary"
	"errors"
	"fmt"

	"chunkvault/pkg/core"
)

// 记录格式: [kind u8][compression u8][payload length u64 BE][payload ...]
// payload length 是解压后的长度。
const HeaderSize = 10

// minCompressSize 以下的对象不值得压缩
const minCompressSize = 64

var ErrCorruptRecord = errors.New("corrupt object record")

// Header 是对象记录的固定头部
type Header struct {
	Kind        core.ObjectType
	Compression Compression
	Length      uint64
}

// ParseHeader 解析记录的前 HeaderSize 字节
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: short header (%d bytes)", ErrCorruptRecord, len(b))
	}
	kind, err := core.TypeFromTag(b[0])
	if err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return Header{
		Kind:        kind,
		Compression: Compression(b[1]),
		Length:      binary.BigEndian.Uint64(b[2:HeaderSize]),
	}, nil
}

func (h Header) encode(dst []byte) {
	dst[0] = h.Kind.Tag()
	dst[1] = byte(h.Compression)
	binary.BigEndian.PutUint64(dst[2:HeaderSize], h.Length)
}

// EncodeRecord 把对象编码为存储记录；压缩无收益时退回到原始字节
func EncodeRecord(obj core.Object, c Compression) ([]byte, error) {
	payload := obj.Bytes()
	used := CompressionNone
	if c != CompressionNone && len(payload) >= minCompressSize {
		out, err := compress(payload, c)
		switch {
		case err == nil:
			payload, used = out, c
		case !errors.Is(err, errIncompressible):
			return nil, err
		}
	}

	rec := make([]byte, HeaderSize+len(payload))
	Header{Kind: obj.Type(), Compression: used, Length: uint64(len(obj.Bytes()))}.encode(rec)
	copy(rec[HeaderSize:], payload)
	return rec, nil
}

// DecodeRecord 解析记录并解压 payload
func DecodeRecord(rec []byte) (*Raw, error) {
	h, err := ParseHeader(rec)
	if err != nil {
		return nil, err
	}
	data, err := decompress(rec[HeaderSize:], h.Compression, int(h.Length))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return &Raw{Kind: h.Kind, Data: data}, nil
}
