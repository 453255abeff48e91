// pkg/types/common.go
package types

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// HashSize 是对象标识符的固定字节长度 (SHA-256 与 BLAKE3 均为 32 字节)
const HashSize = 32

// MinPrefixLen 短哈希展开时允许的最短前缀
const MinPrefixLen = 4

var ErrInvalidHash = errors.New("invalid object id")

// Hash 代表对象的唯一标识符 (ObjectId)
// 这是一个“值对象”，可以直接比较 (==) 并用作 map key。
type Hash [HashSize]byte

// ZeroHash 表示“没有对象”(例如空的 HEAD)
var ZeroHash Hash

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// Short 返回用于日志与 CLI 展示的前 8 位
func (h Hash) Short() string { return h.String()[:8] }

func (h Hash) IsZero() bool { return h == ZeroHash }

// Bytes 返回一份拷贝，调用方可以自由修改
func (h Hash) Bytes() []byte {
	b := make([]byte, HashSize)
	copy(b, h[:])
	return b
}

// Prefix 返回 hex 的前 n 位 (n 超界时返回全部)
func (h Hash) Prefix(n int) HashPrefix {
	s := h.String()
	if n > len(s) {
		n = len(s)
	}
	return HashPrefix(s[:n])
}

func (h Hash) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash 解析 64 位 hex 字符串
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) != HashSize*2 {
		return h, fmt.Errorf("%w: expected %d hex chars, got %d", ErrInvalidHash, HashSize*2, len(s))
	}
	if _, err := hex.Decode(h[:], []byte(strings.ToLower(s))); err != nil {
		return h, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	return h, nil
}

// HashFromBytes 从原始字节构造 (长度必须正好是 HashSize)
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidHash, HashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// HashPrefix 是用户输入的短哈希 (hex)
type HashPrefix string

func (p HashPrefix) String() string { return string(p) }

// Validate 检查前缀是否为合法的 hex 且足够长
func (p HashPrefix) Validate() error {
	if len(p) < MinPrefixLen {
		return fmt.Errorf("hash prefix %q too short (min %d)", p, MinPrefixLen)
	}
	if len(p) > HashSize*2 {
		return fmt.Errorf("hash prefix %q too long", p)
	}
	for _, c := range strings.ToLower(string(p)) {
		if !strings.ContainsRune("0123456789abcdef", c) {
			return fmt.Errorf("hash prefix %q is not hex", p)
		}
	}
	return nil
}

// Matches 判断完整哈希是否以该前缀开头
func (p HashPrefix) Matches(h Hash) bool {
	return strings.HasPrefix(h.String(), strings.ToLower(string(p)))
}

// RepoPath 是工作区内以 "/" 分隔的相对路径
type RepoPath string
