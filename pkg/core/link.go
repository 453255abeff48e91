package core

import (
	"fmt"

	"chunkvault/pkg/types"

	"github.com/fxamacker/cbor/v2"
)

// Link 代表 Merkle DAG 中的一条边 (指向子节点的哈希引用)
// 在 CBOR 层面，它会被序列化为 Tag 42(0x00 + HashBytes)
type Link struct {
	Hash types.Hash
}

const linkTagNumber = 42

func NewLink(h types.Hash) Link {
	return Link{Hash: h}
}

// MarshalCBOR 规范：Tag 42, Content = [0x00, byte1, byte2...]
func (l Link) MarshalCBOR() ([]byte, error) {
	cidBytes := make([]byte, 0, 1+types.HashSize)
	cidBytes = append(cidBytes, 0x00)
	cidBytes = append(cidBytes, l.Hash[:]...)
	return em.Marshal(cbor.Tag{
		Number:  linkTagNumber,
		Content: cidBytes,
	})
}

func (l *Link) UnmarshalCBOR(data []byte) error {
	var tag cbor.Tag
	if err := dm.Unmarshal(data, &tag); err != nil {
		return err
	}
	if tag.Number != linkTagNumber {
		return fmt.Errorf("expected tag 42 for Link, got %d", tag.Number)
	}
	b, ok := tag.Content.([]byte)
	if !ok {
		return fmt.Errorf("link content must be byte string")
	}
	if len(b) != 1+types.HashSize {
		return fmt.Errorf("invalid link: expected %d bytes, got %d", 1+types.HashSize, len(b))
	}
	if b[0] != 0x00 {
		return fmt.Errorf("invalid link: missing 0x00 multibase prefix")
	}
	copy(l.Hash[:], b[1:])
	return nil
}
