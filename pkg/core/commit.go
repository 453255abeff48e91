package core

import (
	"time"

	"chunkvault/pkg/digest"
	"chunkvault/pkg/types"
)

type Commit struct {
	hash     types.Hash `cbor:"-"`
	rawBytes []byte     `cbor:"-"`

	TypeVal ObjectType `cbor:"t"`

	TreeCid Link   `cbor:"th"`
	Parents []Link `cbor:"p"` // 有序；第一个是主线父提交

	Author  string `cbor:"a"`
	Message string `cbor:"m"`

	// Unix 秒
	Timestamp int64 `cbor:"ts"`
}

// NewCommit 创建提交对象。时间戳由调用方给出，以保证同样的输入得到同样的 ID。
func NewCommit(alg digest.Algorithm, treeHash types.Hash, parents []types.Hash, author, msg string, ts time.Time) (*Commit, error) {
	parentLinks := make([]Link, len(parents))
	for i, p := range parents {
		parentLinks[i] = NewLink(p)
	}

	c := &Commit{
		TypeVal:   TypeCommit,
		TreeCid:   NewLink(treeHash),
		Parents:   parentLinks,
		Author:    author,
		Message:   msg,
		Timestamp: ts.Unix(),
	}

	h, b, err := seal(alg, TypeCommit, c)
	if err != nil {
		return nil, err
	}
	c.hash = h
	c.rawBytes = b
	return c, nil
}

func (c *Commit) Type() ObjectType { return TypeCommit }
func (c *Commit) ID() types.Hash   { return c.hash }
func (c *Commit) Bytes() []byte    { return c.rawBytes }
func (c *Commit) Tree() types.Hash { return c.TreeCid.Hash }
func (c *Commit) Time() time.Time  { return time.Unix(c.Timestamp, 0) }

func (c *Commit) ParentIDs() []types.Hash {
	out := make([]types.Hash, len(c.Parents))
	for i, p := range c.Parents {
		out[i] = p.Hash
	}
	return out
}

// Links 先列父提交再列根树
func (c *Commit) Links() []types.Hash {
	return append(c.ParentIDs(), c.TreeCid.Hash)
}
