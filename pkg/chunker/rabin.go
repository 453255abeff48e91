package chunker

import (
	"bytes"
	"io"

	rc "github.com/restic/chunker"
)

// Rabin 基于 restic 的 Rabin 指纹切分
type Rabin struct {
	p   Params
	pol rc.Pol
}

func newRabin(p Params) *Rabin {
	return &Rabin{p: p, pol: rc.Pol(p.Polynomial)}
}

func (c *Rabin) Params() Params { return c.p }

func (c *Rabin) Split(r io.Reader) Splitter {
	inner := rc.NewWithBoundaries(r, c.pol, uint(c.p.MinSize), uint(c.p.MaxSize))
	inner.SetAverageBits(log2(c.p.AvgSize))
	return &rabinSplitter{inner: inner, buf: make([]byte, c.p.MaxSize)}
}

func (c *Rabin) Cut(data []byte) []int {
	var cutPoints []int
	s := c.Split(bytes.NewReader(data))
	offset := 0
	for {
		chunk, err := s.Next()
		if err != nil {
			// bytes.Reader 只会返回 io.EOF
			return cutPoints
		}
		offset += len(chunk)
		cutPoints = append(cutPoints, offset)
	}
}

type rabinSplitter struct {
	inner *rc.Chunker
	buf   []byte
}

func (s *rabinSplitter) Next() ([]byte, error) {
	chunk, err := s.inner.Next(s.buf)
	if err != nil {
		return nil, err
	}
	return chunk.Data, nil
}
