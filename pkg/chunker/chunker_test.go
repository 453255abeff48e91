package chunker

import (
	"bytes"
	"errors"
	"io"
	"math/rand/v2"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testParams 用较小的块，方便在测试数据里观察边界
func testParams(m Method) Params {
	p := DefaultParams()
	p.Method = m
	p.MinSize = 2 * 1024
	p.AvgSize = 8 * 1024
	p.MaxSize = 64 * 1024
	return p
}

func randomBytes(n int, seed uint64) []byte {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(r.Uint32())
	}
	return data
}

func mustNew(t *testing.T, p Params) Chunker {
	t.Helper()
	c, err := New(p)
	require.NoError(t, err)
	return c
}

func splitAll(t *testing.T, s Splitter) [][]byte {
	t.Helper()
	var out [][]byte
	for {
		chunk, err := s.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, bytes.Clone(chunk))
	}
}

func methods() []Method { return []Method{MethodFastCDC, MethodRabin} }

func TestChunker_Deterministic(t *testing.T) {
	data := randomBytes(300*1024, 1)
	for _, m := range methods() {
		t.Run(string(m), func(t *testing.T) {
			c := mustNew(t, testParams(m))

			cuts1 := c.Cut(data)
			require.NotEmpty(t, cuts1)
			assert.Equal(t, len(data), cuts1[len(cuts1)-1], "最后一块必须结束于数据末尾")

			cuts2 := mustNew(t, testParams(m)).Cut(data)
			assert.Equal(t, cuts1, cuts2, "对于相同数据，切分点必须完全一致")
		})
	}
}

func TestChunker_Lossless(t *testing.T) {
	data := randomBytes(500*1024+17, 2)
	for _, m := range methods() {
		t.Run(string(m), func(t *testing.T) {
			c := mustNew(t, testParams(m))
			chunks := splitAll(t, c.Split(bytes.NewReader(data)))
			assert.Equal(t, data, bytes.Join(chunks, nil))

			// 流式切分与整体切分的边界一致
			var ends []int
			off := 0
			for _, ch := range chunks {
				off += len(ch)
				ends = append(ends, off)
			}
			assert.Equal(t, c.Cut(data), ends)
		})
	}
}

func TestChunker_SplitterShortReads(t *testing.T) {
	data := randomBytes(200*1024, 3)
	c := mustNew(t, testParams(MethodFastCDC))

	whole := splitAll(t, c.Split(bytes.NewReader(data)))
	oneByte := splitAll(t, c.Split(iotest.OneByteReader(bytes.NewReader(data))))
	assert.Equal(t, whole, oneByte)
}

func TestChunker_EdgeSizes(t *testing.T) {
	for _, m := range methods() {
		t.Run(string(m), func(t *testing.T) {
			p := testParams(m)
			c := mustNew(t, p)

			assert.Empty(t, c.Cut(nil), "空输入没有块")
			assert.Empty(t, splitAll(t, c.Split(bytes.NewReader(nil))))

			small := randomBytes(p.MinSize-1, 4)
			assert.Equal(t, []int{len(small)}, c.Cut(small), "小于最小块的输入恰好一块")
		})
	}
}

func TestChunker_MinMaxConstraints(t *testing.T) {
	// 全 0 数据容易触发 worst-case
	for _, m := range methods() {
		t.Run(string(m), func(t *testing.T) {
			p := testParams(m)
			c := mustNew(t, p)
			for _, data := range [][]byte{make([]byte, 300*1024), randomBytes(300*1024, 5)} {
				cuts := c.Cut(data)
				start := 0
				for i, end := range cuts {
					size := end - start
					// 最后一块可能小于 MinSize
					if i < len(cuts)-1 {
						assert.GreaterOrEqual(t, size, p.MinSize, "chunk %d size %d too small", i, size)
					}
					assert.LessOrEqual(t, size, p.MaxSize, "chunk %d size %d too large", i, size)
					start = end
				}
			}
		})
	}
}

func TestChunker_InsertionIsLocal(t *testing.T) {
	data := randomBytes(1024*1024, 6)
	edited := make([]byte, 0, len(data)+1)
	edited = append(edited, data[:100*1024]...)
	edited = append(edited, 0x42)
	edited = append(edited, data[100*1024:]...)

	for _, m := range methods() {
		t.Run(string(m), func(t *testing.T) {
			c := mustNew(t, testParams(m))
			before := chunkSet(data, c.Cut(data))
			after := chunkSet(edited, c.Cut(edited))

			changed := 0
			for k := range after {
				if _, ok := before[k]; !ok {
					changed++
				}
			}
			assert.LessOrEqual(t, changed, 3, "单字节插入只应影响附近的块")
			assert.Greater(t, len(after), 10)
		})
	}
}

func chunkSet(data []byte, cuts []int) map[string]struct{} {
	set := make(map[string]struct{}, len(cuts))
	start := 0
	for _, end := range cuts {
		set[string(data[start:end])] = struct{}{}
		start = end
	}
	return set
}

func TestGearTable_Splitmix64(t *testing.T) {
	// splitmix64 以 0 为种子的第一个输出是公开的参考值
	assert.Equal(t, uint64(0xe220a8397b1dcdaf), gearTable[0])
	assert.Equal(t, gearTable, newGearTable(gearSeed))

	seen := make(map[uint64]bool, len(gearTable))
	wide := 0
	for _, v := range gearTable {
		seen[v] = true
		if v>>32 != 0 {
			wide++
		}
	}
	assert.Len(t, seen, len(gearTable), "表项互不相同")
	assert.Greater(t, wide, 200, "高 32 位同样参与滚动哈希")
}

func TestParams_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *Params)
	}{
		{"unknown method", func(p *Params) { p.Method = "md5" }},
		{"min below window", func(p *Params) { p.MinSize = 32 }},
		{"avg not above min", func(p *Params) { p.AvgSize = p.MinSize }},
		{"max not above avg", func(p *Params) { p.MaxSize = p.AvgSize }},
		{"max too large", func(p *Params) { p.MaxSize = 128 * 1024 * 1024 }},
		{"rabin without polynomial", func(p *Params) { p.Method = MethodRabin; p.Polynomial = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultParams()
			tt.mutate(&p)
			assert.ErrorIs(t, p.Validate(), ErrInvalidParams)
		})
	}
	assert.NoError(t, DefaultParams().Validate())
}
