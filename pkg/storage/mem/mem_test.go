package mem

import (
	"context"
	"testing"

	"chunkvault/pkg/core"
	"chunkvault/pkg/digest"
	"chunkvault/pkg/fault"
	"chunkvault/pkg/storage"
	"chunkvault/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type forged struct {
	id   types.Hash
	data []byte
}

func (f forged) ID() types.Hash        { return f.id }
func (f forged) Bytes() []byte         { return f.data }
func (f forged) Type() core.ObjectType { return core.TypeChunk }
func (f forged) Links() []types.Hash   { return nil }

func TestStore_PutGet(t *testing.T) {
	ctx := context.Background()
	s := New()

	data := []byte("payload")
	obj := core.NewChunk(digest.BLAKE3, data)
	id, fresh, err := s.Put(ctx, obj)
	require.NoError(t, err)
	assert.True(t, fresh)

	// Put 必须拷贝：调用方修改原切片不影响存储
	data[0] = 'X'
	raw, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(raw.Data))

	_, fresh, err = s.Put(ctx, core.NewChunk(digest.BLAKE3, []byte("payload")))
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Equal(t, 1, s.Len())

	_, err = s.Get(ctx, digest.BLAKE3.Sum([]byte("nope")))
	assert.ErrorIs(t, err, fault.NotFound)
}

func TestStore_Collision(t *testing.T) {
	ctx := context.Background()
	s := New()
	obj := core.NewChunk(digest.BLAKE3, []byte("a"))
	_, _, err := s.Put(ctx, obj)
	require.NoError(t, err)

	_, _, err = s.Put(ctx, forged{id: obj.ID(), data: []byte("b")})
	assert.ErrorIs(t, err, fault.Collision)
}

func TestStore_WalkAndExpand(t *testing.T) {
	ctx := context.Background()
	s := New()
	for i := range 10 {
		_, _, err := s.Put(ctx, core.NewChunk(digest.BLAKE3, []byte{byte(i)}))
		require.NoError(t, err)
	}
	n, err := storage.Count(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	var first types.Hash
	require.NoError(t, s.Walk(ctx, func(id types.Hash) error {
		if first.IsZero() {
			first = id
		}
		return nil
	}))
	got, err := s.ExpandHash(ctx, first.Prefix(16))
	require.NoError(t, err)
	assert.Equal(t, first, got)
}
