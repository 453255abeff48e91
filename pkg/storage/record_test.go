package storage_test

import (
	"bytes"
	"context"
	"testing"

	"chunkvault/pkg/core"
	"chunkvault/pkg/digest"
	"chunkvault/pkg/fault"
	"chunkvault/pkg/storage"
	"chunkvault/pkg/storage/mem"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_CompressionFallback(t *testing.T) {
	tests := []struct {
		name     string
		payload  []byte
		comp     storage.Compression
		wantComp storage.Compression
	}{
		{"zstd text", bytes.Repeat([]byte("abc"), 500), storage.CompressionZstd, storage.CompressionZstd},
		{"lz4 text", bytes.Repeat([]byte("abc"), 500), storage.CompressionLZ4, storage.CompressionLZ4},
		{"tiny stays raw", []byte("abc"), storage.CompressionZstd, storage.CompressionNone},
		{"none", bytes.Repeat([]byte("abc"), 500), storage.CompressionNone, storage.CompressionNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj := core.NewChunk(digest.BLAKE3, tt.payload)
			rec, err := storage.EncodeRecord(obj, tt.comp)
			require.NoError(t, err)

			h, err := storage.ParseHeader(rec)
			require.NoError(t, err)
			assert.Equal(t, tt.wantComp, h.Compression)
			assert.Equal(t, uint64(len(tt.payload)), h.Length)
			assert.Equal(t, core.TypeChunk, h.Kind)

			raw, err := storage.DecodeRecord(rec)
			require.NoError(t, err)
			assert.Equal(t, tt.payload, raw.Data)
		})
	}
}

func TestRecord_Corrupt(t *testing.T) {
	_, err := storage.DecodeRecord([]byte{1, 2})
	assert.ErrorIs(t, err, storage.ErrCorruptRecord)

	obj := core.NewChunk(digest.BLAKE3, bytes.Repeat([]byte("z"), 1000))
	rec, err := storage.EncodeRecord(obj, storage.CompressionZstd)
	require.NoError(t, err)
	_, err = storage.DecodeRecord(rec[:len(rec)-3])
	assert.ErrorIs(t, err, storage.ErrCorruptRecord)
}

func TestGuard_CapacityExceeded(t *testing.T) {
	ctx := context.Background()
	g := storage.NewGuard(mem.New(), 16)

	_, _, err := g.Put(ctx, core.NewChunk(digest.BLAKE3, make([]byte, 17)))
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.CapacityExceeded)
	assert.Contains(t, err.Error(), "storage.max_object_size")

	_, fresh, err := g.Put(ctx, core.NewChunk(digest.BLAKE3, make([]byte, 16)))
	require.NoError(t, err)
	assert.True(t, fresh)

	n, err := storage.Count(ctx, g)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestGetTree_TypeCheck(t *testing.T) {
	ctx := context.Background()
	s := mem.New()
	chunk := core.NewChunk(digest.BLAKE3, []byte("not a tree"))
	_, _, err := s.Put(ctx, chunk)
	require.NoError(t, err)

	_, err = storage.GetTree(ctx, s, digest.BLAKE3, chunk.ID())
	assert.ErrorContains(t, err, "expected tree")

	tree, err := core.NewTree(digest.BLAKE3, nil)
	require.NoError(t, err)
	_, _, err = s.Put(ctx, tree)
	require.NoError(t, err)
	got, err := storage.GetTree(ctx, s, digest.BLAKE3, tree.ID())
	require.NoError(t, err)
	assert.Equal(t, tree.ID(), got.ID())
}
