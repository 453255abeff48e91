package core

import (
	"encoding/hex"
	"testing"
	"time"

	"chunkvault/pkg/digest"
	"chunkvault/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------------
// 辅助工具
// -----------------------------------------------------------------------------

const alg = digest.BLAKE3

// mockHash 生成一个确定的 32 字节 ID
func mockHash(input string) types.Hash {
	return digest.SHA256.Sum([]byte(input))
}

var epoch = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func mustNewCommit(t *testing.T, tree types.Hash, parents []types.Hash, msg string) *Commit {
	t.Helper()
	c, err := NewCommit(alg, tree, parents, "author_test", msg, epoch)
	require.NoError(t, err)
	return c
}

// -----------------------------------------------------------------------------
// 1. Link
// -----------------------------------------------------------------------------

func TestLink_Marshal_Compliance(t *testing.T) {
	data, err := NewLink(mockHash("test-content")).MarshalCBOR()
	require.NoError(t, err)

	// Tag 42 (0xd82a) + ByteString 33 bytes (0x5821) + Prefix (0x00)
	assert.Equal(t, "d82a582100", hex.EncodeToString(data)[:10], "Link 序列化必须包含 Tag 42 和 0x00 前缀")
}

func TestLink_Unmarshal_RoundTrip(t *testing.T) {
	original := mockHash("round-trip-test")
	data, err := NewLink(original).MarshalCBOR()
	require.NoError(t, err)

	var l2 Link
	require.NoError(t, l2.UnmarshalCBOR(data))
	assert.Equal(t, original, l2.Hash)
}

func TestLink_Unmarshal_Strictness(t *testing.T) {
	h := mockHash("bad")

	// Case A: 缺少 0x00 前缀，33 字节但首字节不是 0
	badPrefix, _ := hex.DecodeString("d82a582101" + h.String())
	var l Link
	err := l.UnmarshalCBOR(badPrefix)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing 0x00 multibase prefix")

	// Case B: 长度不对 (32 字节)
	short, _ := hex.DecodeString("d82a5820" + h.String())
	assert.Error(t, l.UnmarshalCBOR(short))

	// Case C: 错误的 Tag (43)
	wrongTag, _ := hex.DecodeString("d82b582100" + h.String())
	assert.Error(t, l.UnmarshalCBOR(wrongTag))
}

// -----------------------------------------------------------------------------
// 2. 确定性与域分离
// -----------------------------------------------------------------------------

func TestCanonical_Encoding(t *testing.T) {
	c := mustNewCommit(t, mockHash("tree_root"), []types.Hash{mockHash("parent1"), mockHash("parent2")}, "message_test")

	decoded, err := Decode(alg, TypeCommit, c.Bytes())
	require.NoError(t, err)
	assert.Equal(t, c.ID(), decoded.ID(), "Merkle DAG 哈希计算必须具备确定性")

	again := mustNewCommit(t, mockHash("tree_root"), []types.Hash{mockHash("parent1"), mockHash("parent2")}, "message_test")
	assert.Equal(t, c.Bytes(), again.Bytes())
}

func TestDigest_DomainSeparation(t *testing.T) {
	node, err := NewFileNode(alg, nil)
	require.NoError(t, err)

	// 与 FileNode 字节完全相同的 chunk 拥有不同的 ID
	chunk := NewChunk(alg, node.Bytes())
	assert.NotEqual(t, node.ID(), chunk.ID())
	assert.True(t, Verify(alg, TypeChunk, chunk.ID(), node.Bytes()))
	assert.False(t, Verify(alg, TypeFileNode, chunk.ID(), node.Bytes()))
}

func TestDigest_AlgorithmChangesID(t *testing.T) {
	a := NewChunk(digest.SHA256, []byte("same"))
	b := NewChunk(digest.BLAKE3, []byte("same"))
	assert.NotEqual(t, a.ID(), b.ID())
}

// -----------------------------------------------------------------------------
// 3. 对象
// -----------------------------------------------------------------------------

func TestFileNode_RoundTrip(t *testing.T) {
	chunks := []ChunkLink{
		{Hash: NewLink(mockHash("chunk1")), Size: 1024},
		{Hash: NewLink(mockHash("chunk2")), Size: 2048},
	}
	node, err := NewFileNode(alg, chunks)
	require.NoError(t, err)
	assert.Equal(t, int64(3072), node.Size())

	got, err := DecodeAs[*FileNode](alg, TypeFileNode, node.Bytes())
	require.NoError(t, err)
	assert.Equal(t, int64(3072), got.TotalSize)
	assert.Equal(t, []types.Hash{mockHash("chunk1"), mockHash("chunk2")}, got.Links())
	assert.Equal(t, node.ID(), got.ID())
}

func TestTree_SortsAndValidates(t *testing.T) {
	entries := []TreeEntry{
		{Name: "b.txt", Kind: KindBlob, Hash: NewLink(mockHash("b")), Size: 1},
		{Name: "a", Kind: KindTree, Hash: NewLink(mockHash("a"))},
		{Name: "run.sh", Kind: KindExec, Hash: NewLink(mockHash("r")), Size: 2},
	}
	tree, err := NewTree(alg, entries)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b.txt", "run.sh"}, []string{tree.Entries[0].Name, tree.Entries[1].Name, tree.Entries[2].Name})

	// 输入顺序不影响 ID
	reversed := []TreeEntry{entries[2], entries[1], entries[0]}
	tree2, err := NewTree(alg, reversed)
	require.NoError(t, err)
	assert.Equal(t, tree.ID(), tree2.ID())

	e, ok := tree.Find("run.sh")
	require.True(t, ok)
	assert.Equal(t, KindExec, e.Kind)
	_, ok = tree.Find("missing")
	assert.False(t, ok)

	bad := map[string][]TreeEntry{
		"duplicate": {entries[0], entries[0]},
		"slash":     {{Name: "a/b", Kind: KindBlob}},
		"dotdot":    {{Name: "..", Kind: KindTree}},
		"kind":      {{Name: "x", Kind: "socket"}},
	}
	for name, es := range bad {
		_, err := NewTree(alg, es)
		assert.Error(t, err, name)
	}
}

func TestTree_EmptyIsValid(t *testing.T) {
	a, err := NewTree(alg, nil)
	require.NoError(t, err)
	b, err := NewTree(alg, []TreeEntry{})
	require.NoError(t, err)
	assert.Equal(t, a.ID(), b.ID())
	assert.Empty(t, a.Links())
}

func TestCommit_Fields(t *testing.T) {
	parent := mockHash("p")
	c := mustNewCommit(t, mockHash("tree"), []types.Hash{parent}, "msg")

	got, err := DecodeAs[*Commit](alg, TypeCommit, c.Bytes())
	require.NoError(t, err)
	assert.Equal(t, mockHash("tree"), got.Tree())
	assert.Equal(t, []types.Hash{parent}, got.ParentIDs())
	assert.Equal(t, epoch.Unix(), got.Timestamp)
	assert.Equal(t, []types.Hash{parent, mockHash("tree")}, got.Links())
}

func TestDecode_TypeMismatch(t *testing.T) {
	c := mustNewCommit(t, mockHash("tree"), nil, "msg")
	_, err := Decode(alg, TypeTree, c.Bytes())
	assert.Error(t, err)

	_, err = DecodeAs[*Tree](alg, TypeCommit, c.Bytes())
	assert.Error(t, err)
}

func TestDecode_RejectsMalformedTree(t *testing.T) {
	good := TreeEntry{Name: "ok.txt", Kind: KindBlob, Hash: NewLink(mockHash("ok")), Size: 1}
	bad := map[string][]TreeEntry{
		"dotdot":    {{Name: "..", Kind: KindTree, Hash: NewLink(mockHash("sub"))}},
		"dot":       {{Name: ".", Kind: KindTree, Hash: NewLink(mockHash("sub"))}},
		"slash":     {{Name: "a/b", Kind: KindBlob, Hash: NewLink(mockHash("x"))}},
		"empty":     {{Name: "", Kind: KindBlob, Hash: NewLink(mockHash("x"))}},
		"kind":      {{Name: "x", Kind: "socket", Hash: NewLink(mockHash("x"))}},
		"duplicate": {good, good},
		"unsorted":  {{Name: "z", Kind: KindBlob, Hash: NewLink(mockHash("z"))}, good},
	}
	for name, es := range bad {
		// 绕过 NewTree，直接编码，模拟对端发来的对象
		data, err := Marshal(&Tree{TypeVal: TypeTree, Entries: es})
		require.NoError(t, err, name)
		_, err = Decode(alg, TypeTree, data)
		assert.Error(t, err, name)
	}

	data, err := Marshal(&Tree{TypeVal: TypeTree, Entries: []TreeEntry{good}})
	require.NoError(t, err)
	_, err = Decode(alg, TypeTree, data)
	assert.NoError(t, err)
}

func TestTypeTags(t *testing.T) {
	for _, ty := range []ObjectType{TypeChunk, TypeFileNode, TypeTree, TypeCommit} {
		back, err := TypeFromTag(ty.Tag())
		require.NoError(t, err)
		assert.Equal(t, ty, back)
	}
	_, err := TypeFromTag(0)
	assert.Error(t, err)
	assert.Less(t, TypeChunk.Rank(), TypeFileNode.Rank())
	assert.Less(t, TypeTree.Rank(), TypeCommit.Rank())
}
