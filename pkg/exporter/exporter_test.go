package exporter

import (
	"bytes"
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"chunkvault/pkg/chunker"
	"chunkvault/pkg/core"
	"chunkvault/pkg/digest"
	"chunkvault/pkg/fault"
	"chunkvault/pkg/ingester"
	"chunkvault/pkg/storage"
	"chunkvault/pkg/storage/disk"
	"chunkvault/pkg/storage/mem"
	"chunkvault/pkg/tree"
	"chunkvault/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const alg = digest.BLAKE3

func ingest(t *testing.T, s storage.Store, data []byte) types.Hash {
	t.Helper()
	c, err := chunker.New(chunker.DefaultParams())
	require.NoError(t, err)
	res, err := ingester.NewIngester(s, c, alg, nil).IngestReader(context.Background(), bytes.NewReader(data))
	require.NoError(t, err)
	return res.Node.ID()
}

func TestIngestAndExport_RoundTrip(t *testing.T) {
	ctx := context.Background()
	data := make([]byte, 3*1024*1024)
	_, err := rand.Read(data)
	require.NoError(t, err)

	// 未压缩的磁盘存储走 mmap，zstd 存储走 Get
	for _, c := range []storage.Compression{storage.CompressionNone, storage.CompressionZstd} {
		t.Run(c.String(), func(t *testing.T) {
			store, err := disk.NewAdapter(t.TempDir(), disk.WithCompression(c))
			require.NoError(t, err)
			id := ingest(t, store, data)

			var out bytes.Buffer
			require.NoError(t, NewExporter(store, alg, nil).ExportFile(ctx, id, &out))
			assert.True(t, bytes.Equal(data, out.Bytes()), "数据损坏")
		})
	}
}

// corruptStore 翻转每个块的第一个字节
type corruptStore struct{ storage.Store }

func (c corruptStore) Get(ctx context.Context, id types.Hash) (*storage.Raw, error) {
	raw, err := c.Store.Get(ctx, id)
	if err != nil || raw.Kind != core.TypeChunk {
		return raw, err
	}
	data := append([]byte{}, raw.Data...)
	data[0] ^= 0xff
	return &storage.Raw{Kind: raw.Kind, Data: data}, nil
}

func TestExportFile_DetectsCorruption(t *testing.T) {
	store := mem.New()
	id := ingest(t, store, []byte("some file content"))

	err := NewExporter(corruptStore{store}, alg, nil).ExportFile(context.Background(), id, &bytes.Buffer{})
	assert.ErrorIs(t, err, fault.DigestMismatch)
}

func buildTree(t *testing.T, s storage.Store, files map[string]string, kinds map[string]core.EntryKind) types.Hash {
	t.Helper()
	ix := tree.New(alg)
	for p, c := range files {
		kind := core.KindBlob
		if k, ok := kinds[p]; ok {
			kind = k
		}
		require.NoError(t, ix.Insert(p, tree.Entry{ID: ingest(t, s, []byte(c)), Kind: kind, Size: int64(len(c))}))
	}
	root, err := ix.Write(context.Background(), func(ctx context.Context, obj core.Object) error {
		_, _, err := s.Put(ctx, obj)
		return err
	})
	require.NoError(t, err)
	return root
}

func TestRestoreTree(t *testing.T) {
	ctx := context.Background()
	store := mem.New()
	root := buildTree(t, store,
		map[string]string{"a.txt": "alpha", "bin/run.sh": "#!/bin/sh\n", "docs/link": "../a.txt"},
		map[string]core.EntryKind{"bin/run.sh": core.KindExec, "docs/link": core.KindSymlink},
	)

	dir := t.TempDir()
	var restored []string
	err := NewExporter(store, alg, nil).RestoreTree(ctx, root, dir, func(p string, _ tree.Entry) {
		restored = append(restored, p)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "bin/run.sh", "docs/link"}, restored)

	b, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(b))

	fi, err := os.Stat(filepath.Join(dir, "bin", "run.sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), fi.Mode().Perm())

	target, err := os.Readlink(filepath.Join(dir, "docs", "link"))
	require.NoError(t, err)
	assert.Equal(t, "../a.txt", target)
	b, err = os.ReadFile(filepath.Join(dir, "docs", "link"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(b))
}

func TestApply_OnlyTouchesChanges(t *testing.T) {
	ctx := context.Background()
	store := mem.New()
	before := buildTree(t, store, map[string]string{"keep.txt": "same", "old/gone.txt": "bye", "edit.txt": "v1"}, nil)
	after := buildTree(t, store, map[string]string{"keep.txt": "same", "edit.txt": "v2", "new.txt": "hi"}, nil)

	dir := t.TempDir()
	exp := NewExporter(store, alg, nil)
	require.NoError(t, exp.RestoreTree(ctx, before, dir, nil))

	// 未变化的文件保持原来的 mtime
	keep := filepath.Join(dir, "keep.txt")
	past := time.Now().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, os.Chtimes(keep, past, past))

	changes, err := tree.Diff(ctx, tree.StoreSource{Store: store, Alg: alg}, before, after)
	require.NoError(t, err)
	require.NoError(t, exp.Apply(ctx, changes, dir, nil))

	got := map[string]string{}
	require.NoError(t, filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		require.NoError(t, err)
		if d.IsDir() {
			return nil
		}
		b, err := os.ReadFile(p)
		require.NoError(t, err)
		rel, _ := filepath.Rel(dir, p)
		got[filepath.ToSlash(rel)] = string(b)
		return nil
	}))
	assert.Equal(t, map[string]string{"keep.txt": "same", "edit.txt": "v2", "new.txt": "hi"}, got)

	_, err = os.Stat(filepath.Join(dir, "old"))
	assert.True(t, os.IsNotExist(err), "空目录应被删除")

	fi, err := os.Stat(keep)
	require.NoError(t, err)
	assert.True(t, fi.ModTime().Equal(past))
}

// rawObject 绕过 core 的构造函数，模拟对端直接发来的字节
type rawObject struct {
	kind core.ObjectType
	data []byte
}

func (r rawObject) Type() core.ObjectType { return r.kind }
func (r rawObject) ID() types.Hash        { return core.Digest(alg, r.kind, r.data) }
func (r rawObject) Bytes() []byte         { return r.data }
func (r rawObject) Links() []types.Hash   { return nil }

func TestRestoreTree_RejectsEscapingNames(t *testing.T) {
	ctx := context.Background()
	store := mem.New()

	// 1. 名为 ".." 的子目录：哈希正确，但载入时必须被拒绝
	leaf := buildTree(t, store, map[string]string{"escaped.txt": "pwned"}, nil)
	data, err := core.Marshal(&core.Tree{TypeVal: core.TypeTree, Entries: []core.TreeEntry{
		{Name: "..", Kind: core.KindTree, Hash: core.NewLink(leaf)},
	}})
	require.NoError(t, err)
	evil, _, err := store.Put(ctx, rawObject{kind: core.TypeTree, data: data})
	require.NoError(t, err)

	base := t.TempDir()
	work := filepath.Join(base, "work")
	err = NewExporter(store, alg, nil).RestoreTree(ctx, evil, work, nil)
	require.Error(t, err)
	_, err = os.Stat(filepath.Join(base, "escaped.txt"))
	assert.True(t, os.IsNotExist(err), "不能写到工作区之外")

	// 2. 根目录下的元数据目录
	meta := buildTree(t, store, map[string]string{".cv/HEAD": "ref: refs/heads/evil", "ok.txt": "fine"}, nil)
	err = NewExporter(store, alg, nil).RestoreTree(ctx, meta, work, nil)
	assert.ErrorIs(t, err, ErrUnsafePath)
	_, err = os.Stat(filepath.Join(work, ".cv", "HEAD"))
	assert.True(t, os.IsNotExist(err))
}

func TestApply_RejectsUnsafePaths(t *testing.T) {
	ctx := context.Background()
	store := mem.New()
	exp := NewExporter(store, alg, nil)
	dir := t.TempDir()

	for _, p := range []string{"../x.txt", ".CV/config.yaml", "/abs.txt"} {
		err := exp.Apply(ctx, []tree.Change{{Path: p, Op: tree.Removed}}, dir, nil)
		assert.ErrorIs(t, err, ErrUnsafePath, p)
	}
}

func TestPrintObject(t *testing.T) {
	ctx := context.Background()
	store := mem.New()
	root := buildTree(t, store, map[string]string{"model.bin": "weights", "run.sh": "go"}, map[string]core.EntryKind{"run.sh": core.KindExec})

	commit, err := core.NewCommit(alg, root, nil, "alice", "first snapshot", time.Unix(1700000000, 0))
	require.NoError(t, err)
	_, _, err = store.Put(ctx, commit)
	require.NoError(t, err)

	exp := NewExporter(store, alg, nil)

	var out bytes.Buffer
	require.NoError(t, exp.PrintObject(ctx, commit.ID(), &out))
	assert.Contains(t, out.String(), "Type:    Commit")
	assert.Contains(t, out.String(), root.String())
	assert.Contains(t, out.String(), "first snapshot")

	out.Reset()
	require.NoError(t, exp.PrintObject(ctx, root, &out))
	assert.Contains(t, out.String(), "model.bin")
	assert.Contains(t, out.String(), "0755")
	assert.Contains(t, out.String(), "exec")

	assert.Error(t, exp.PrintObject(ctx, alg.Sum([]byte("missing")), &out))
}
