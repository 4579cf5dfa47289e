package hashstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashIsStableAndWidth(t *testing.T) {
	h1 := Hash([]byte("hello"))
	h2 := Hash([]byte("hello"))
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, DigestWidth)
}

func TestHashDiffersOnContent(t *testing.T) {
	assert.NotEqual(t, Hash([]byte("a")), Hash([]byte("b")))
}

func TestWriteIsAtomicAndReadable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	require.NoError(t, Write(path, []byte(`{"ok":true}`), 0644))

	data, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no leftover temp file after rename")
}

func TestHashFileAbsentIsDistinctFromEmpty(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "missing.txt")
	present := filepath.Join(dir, "present.txt")
	require.NoError(t, Write(present, []byte{}, 0644))

	absentDigest, err := HashFile(missing)
	require.NoError(t, err)
	presentDigest, err := HashFile(present)
	require.NoError(t, err)

	assert.NotEqual(t, absentDigest, presentDigest)
}

func TestVerifyUnchangedDetectsMutation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, Write(path, []byte("v1"), 0644))

	digest, err := HashFile(path)
	require.NoError(t, err)
	assert.NoError(t, VerifyUnchanged(path, digest))

	require.NoError(t, Write(path, []byte("v2"), 0644))
	assert.Error(t, VerifyUnchanged(path, digest))
}

func TestCopyFilePreservesContent(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "nested", "dst.txt")
	require.NoError(t, Write(src, []byte("payload"), 0644))

	require.NoError(t, CopyFile(src, dst))

	data, err := Read(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}
