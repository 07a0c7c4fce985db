package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaosmaps/sandboxd/pkg/apperr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := New(filepath.Join(dir, "meta.db"), filepath.Join(dir, "blobs"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveComputesSHA256AndSize(t *testing.T) {
	store := newTestStore(t)
	content := []byte("hello")

	artifact, err := store.Save("abc123", "report.txt", "text/plain", content)
	require.NoError(t, err)

	sum := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(sum[:]), artifact.SHA256)
	assert.Equal(t, int64(len(content)), artifact.Size)
	assert.Equal(t, "abc123", artifact.DeploymentID)
}

func TestSaveGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	content := []byte("hello world")

	artifact, err := store.Save("abc123", "report.txt", "text/plain", content)
	require.NoError(t, err)

	meta, got, err := store.Get(artifact.ID)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Equal(t, artifact.SHA256, meta.SHA256)
}

func TestGetDetectsIntegrityMismatch(t *testing.T) {
	store := newTestStore(t)
	artifact, err := store.Save("abc123", "report.txt", "text/plain", []byte("hello"))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(artifact.Path, []byte("tampered"), 0o644))

	_, _, err = store.Get(artifact.ID)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.IntegrityError))
}

func TestGetDetectsMissingBlobAsCorruptStore(t *testing.T) {
	store := newTestStore(t)
	artifact, err := store.Save("abc123", "report.txt", "text/plain", []byte("hello"))
	require.NoError(t, err)

	require.NoError(t, os.Remove(artifact.Path))

	_, _, err = store.Get(artifact.ID)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CorruptStore))
}

func TestListOrdersByCreationDescending(t *testing.T) {
	store := newTestStore(t)
	first, err := store.Save("abc123", "a.txt", "text/plain", []byte("1"))
	require.NoError(t, err)
	second, err := store.Save("abc123", "b.txt", "text/plain", []byte("2"))
	require.NoError(t, err)

	all, err := store.List("abc123", 10, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID)
	assert.Equal(t, first.ID, all[1].ID)
}

func TestListRejectsOutOfRangeLimit(t *testing.T) {
	store := newTestStore(t)
	_, err := store.List("", 0, 0)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.ValidationError))

	_, err = store.List("", 1001, 0)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.ValidationError))
}

func TestDeleteIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	artifact, err := store.Save("abc123", "a.txt", "text/plain", []byte("1"))
	require.NoError(t, err)

	ok, err := store.Delete(artifact.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Delete(artifact.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = store.Get(artifact.ID)
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestDeleteDeploymentRemovesAllArtifacts(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Save("abc123", "a.txt", "text/plain", []byte("1"))
	require.NoError(t, err)
	_, err = store.Save("abc123", "b.txt", "text/plain", []byte("2"))
	require.NoError(t, err)

	count, err := store.DeleteDeployment("abc123")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	remaining, err := store.List("abc123", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}
