package plugin

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorageSetThenGetRoundTrip(t *testing.T) {
	s := newStorage(t.TempDir(), "my plugin!")

	require.NoError(t, s.Set("count", 42))

	var got int
	ok, err := s.Get("count", &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 42, got)
}

func TestStorageGetMissingKeyReturnsFalse(t *testing.T) {
	s := newStorage(t.TempDir(), "p1")
	var got string
	ok, err := s.Get("absent", &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStorageDeleteRemovesKey(t *testing.T) {
	s := newStorage(t.TempDir(), "p1")
	require.NoError(t, s.Set("k", "v"))
	require.NoError(t, s.Delete("k"))

	ok, err := s.Get("k", new(string))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStorageListFiltersByPrefixAndSorts(t *testing.T) {
	s := newStorage(t.TempDir(), "p1")
	require.NoError(t, s.Set("job.b", 1))
	require.NoError(t, s.Set("job.a", 1))
	require.NoError(t, s.Set("other", 1))

	assert.Equal(t, []string{"job.a", "job.b"}, s.List("job."))
	assert.Equal(t, []string{"job.a", "job.b", "other"}, s.List(""))
}

func TestStoragePersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	s1 := newStorage(dir, "p1")
	require.NoError(t, s1.Set("k", "v1"))

	s2 := newStorage(dir, "p1")
	var got string
	ok, err := s2.Get("k", &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v1", got)
}

func TestStorageWriteIsAtomicViaTempAndRename(t *testing.T) {
	dir := t.TempDir()
	s := newStorage(dir, "p1")
	require.NoError(t, s.Set("k", "v"))

	entries, err := os.ReadDir(filepath.Join(dir, "p1"))
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"storage.json"}, names, "no leftover temp files after a successful write")
}

func TestStorageToleratesMissingBackingFile(t *testing.T) {
	s := newStorage(t.TempDir(), "never-written")
	assert.Empty(t, s.List(""))
}

func TestStorageToleratesCorruptBackingFile(t *testing.T) {
	dir := t.TempDir()
	pluginDir := filepath.Join(dir, "p1")
	require.NoError(t, os.MkdirAll(pluginDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(pluginDir, "storage.json"), []byte("{not json"), 0o644))

	s := newStorage(dir, "p1")
	assert.Empty(t, s.List(""))
}

func TestStorageFailedPersistLeavesCacheUnchanged(t *testing.T) {
	dir := t.TempDir()
	s := newStorage(dir, "p1")
	require.NoError(t, s.Set("k", "original"))

	// Replace the plugin's storage directory with a file so MkdirAll
	// (and therefore persist) fails on the next write.
	pluginDir := filepath.Join(dir, "p1")
	require.NoError(t, os.RemoveAll(pluginDir))
	require.NoError(t, os.WriteFile(pluginDir, []byte("blocker"), 0o644))
	t.Cleanup(func() { _ = os.Remove(pluginDir) })

	err := s.Set("k", "new-value")
	require.Error(t, err)

	var got string
	ok, getErr := s.Get("k", &got)
	require.NoError(t, getErr)
	assert.True(t, ok)
	assert.Equal(t, "original", got, "a failed write must not advance the in-memory cache")
}

func TestSanitizeNameReplacesUnsafeCharacters(t *testing.T) {
	assert.Equal(t, "my-plugin-", sanitizeName("my plugin!"))
	assert.Equal(t, "plugin", sanitizeName(""))
	assert.Equal(t, "a.b-c_d", sanitizeName("a.b-c_d"))
}
