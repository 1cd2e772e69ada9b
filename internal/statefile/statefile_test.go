package statefile

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name string `json:"name"`
	N    int    `json:"n"`
}

func TestStoreAndLoad_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	s := New(path, nil)

	require.NoError(t, s.Store(&sample{Name: "a", N: 1}))

	got := &sample{}
	exists, err := s.Load(got)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, &sample{Name: "a", N: 1}, got)
}

func TestLoad_MissingFileReturnsNotExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.json")
	s := New(path, nil)

	got := &sample{}
	exists, err := s.Load(got)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestLoad_CorruptJSONReturnsErrCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	s := New(path, nil)

	got := &sample{}
	exists, err := s.Load(got)
	assert.True(t, exists)
	assert.True(t, errors.Is(err, ErrCorrupt))
}

func TestLoad_FailedValidationReturnsErrCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"name":"a","n":1}`), 0o644))
	s := New(path, func(data []byte) error { return errors.New("schema mismatch") })

	got := &sample{}
	exists, err := s.Load(got)
	assert.True(t, exists)
	assert.True(t, errors.Is(err, ErrCorrupt))
}

func TestStore_OverwritesExistingDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	s := New(path, nil)

	require.NoError(t, s.Store(&sample{Name: "a", N: 1}))
	require.NoError(t, s.Store(&sample{Name: "b", N: 2}))

	got := &sample{}
	exists, err := s.Load(got)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, &sample{Name: "b", N: 2}, got)
}

func TestStore_LeavesNoTempFileBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")
	s := New(path, nil)
	require.NoError(t, s.Store(&sample{Name: "a", N: 1}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "doc.json", entries[0].Name())
}

func TestRemove_DeletesDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	s := New(path, nil)
	require.NoError(t, s.Store(&sample{Name: "a"}))

	require.NoError(t, s.Remove())

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestRemove_AlreadyAbsentIsNotAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "never-created.json")
	s := New(path, nil)

	assert.NoError(t, s.Remove())
}

func TestWriteAtomic_CreatesParentDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "doc.json")

	require.NoError(t, WriteAtomic(path, []byte(`{"ok":true}`)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var v map[string]bool
	require.NoError(t, json.Unmarshal(data, &v))
	assert.True(t, v["ok"])
}
