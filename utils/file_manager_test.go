package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateRunDir(t *testing.T) {
	base := t.TempDir()

	runDir, err := CreateRunDir(base, "run-1")
	require.NoError(t, err)
	assert.DirExists(t, filepath.Join(runDir, RunAudioDir))
	assert.DirExists(t, filepath.Join(runDir, RunCaptionsDir))

	_, err = CreateRunDir(base, "run-1")
	assert.Error(t, err, "a run directory must never be reused")

	_, err = CreateRunDir(base, "")
	assert.Error(t, err)
}

func TestCleanupRunDir(t *testing.T) {
	base := t.TempDir()
	runDir, err := CreateRunDir(base, "run-2")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(runDir, RunAudioDir, "a.mp3"), []byte("x"), 0644))

	require.NoError(t, CleanupRunDir(base, "run-2"))
	assert.NoDirExists(t, runDir)

	// Cleaning twice is harmless
	assert.NoError(t, CleanupRunDir(base, "run-2"))
}

func TestFileHelpers(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty")
	full := filepath.Join(dir, "full")
	require.NoError(t, os.WriteFile(empty, nil, 0644))
	require.NoError(t, os.WriteFile(full, []byte("data"), 0644))

	assert.True(t, FileExists(empty))
	assert.False(t, NonEmptyFile(empty))
	assert.True(t, NonEmptyFile(full))
	assert.False(t, NonEmptyFile(dir))

	size, err := GetFileSize(full)
	require.NoError(t, err)
	assert.EqualValues(t, 4, size)

	require.NoError(t, RemoveIfExists(full))
	assert.False(t, FileExists(full))
	assert.NoError(t, RemoveIfExists(full))
	assert.NoError(t, RemoveIfExists(""))
}

func TestCreateRunDir_ExistingDirIsUntouched(t *testing.T) {
	base := t.TempDir()
	existing := filepath.Join(base, "run-3", "keep.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(existing), 0755))
	require.NoError(t, os.WriteFile(existing, []byte("x"), 0644))

	_, err := CreateRunDir(base, "run-3")
	require.ErrorContains(t, err, "already exists")
	assert.FileExists(t, existing)
	assert.NoDirExists(t, filepath.Join(base, "run-3", RunAudioDir))
}

func TestCreateRunDir_CreatesBase(t *testing.T) {
	base := filepath.Join(t.TempDir(), "nested", "temp")
	runDir, err := CreateRunDir(base, "run-4")
	require.NoError(t, err)
	assert.DirExists(t, runDir)
}
