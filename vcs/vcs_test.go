package vcs

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initRepo(t *testing.T) *Repo {
	t.Helper()
	dir := t.TempDir()

	for _, args := range [][]string{
		{"init"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "Test"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		require.NoError(t, cmd.Run())
	}
	return Open(dir)
}

func TestStatusReportsUntrackedFile(t *testing.T) {
	r := initRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(r.Dir, "a.txt"), []byte("hi"), 0644))

	entries, err := r.Status()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.txt", entries[0].Path)
	assert.Equal(t, "??", entries[0].Code)
}

func TestIsCleanReflectsWorkingTree(t *testing.T) {
	r := initRepo(t)

	clean, err := r.IsClean()
	require.NoError(t, err)
	assert.True(t, clean)

	require.NoError(t, os.WriteFile(filepath.Join(r.Dir, "a.txt"), []byte("hi"), 0644))
	clean, err = r.IsClean()
	require.NoError(t, err)
	assert.False(t, clean)
}

func TestAddCommitLogRoundTrip(t *testing.T) {
	r := initRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(r.Dir, "a.txt"), []byte("hi"), 0644))

	require.NoError(t, r.Add())
	require.NoError(t, r.Commit("add a.txt"))

	clean, err := r.IsClean()
	require.NoError(t, err)
	assert.True(t, clean)

	entries, err := r.Log(5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "add a.txt", entries[0].Subject)

	subject, err := r.LastCommitSubject()
	require.NoError(t, err)
	assert.Equal(t, "add a.txt", subject)
}

func TestCommitWithNothingStagedReturnsSentinel(t *testing.T) {
	r := initRepo(t)

	err := r.Commit("empty commit")
	assert.ErrorIs(t, err, ErrNothingToCommit)
}
