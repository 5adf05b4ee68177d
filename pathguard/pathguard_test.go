package pathguard

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveWithinWorkspace(t *testing.T) {
	root := t.TempDir()
	g := New(root)

	resolved, err := g.Resolve("src/main.go")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "src", "main.go"), resolved)
}

func TestResolveRejectsAbsolutePath(t *testing.T) {
	g := New(t.TempDir())

	_, err := g.Resolve("/etc/passwd")
	require.Error(t, err)
	assert.ErrorAs(t, err, new(*ErrOutsideWorkspace))
}

func TestResolveRejectsParentTraversal(t *testing.T) {
	g := New(t.TempDir())

	_, err := g.Resolve("../../etc/passwd")
	require.Error(t, err)
	assert.ErrorAs(t, err, new(*ErrOutsideWorkspace))
}

func TestResolveFollowsSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()

	link := filepath.Join(root, "escape")
	require.NoError(t, os.Symlink(outside, link))

	g := New(root)
	_, err := g.Resolve("escape/file.txt")
	require.Error(t, err)
	assert.ErrorAs(t, err, new(*ErrOutsideWorkspace))
}

func TestCheckShellRejectsForbiddenPatterns(t *testing.T) {
	cases := []string{
		"cd / && rm -rf *",
		"cd .. && ls",
		"rm -rf /",
		"cat /etc/passwd",
		"ls ~/.ssh",
		"echo $HOME",
	}
	for _, c := range cases {
		err := CheckShell(c)
		assert.Error(t, err, "expected %q to be rejected", c)
	}
}

func TestCheckShellAllowsOrdinaryCommands(t *testing.T) {
	cases := []string{
		"go test ./...",
		"git status",
		"ls -la",
		"go build ./cmd/...",
	}
	for _, c := range cases {
		err := CheckShell(c)
		assert.NoError(t, err, "expected %q to be allowed", c)
	}
}
