package pathguard

import (
	"os"
	"path/filepath"
)

// resolveSymlinks resolves symlinks in path, walking up to the nearest
// existing ancestor when the path itself (or a suffix of it) does not yet
// exist — write creates files that don't exist yet, so EvalSymlinks alone
// would fail on the common case.
func resolveSymlinks(path string) (string, error) {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved, nil
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if dir == path {
		return path, os.ErrNotExist
	}

	resolvedDir, err := resolveSymlinks(dir)
	if err != nil {
		return filepath.Join(dir, base), nil
	}
	return filepath.Join(resolvedDir, base), nil
}
