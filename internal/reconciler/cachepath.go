package reconciler

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// errUnsupportedPathComponent mirrors package engine's guard against a
// remote path escaping the cache root via "..".
var errUnsupportedPathComponent = errors.New("remote path contains unsupported component")

// cachePathFor maps a POSIX-style remote path onto a local path under
// cacheRoot, rejecting any ".." component.
func cachePathFor(cacheRoot, remotePath string) (string, error) {
	if remotePath == "" {
		return "", errors.New("remote path is empty")
	}

	parts := strings.Split(remotePath, "/")

	out := cacheRoot
	for _, part := range parts {
		switch part {
		case "", ".", "/":
			continue
		case "..":
			return "", errUnsupportedPathComponent
		default:
			out = filepath.Join(out, part)
		}
	}
	return out, nil
}

// relocateCacheFile moves the cache file for a renamed item from its old
// remote path to its new one. A missing source file is not an error: the
// item may be cloud_only and have no local bytes to relocate.
func relocateCacheFile(cacheRoot, from, to string) error {
	fromPath, err := cachePathFor(cacheRoot, from)
	if err != nil {
		return nil //nolint:nilerr // unrepresentable cache path has nothing to relocate
	}
	toPath, err := cachePathFor(cacheRoot, to)
	if err != nil {
		return nil //nolint:nilerr
	}
	if _, err := os.Stat(fromPath); os.IsNotExist(err) {
		return nil
	}
	if err := os.MkdirAll(path.Dir(toPath), 0o755); err != nil {
		return err
	}
	if err := os.Rename(fromPath, toPath); err != nil {
		return fmt.Errorf("relocating cache file %q -> %q: %w", fromPath, toPath, err)
	}
	return nil
}
