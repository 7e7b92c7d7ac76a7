package engine

import (
	"errors"
	"path/filepath"
	"strings"
)

// ErrUnsupportedPathComponent is returned when a remote path contains a
// component ("..") that would escape the cache root.
var ErrUnsupportedPathComponent = errors.New("remote path contains unsupported component")

// ErrEmptyPath is returned for an empty remote path.
var ErrEmptyPath = errors.New("remote path is empty")

// cachePathFor maps a POSIX-style remote path onto a local path under
// cacheRoot, rejecting any ".." component so a malicious or buggy remote
// listing can never write outside the cache directory.
func cachePathFor(cacheRoot, remotePath string) (string, error) {
	if remotePath == "" {
		return "", ErrEmptyPath
	}

	parts := strings.Split(remotePath, "/")

	out := cacheRoot
	for _, part := range parts {
		switch part {
		case "", ".", "/":
			continue
		case "..":
			return "", ErrUnsupportedPathComponent
		default:
			out = filepath.Join(out, part)
		}
	}
	return out, nil
}
