// Package transfer moves bytes between the remote store and the local
// cache directory: atomic download-to-partial-then-rename, streaming
// upload, and a single semaphore capping concurrent transfers in both
// directions.
package transfer

import (
	"context"
	"crypto/md5" //nolint:gosec // provider-mandated digest algorithm, not used for security
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/semaphore"

	"github.com/njoerd114/yadiskd/internal/synerr"
)

// DefaultMaxConcurrent is the default number of simultaneous transfers.
const DefaultMaxConcurrent = 4

// Client streams bytes to/from short-lived URLs obtained from the remote
// collaborator, gated by a shared concurrency semaphore.
type Client struct {
	hc    *http.Client
	limit *semaphore.Weighted
}

// New builds a Client allowing up to maxConcurrent simultaneous transfers.
func New(maxConcurrent int64) *Client {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Client{hc: &http.Client{}, limit: semaphore.NewWeighted(maxConcurrent)}
}

// Result reports the outcome of a transfer.
type Result struct {
	Size int64
	Hash string // lowercase hex md5 of the bytes that were transferred
}

// Download streams the bytes at href into cachePath, staging at
// cachePath+".partial" and atomically renaming on success. If expectedHash
// is non-empty, a mismatch deletes the partial file and returns an
// Integrity-classified error. Any partial file left from a prior crashed
// run is discarded and restarted — no resume for this implementation.
func (c *Client) Download(ctx context.Context, href, cachePath, expectedHash string) (Result, error) {
	if err := c.limit.Acquire(ctx, 1); err != nil {
		return Result{}, synerr.New(synerr.Transient, err)
	}
	defer c.limit.Release(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, href, nil)
	if err != nil {
		return Result{}, synerr.New(synerr.Permanent, err)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return Result{}, synerr.New(synerr.Transient, fmt.Errorf("downloading %q: %w", cachePath, err))
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return Result{}, synerr.New(classifyStatus(resp.StatusCode), fmt.Errorf("download returned status %d", resp.StatusCode))
	}

	if err := os.MkdirAll(filepath.Dir(cachePath), 0o755); err != nil {
		return Result{}, synerr.New(synerr.Transient, err)
	}

	partial := partialPath(cachePath)
	_ = os.Remove(partial) // discard any stale partial from a prior crashed run

	f, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return Result{}, synerr.New(synerr.Transient, err)
	}

	digest := md5.New() //nolint:gosec
	size, err := io.Copy(io.MultiWriter(f, digest), resp.Body)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(partial)
		return Result{}, synerr.New(synerr.Transient, fmt.Errorf("streaming %q: %w", cachePath, err))
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(partial)
		return Result{}, synerr.New(synerr.Transient, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(partial)
		return Result{}, synerr.New(synerr.Transient, err)
	}

	actual := hex.EncodeToString(digest.Sum(nil))
	if expectedHash != "" && !strings.EqualFold(actual, expectedHash) {
		_ = os.Remove(partial)
		return Result{}, synerr.Newf(synerr.Integrity, "digest mismatch for %q: expected %s got %s", cachePath, expectedHash, actual)
	}

	if err := os.Rename(partial, cachePath); err != nil {
		return Result{}, synerr.New(synerr.Transient, fmt.Errorf("finalizing %q: %w", cachePath, err))
	}
	return Result{Size: size, Hash: actual}, nil
}

// Upload streams cachePath's bytes to href via PUT.
func (c *Client) Upload(ctx context.Context, href, cachePath string) (Result, error) {
	if err := c.limit.Acquire(ctx, 1); err != nil {
		return Result{}, synerr.New(synerr.Transient, err)
	}
	defer c.limit.Release(1)

	f, err := os.Open(cachePath)
	if err != nil {
		return Result{}, synerr.New(synerr.Transient, fmt.Errorf("opening %q: %w", cachePath, err))
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return Result{}, synerr.New(synerr.Transient, err)
	}

	digest := md5.New() //nolint:gosec
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, href, io.TeeReader(f, digest))
	if err != nil {
		return Result{}, synerr.New(synerr.Permanent, err)
	}
	req.ContentLength = info.Size()

	resp, err := c.hc.Do(req)
	if err != nil {
		return Result{}, synerr.New(synerr.Transient, fmt.Errorf("uploading %q: %w", cachePath, err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusRequestEntityTooLarge || resp.StatusCode == http.StatusInsufficientStorage {
		return Result{}, synerr.Newf(synerr.TooLarge, "upload of %q rejected: status %d", cachePath, resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		return Result{}, synerr.New(classifyStatus(resp.StatusCode), fmt.Errorf("upload returned status %d", resp.StatusCode))
	}

	return Result{Size: info.Size(), Hash: hex.EncodeToString(digest.Sum(nil))}, nil
}

func classifyStatus(status int) synerr.Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return synerr.Auth
	case status == http.StatusNotFound:
		return synerr.NotFound
	case status == http.StatusTooManyRequests || status >= 500:
		return synerr.Transient
	default:
		return synerr.Permanent
	}
}

// partialPath appends ".partial" to the target's extension, preserving the
// original extension when present (e.g. "a.txt" -> "a.txt.partial").
func partialPath(target string) string {
	return target + ".partial"
}
