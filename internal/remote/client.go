// Package remote declares the capability interfaces the engine consumes to
// talk to the remote object store — [Client] and [TokenProvider] — and
// provides a minimal net/http-based default [Client] implementation.
//
// The REST surface itself is explicitly out of scope: this package exists
// so the daemon is runnable end-to-end, not to be a complete client for any
// particular provider's API.
package remote

import (
	"context"
	"time"
)

// Resource is remote metadata for one path.
type Resource struct {
	Path       string
	ParentPath string
	Name       string
	IsDir      bool
	Size       int64
	Modified   time.Time
	Hash       string // server-reported content digest, e.g. md5
	ResourceID string
}

// OperationStatus is the terminal/in-progress state of an asynchronous
// remote operation (move/copy/delete/mkdir may return one instead of
// completing synchronously).
type OperationStatus string

const (
	OpInProgress OperationStatus = "in-progress"
	OpSuccess    OperationStatus = "success"
	OpFailed     OperationStatus = "failed"
)

// MutationResult is returned by mutating calls: either a terminal Resource
// or an OperationID to poll via GetOperationStatus.
type MutationResult struct {
	Resource    *Resource
	OperationID string // non-empty if the call is async
}

// Client is the capability interface the engine consumes for every remote
// interaction. Implemented by [HTTPClient] by default; tests supply a fake.
type Client interface {
	GetResource(ctx context.Context, path string) (*Resource, error)
	ListDirectory(ctx context.Context, path string, offset, limit int) ([]Resource, bool, error)
	GetDownloadURL(ctx context.Context, path string) (string, error)
	GetUploadURL(ctx context.Context, path string, overwrite bool) (string, error)
	CreateFolder(ctx context.Context, path string) (MutationResult, error)
	Move(ctx context.Context, from, to string, overwrite bool) (MutationResult, error)
	Copy(ctx context.Context, from, to string, overwrite bool) (MutationResult, error)
	Delete(ctx context.Context, path string) (MutationResult, error)
	GetOperationStatus(ctx context.Context, operationID string) (OperationStatus, error)
	// RefreshUploadLimitHint invalidates any cached max-upload-size hint
	// after a 413/507 response and re-queries it.
	RefreshUploadLimitHint(ctx context.Context) error
	// UploadLimitHint returns the cached max accepted upload size, if known.
	UploadLimitHint(ctx context.Context) (int64, bool)
}

// TokenProvider supplies the bearer token for REST calls, refreshing
// transparently on demand.
type TokenProvider interface {
	CurrentToken(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) (string, error)
}
