// Package model defines the data types mirrored between the remote tree,
// the local cache, and the on-disk index: [Item], [State], [SyncCursor],
// [OpsQueueEntry], and [ConflictRecord].
package model

import "time"

// Kind distinguishes a file from a directory entry in the remote namespace.
type Kind string

const (
	KindFile Kind = "file"
	KindDir  Kind = "dir"
)

// SyncState is the per-item sync status recorded in the states table.
type SyncState string

const (
	StateCloudOnly SyncState = "cloud_only"
	StateCached    SyncState = "cached"
	StateSyncing   SyncState = "syncing"
	StateError     SyncState = "error"
)

// Item is an entry in the remote tree mirrored locally. Path is the unique
// key; ParentPath supports prefix listing for recursive pin/evict and
// aggregate directory state.
type Item struct {
	Path       string // POSIX-style, absolute within the disk root, unique
	ParentPath string
	Name       string
	Kind       Kind
	Size       *int64 // nullable for directories
	Modified   time.Time

	// ContentHash is the provider-reported digest of the item's current bytes.
	ContentHash *string
	// ResourceID is the stable server-side identifier used for rename detection.
	ResourceID *string

	// LastSyncedHash/LastSyncedModified form the conflict-detection baseline:
	// the last (hash, modified) pair both sides agreed on.
	LastSyncedHash     *string
	LastSyncedModified *time.Time
}

// State is the per-item sync status. Exactly one row exists per item;
// State == StateSyncing implies the engine holds this path's path-lock.
type State struct {
	Path          string
	State         SyncState
	Pinned        bool
	LastError     string
	RetryAt       *time.Time
	LastSuccessAt *time.Time
	LastErrorAt   *time.Time
	Dirty         bool
}

// SyncCursor is the singleton watermark row the Remote Reconciler persists
// between passes. It is opaque to every other component.
type SyncCursor struct {
	Cursor   string
	LastSync time.Time
}

// OpKind enumerates the mutations the ops queue can carry.
type OpKind string

const (
	OpDownload OpKind = "download"
	OpUpload   OpKind = "upload"
	OpMove     OpKind = "move"
	OpCopy     OpKind = "copy"
	OpDelete   OpKind = "delete"
	OpMkdir    OpKind = "mkdir"
)

// Priority defaults per operation kind, used by the reconciler and watcher
// when enqueueing ops that don't ask for elevation.
const (
	PriorityDownload = 50
	PriorityUpload   = 50
	PriorityMkdir    = 55
	PriorityDelete   = 60
	PriorityMove     = 60
	// PriorityElevated is used for user-initiated Download() calls and for
	// the re-upload of a KeepBoth conflict's renamed local copy.
	PriorityElevated = 100
)

// OpsQueueEntry is a pending remote mutation or transfer. UNIQUE(Kind, Path)
// is enforced by the store; enqueueing an existing (kind,path) coalesces.
type OpsQueueEntry struct {
	ID       int64
	Kind     OpKind
	Path     string
	Payload  string // opaque JSON, kind-specific (e.g. MovePayload)
	Attempt  int
	RetryAt  *time.Time
	Priority int
}

// MovePayload is the OpsQueueEntry.Payload shape for OpMove and OpCopy.
type MovePayload struct {
	From      string `json:"from"`
	Path      string `json:"path"`
	Overwrite bool   `json:"overwrite"`
}

// ConflictRecord is an append-only historical entry for user review.
type ConflictRecord struct {
	ID           int64
	Path         string
	RenamedLocal string
	Created      time.Time
	Reason       string
}

// ReasonDivergentEdit is the conflicts.reason tag recorded when both sides
// changed since the last agreed baseline.
const ReasonDivergentEdit = "divergent-edit"
