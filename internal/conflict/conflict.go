// Package conflict implements the three-way compare between a baseline, the
// local file, and the remote item, producing a [Decision].
package conflict

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// Decision is the outcome of resolving a conflict.
type Decision int

const (
	NoOp Decision = iota
	TakeRemote
	PushLocal
	KeepBoth
)

func (d Decision) String() string {
	switch d {
	case NoOp:
		return "no_op"
	case TakeRemote:
		return "take_remote"
	case PushLocal:
		return "push_local"
	case KeepBoth:
		return "keep_both"
	default:
		return "unknown"
	}
}

// Snapshot is a (hash, modified) pair as observed on one side, or as the
// last agreed baseline.
type Snapshot struct {
	Hash     string
	Modified time.Time
}

// Resolve compares baseline against local and remote and decides what to do.
// baseline may be the zero Snapshot (hash == "") to mean "never synced".
func Resolve(baseline, local, remote Snapshot) Decision {
	localIsBase := baseline.Hash != "" && local.Hash == baseline.Hash
	remoteIsBase := baseline.Hash != "" && remote.Hash == baseline.Hash

	switch {
	case baseline.Hash == "":
		// No baseline: compare local and remote directly.
		if local.Hash == remote.Hash {
			return NoOp
		}
		return KeepBoth
	case localIsBase && remoteIsBase:
		return NoOp
	case localIsBase && !remoteIsBase:
		return TakeRemote
	case !localIsBase && remoteIsBase:
		return PushLocal
	default: // both changed
		if local.Hash == remote.Hash {
			return NoOp
		}
		return KeepBoth
	}
}

// ReasonDivergentEdit is the conflicts.reason tag for a KeepBoth decision.
const ReasonDivergentEdit = "divergent-edit"

// ConflictPath derives the renamed-local path for a KeepBoth decision:
// "<dir>/<stem> (conflict YYYY-MM-DD HH:MM:SS).<ext>", or without the
// extension suffix if the original file has none.
func ConflictPath(remotePath string, at time.Time) string {
	dir, name := path.Split(remotePath)
	stamp := at.UTC().Format("2006-01-02 15:04:05")

	ext := path.Ext(name)
	if ext == "" {
		return fmt.Sprintf("%s%s (conflict %s)", dir, name, stamp)
	}
	stem := strings.TrimSuffix(name, ext)
	return fmt.Sprintf("%s%s (conflict %s)%s", dir, stem, stamp, ext)
}
