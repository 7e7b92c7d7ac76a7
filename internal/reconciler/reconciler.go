// Package reconciler implements a breadth-first walk of the remote tree,
// diffed against the index, that upserts new items, detects renames by
// resource id, enqueues downloads/uploads for changed content, and removes
// index entries no longer present remotely.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/njoerd114/yadiskd/internal/index"
	"github.com/njoerd114/yadiskd/internal/model"
	"github.com/njoerd114/yadiskd/internal/queue"
	"github.com/njoerd114/yadiskd/internal/remote"
)

// PageSize bounds each ListDirectory call.
const PageSize = 200

// YieldEveryDirs is how often the walk checks for cancellation, keeping a
// single reconcile pass from starving the Engine Loop's transfer dispatch.
const YieldEveryDirs = 32

// Stats tracks what one reconcile pass did.
type Stats struct {
	Created int
	Renamed int
	Changed int
	Deleted int
	Errors  int
}

// Reconciler walks the remote tree and diffs it against the index. It is
// stateless between calls — all persistent state lives in the index and
// ops queue.
type Reconciler struct {
	remote    remote.Client
	idx       *index.Store
	q         *queue.Queue
	log       *slog.Logger
	cacheRoot string
}

// New wires a Reconciler to its collaborators. cacheRoot locates the local
// cache file relocated when a rename is detected.
func New(remoteClient remote.Client, idx *index.Store, q *queue.Queue, logger *slog.Logger, cacheRoot string) *Reconciler {
	return &Reconciler{remote: remoteClient, idx: idx, q: q, log: logger, cacheRoot: cacheRoot}
}

// Run walks root breadth-first, paginating each directory, diffing every
// entry against the index, and finally sweeping for removed and
// pinned-but-undownloaded items. It yields (checks ctx) every
// YieldEveryDirs directories.
func (r *Reconciler) Run(ctx context.Context, root string) (Stats, error) {
	var stats Stats
	var firstErr error

	seenPaths := make(map[string]struct{})
	dirs := []string{root}
	dirCount := 0

	for len(dirs) > 0 {
		dir := dirs[0]
		dirs = dirs[1:]

		offset := 0
		for {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			entries, hasMore, err := r.remote.ListDirectory(ctx, dir, offset, PageSize)
			if err != nil {
				stats.Errors++
				if firstErr == nil {
					firstErr = fmt.Errorf("listing %q: %w", dir, err)
				}
				break
			}

			for _, res := range entries {
				seenPaths[res.Path] = struct{}{}
				if res.IsDir {
					dirs = append(dirs, res.Path)
				}
				if err := r.reconcileEntry(ctx, &stats, res); err != nil {
					stats.Errors++
					if firstErr == nil {
						firstErr = err
					}
				}
			}

			offset += len(entries)
			if !hasMore {
				break
			}
		}

		dirCount++
		if dirCount%YieldEveryDirs == 0 {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
		}
	}

	if err := r.sweepRemoved(ctx, root, seenPaths, &stats); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.sweepPinnedCloudOnly(ctx, root, &stats); err != nil && firstErr == nil {
		firstErr = err
	}

	if err := r.idx.SaveCursor(ctx, watermark(root), time.Now().UTC()); err != nil && firstErr == nil {
		firstErr = err
	}

	r.log.Info("reconcile complete",
		"root", root, "created", stats.Created, "renamed", stats.Renamed,
		"changed", stats.Changed, "deleted", stats.Deleted, "errors", stats.Errors,
	)
	return stats, firstErr
}

// reconcileEntry diffs a single remote entry against the index.
func (r *Reconciler) reconcileEntry(ctx context.Context, stats *Stats, res remote.Resource) error {
	var existing *model.Item
	var err error

	if res.ResourceID != "" {
		existing, err = r.idx.GetItemByResourceID(ctx, res.ResourceID)
	}
	if existing == nil && err == nil {
		existing, err = r.idx.GetItem(ctx, res.Path)
	}
	if err != nil {
		return fmt.Errorf("looking up %q: %w", res.Path, err)
	}

	item := toItem(res)

	switch {
	case existing == nil:
		// Remote new.
		if err := r.idx.UpsertItem(ctx, &item); err != nil {
			return err
		}
		stats.Created++
		if err := r.downloadIfAncestorPinned(ctx, res.Path); err != nil {
			return err
		}
		return nil

	case existing.Path != res.Path:
		// Rename detected via resource id match at a different path.
		if err := r.idx.RenameItem(ctx, existing.Path, res.Path, res.ParentPath, res.Name); err != nil {
			return err
		}
		if err := relocateCacheFile(r.cacheRoot, existing.Path, res.Path); err != nil {
			r.log.Warn("relocating cache file after rename failed", "from", existing.Path, "to", res.Path, "error", err)
		}
		stats.Renamed++
		return nil

	default:
		// Same path. Has the remote content changed since our baseline?
		baseline := ""
		if existing.LastSyncedHash != nil {
			baseline = *existing.LastSyncedHash
		}
		if err := r.idx.UpsertItem(ctx, &item); err != nil {
			return err
		}
		if res.Hash == "" || res.Hash == baseline {
			return nil
		}

		state, err := r.idx.GetState(ctx, res.Path)
		if err != nil {
			return err
		}
		stats.Changed++
		if state == nil || !state.Dirty {
			return r.q.Enqueue(ctx, model.OpDownload, res.Path, "", model.PriorityDownload)
		}
		// Local copy is dirty: route through upload, whose worker performs
		// the full three-way conflict resolution before transferring.
		return r.q.Enqueue(ctx, model.OpUpload, res.Path, "", model.PriorityUpload)
	}
}

// downloadIfAncestorPinned enqueues a download if any ancestor directory of
// path (or path itself) is pinned.
func (r *Reconciler) downloadIfAncestorPinned(ctx context.Context, itemPath string) error {
	for p := itemPath; p != "" && p != "/"; p = path.Dir(p) {
		st, err := r.idx.GetState(ctx, p)
		if err != nil {
			return err
		}
		if st != nil && st.Pinned {
			return r.q.Enqueue(ctx, model.OpDownload, itemPath, "", model.PriorityDownload)
		}
		if path.Dir(p) == p {
			break
		}
	}
	return nil
}

// sweepRemoved deletes index entries under root that weren't observed in
// this walk and aren't dirty. Dirty entries are left for the engine to
// re-upload as a recreation.
func (r *Reconciler) sweepRemoved(ctx context.Context, root string, seen map[string]struct{}, stats *Stats) error {
	tracked, err := r.idx.ListByPrefix(ctx, root)
	if err != nil {
		return err
	}

	for _, it := range tracked {
		if _, ok := seen[it.Path]; ok {
			continue
		}
		st, err := r.idx.GetState(ctx, it.Path)
		if err != nil {
			return err
		}
		if st != nil && st.Dirty {
			kind := model.OpUpload
			if it.Kind == model.KindDir {
				kind = model.OpMkdir
			}
			if err := r.q.Enqueue(ctx, kind, it.Path, "", model.PriorityUpload); err != nil {
				return err
			}
			continue
		}
		if err := r.idx.DeleteItem(ctx, it.Path); err != nil {
			return err
		}
		stats.Deleted++
	}
	return nil
}

// sweepPinnedCloudOnly re-enqueues downloads for pinned items that are
// still cloud_only — e.g. pinned while the reconcile pass that would have
// downloaded them was still running.
func (r *Reconciler) sweepPinnedCloudOnly(ctx context.Context, root string, stats *Stats) error {
	items, err := r.idx.ListByPrefix(ctx, root)
	if err != nil {
		return err
	}
	for _, it := range items {
		st, err := r.idx.GetState(ctx, it.Path)
		if err != nil {
			return err
		}
		if st != nil && st.Pinned && st.State == model.StateCloudOnly && it.Kind == model.KindFile {
			if err := r.q.Enqueue(ctx, model.OpDownload, it.Path, "", model.PriorityDownload); err != nil {
				return err
			}
		}
	}
	return nil
}

func toItem(res remote.Resource) model.Item {
	kind := model.KindFile
	if res.IsDir {
		kind = model.KindDir
	}
	item := model.Item{
		Path:       res.Path,
		ParentPath: res.ParentPath,
		Name:       res.Name,
		Kind:       kind,
		Modified:   res.Modified,
	}
	if !res.IsDir {
		size := res.Size
		item.Size = &size
	}
	if res.Hash != "" {
		hash := res.Hash
		item.ContentHash = &hash
	}
	if res.ResourceID != "" {
		id := res.ResourceID
		item.ResourceID = &id
	}
	return item
}

func watermark(root string) string {
	return strings.TrimSuffix(root, "/") + "@" + time.Now().UTC().Format(time.RFC3339)
}
