package engine

import (
	"context"
	"os"
	"time"

	"github.com/njoerd114/yadiskd/internal/index"
	"github.com/njoerd114/yadiskd/internal/model"
)

// evictionInterval bounds how often the LRU sweep runs; cheap enough to
// run far more often than reconcile since it's a single SELECT when under
// budget.
const evictionInterval = time.Minute

// runEviction sweeps cached, unpinned files oldest-first until total cached
// bytes is back under cfg.CacheSizeBytes. Pinned items are exempt
// unconditionally, even if never downloaded. It respects each path's lock
// rather than evicting mid-transfer.
func (e *Engine) runEviction(ctx context.Context) {
	if e.cfg.CacheSizeBytes <= 0 {
		return
	}

	total, err := e.idx.TotalCachedBytes(ctx)
	if err != nil {
		e.log.Error("computing cached bytes failed", "error", err)
		return
	}
	if total <= e.cfg.CacheSizeBytes {
		return
	}

	candidates, err := e.idx.ListEvictable(ctx)
	if err != nil {
		e.log.Error("listing eviction candidates failed", "error", err)
		return
	}

	for _, c := range candidates {
		if total <= e.cfg.CacheSizeBytes {
			return
		}
		if !e.locks.tryLock(c.Path) {
			continue // an in-flight op holds this path; leave it for the next sweep
		}
		evicted := e.evictOne(ctx, c)
		e.locks.unlock(c.Path)
		if evicted {
			total -= c.Size
		}
	}
}

func (e *Engine) evictOne(ctx context.Context, c index.EvictionCandidate) bool {
	cachePath, err := cachePathFor(e.cfg.CacheRoot, c.Path)
	if err != nil {
		return false
	}
	if rmErr := os.Remove(cachePath); rmErr != nil && !os.IsNotExist(rmErr) {
		e.log.Warn("evicting cache file failed", "path", c.Path, "error", rmErr)
		return false
	}
	if err := e.idx.SetState(ctx, c.Path, model.StateCloudOnly, "", nil); err != nil {
		e.log.Error("marking evicted item cloud_only failed", "path", c.Path, "error", err)
		return false
	}
	e.notify.PublishStateChanged(c.Path, model.StateCloudOnly)
	return true
}
