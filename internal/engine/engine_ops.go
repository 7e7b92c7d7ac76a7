package engine

import (
	"context"
	"crypto/md5" //nolint:gosec // provider-mandated digest algorithm, not used for security
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/njoerd114/yadiskd/internal/backoff"
	"github.com/njoerd114/yadiskd/internal/conflict"
	"github.com/njoerd114/yadiskd/internal/model"
	"github.com/njoerd114/yadiskd/internal/remote"
	"github.com/njoerd114/yadiskd/internal/synerr"
)

// maxIntegrityAttempts bounds digest-mismatch retries before giving up,
// independent of the backoff attempt counter used for Transient failures.
const maxIntegrityAttempts = 3

// maxOperationWait bounds how long an async remote operation (move/copy/
// delete/mkdir) is polled before the op is treated as a Transient failure.
const maxOperationWait = 10 * time.Minute

// executeOp runs one popped op end to end: dispatch to the right handler,
// retry once inline on Auth, then classify the outcome and commit the
// result to the queue, the index, and the notifier.
func (e *Engine) executeOp(ctx context.Context, op model.OpsQueueEntry) {
	_ = e.idx.SetState(ctx, op.Path, model.StateSyncing, "", nil)
	e.notify.PublishStateChanged(op.Path, model.StateSyncing)

	err := e.runHandler(ctx, op)
	if err != nil && synerr.Is(err, synerr.Auth) {
		if _, rerr := e.tokens.ForceRefresh(ctx); rerr != nil {
			e.log.Warn("token refresh failed", "path", op.Path, "error", rerr)
		} else {
			err = e.runHandler(ctx, op)
		}
	}

	e.settle(ctx, op, err)
}

func (e *Engine) runHandler(ctx context.Context, op model.OpsQueueEntry) error {
	switch op.Kind {
	case model.OpDownload:
		return e.executeDownload(ctx, op)
	case model.OpUpload:
		return e.executeUpload(ctx, op)
	case model.OpMkdir:
		return e.executeMkdir(ctx, op)
	case model.OpDelete:
		return e.executeDelete(ctx, op)
	case model.OpMove, model.OpCopy:
		return e.executeMoveLike(ctx, op)
	default:
		return synerr.Newf(synerr.Permanent, "unknown op kind %q", op.Kind)
	}
}

// settle applies the outcome of a handler's result: commit, reschedule, or
// fail the queue row and update the index accordingly.
func (e *Engine) settle(ctx context.Context, op model.OpsQueueEntry, err error) {
	if err == nil {
		if cerr := e.q.Complete(ctx, op.ID); cerr != nil {
			e.log.Error("completing op failed", "path", op.Path, "error", cerr)
		}
		e.cntSucceeded.Add(ctx, 1)
		return
	}

	kind := synerr.KindOf(err)
	switch kind {
	case synerr.NotFound:
		if op.Kind == model.OpDownload || op.Kind == model.OpUpload {
			// The item itself vanished remotely; stop tracking it.
			if derr := e.idx.DeleteItem(ctx, op.Path); derr != nil {
				e.log.Error("dropping vanished item failed", "path", op.Path, "error", derr)
			}
			_ = e.q.Complete(ctx, op.ID)
			e.notify.PublishStateChanged(op.Path, model.StateCloudOnly)
			return
		}
		e.fail(ctx, op, err)

	case synerr.Integrity:
		if op.Attempt+1 < maxIntegrityAttempts {
			e.retry(ctx, op, err)
			return
		}
		e.fail(ctx, op, err)

	case synerr.Transient, synerr.Storage:
		if op.Attempt+1 < e.cfg.MaxAttempts {
			e.retry(ctx, op, err)
			return
		}
		e.fail(ctx, op, err)

	default: // Permanent, TooLarge, Auth (exhausted its inline retry), Conflict (shouldn't reach here)
		e.fail(ctx, op, err)
	}
}

func (e *Engine) retry(ctx context.Context, op model.OpsQueueEntry, err error) {
	attempt := op.Attempt + 1
	delay := backoff.Delay(op.Attempt)
	if after, ok := synerr.RetryAfterOf(err); ok {
		delay = after
	}
	retryAt := time.Now().UTC().Add(delay)
	if rerr := e.q.Reschedule(ctx, op.ID, attempt, retryAt); rerr != nil {
		e.log.Error("rescheduling op failed", "path", op.Path, "error", rerr)
	}
	e.cntRetried.Add(ctx, 1)
	e.log.Warn("op failed, retrying", "path", op.Path, "kind", op.Kind, "attempt", attempt, "error", err)
}

func (e *Engine) fail(ctx context.Context, op model.OpsQueueEntry, err error) {
	if ferr := e.q.FailPermanent(ctx, op.ID); ferr != nil {
		e.log.Error("failing op permanently failed", "path", op.Path, "error", ferr)
	}
	if serr := e.idx.SetState(ctx, op.Path, model.StateError, err.Error(), nil); serr != nil {
		e.log.Error("recording error state failed", "path", op.Path, "error", serr)
	}
	e.cntFailed.Add(ctx, 1)
	e.notify.PublishStateChanged(op.Path, model.StateError)
	e.log.Error("op failed permanently", "path", op.Path, "kind", op.Kind, "error", err)
}

// --- download / upload -------------------------------------------------------

func (e *Engine) executeDownload(ctx context.Context, op model.OpsQueueEntry) error {
	item, err := e.idx.GetItem(ctx, op.Path)
	if err != nil {
		return err
	}
	if item == nil {
		return synerr.Newf(synerr.NotFound, "no index entry for %q", op.Path)
	}

	cachePath, err := cachePathFor(e.cfg.CacheRoot, op.Path)
	if err != nil {
		return synerr.New(synerr.Permanent, err)
	}

	href, err := e.remote.GetDownloadURL(ctx, op.Path)
	if err != nil {
		return err
	}

	expectedHash := ""
	if item.ContentHash != nil {
		expectedHash = *item.ContentHash
	}

	result, err := e.transfer.Download(ctx, href, cachePath, expectedHash)
	if err != nil {
		return err
	}

	e.just.mark(cachePath)
	if err := e.idx.SetSyncedBaseline(ctx, op.Path, result.Hash, item.Modified); err != nil {
		return err
	}
	if err := e.idx.SetDirty(ctx, op.Path, false); err != nil {
		return err
	}
	return e.idx.SetState(ctx, op.Path, model.StateCached, "", nil)
}

// executeUpload performs the full three-way conflict resolution before
// transferring anything: an "upload" op may resolve to a no-op, a download
// (remote moved ahead while local stayed put), a genuine upload, or a
// KeepBoth split.
func (e *Engine) executeUpload(ctx context.Context, op model.OpsQueueEntry) error {
	item, err := e.idx.GetItem(ctx, op.Path)
	if err != nil {
		return err
	}
	if item == nil {
		return synerr.Newf(synerr.NotFound, "no index entry for %q", op.Path)
	}

	cachePath, err := cachePathFor(e.cfg.CacheRoot, op.Path)
	if err != nil {
		return synerr.New(synerr.Permanent, err)
	}

	localSnap, err := hashLocalFile(cachePath)
	if err != nil {
		return err
	}

	res, err := e.remote.GetResource(ctx, op.Path)
	if err != nil && !synerr.Is(err, synerr.NotFound) {
		return err
	}
	remoteSnap := conflict.Snapshot{}
	if res != nil {
		remoteSnap = conflict.Snapshot{Hash: res.Hash, Modified: res.Modified}
	}

	baseline := conflict.Snapshot{}
	if item.LastSyncedHash != nil {
		baseline.Hash = *item.LastSyncedHash
	}
	if item.LastSyncedModified != nil {
		baseline.Modified = *item.LastSyncedModified
	}

	if baseline.Hash == "" && remoteSnap.Hash == "" {
		// Never synced in either direction: a brand-new local file, not a
		// conflict to resolve.
		return e.pushLocal(ctx, op.Path, cachePath, item)
	}

	switch conflict.Resolve(baseline, localSnap, remoteSnap) {
	case conflict.NoOp:
		if err := e.idx.SetSyncedBaseline(ctx, op.Path, remoteSnap.Hash, remoteSnap.Modified); err != nil {
			return err
		}
		if err := e.idx.SetDirty(ctx, op.Path, false); err != nil {
			return err
		}
		return e.idx.SetState(ctx, op.Path, model.StateCached, "", nil)

	case conflict.TakeRemote:
		return e.takeRemote(ctx, op.Path, cachePath)

	case conflict.PushLocal:
		return e.pushLocal(ctx, op.Path, cachePath, item)

	default: // KeepBoth
		return e.keepBoth(ctx, op.Path, cachePath)
	}
}

func (e *Engine) pushLocal(ctx context.Context, itemPath, cachePath string, item *model.Item) error {
	if limit, known := e.remote.UploadLimitHint(ctx); known {
		if info, serr := os.Stat(cachePath); serr == nil && info.Size() > limit {
			return synerr.Newf(synerr.TooLarge, "local file %q (%d bytes) exceeds known upload limit of %d bytes", cachePath, info.Size(), limit)
		}
	}

	href, err := e.remote.GetUploadURL(ctx, itemPath, true)
	if err != nil {
		return err
	}
	result, err := e.transfer.Upload(ctx, href, cachePath)
	if err != nil {
		if synerr.Is(err, synerr.TooLarge) {
			if rerr := e.remote.RefreshUploadLimitHint(ctx); rerr != nil {
				e.log.Warn("refreshing upload limit hint failed", "path", itemPath, "error", rerr)
			}
		}
		return err
	}
	if err := e.idx.SetSyncedBaseline(ctx, itemPath, result.Hash, time.Now().UTC()); err != nil {
		return err
	}
	if err := e.idx.SetDirty(ctx, itemPath, false); err != nil {
		return err
	}
	return e.idx.SetState(ctx, itemPath, model.StateCached, "", nil)
}

// takeRemote discards the local upload attempt and downloads the remote
// content in its place, used both for the plain TakeRemote decision and as
// the second half of KeepBoth.
func (e *Engine) takeRemote(ctx context.Context, itemPath, cachePath string) error {
	res, err := e.remote.GetResource(ctx, itemPath)
	if err != nil {
		return err
	}
	href, err := e.remote.GetDownloadURL(ctx, itemPath)
	if err != nil {
		return err
	}
	result, err := e.transfer.Download(ctx, href, cachePath, res.Hash)
	if err != nil {
		return err
	}
	e.just.mark(cachePath)

	item := toItem(*res)
	if err := e.idx.UpsertItem(ctx, &item); err != nil {
		return err
	}
	if err := e.idx.SetSyncedBaseline(ctx, itemPath, result.Hash, res.Modified); err != nil {
		return err
	}
	if err := e.idx.SetDirty(ctx, itemPath, false); err != nil {
		return err
	}
	return e.idx.SetState(ctx, itemPath, model.StateCached, "", nil)
}

// keepBoth resolves a divergent edit: the pre-conflict local bytes are
// preserved at a renamed path and queued for upload, the conflict is
// recorded, and the original path takes the remote copy.
func (e *Engine) keepBoth(ctx context.Context, itemPath, cachePath string) error {
	at := time.Now().UTC()
	conflictPath := conflict.ConflictPath(itemPath, at)
	conflictCachePath, err := cachePathFor(e.cfg.CacheRoot, conflictPath)
	if err != nil {
		return synerr.New(synerr.Permanent, err)
	}

	if err := os.Rename(cachePath, conflictCachePath); err != nil {
		return synerr.New(synerr.Transient, fmt.Errorf("preserving conflicted copy of %q: %w", itemPath, err))
	}

	conflictItem := model.Item{
		Path:       conflictPath,
		ParentPath: path.Dir(conflictPath),
		Name:       path.Base(conflictPath),
		Kind:       model.KindFile,
		Modified:   at,
	}
	if err := e.idx.UpsertItem(ctx, &conflictItem); err != nil {
		return err
	}
	if err := e.idx.SetDirty(ctx, conflictPath, true); err != nil {
		return err
	}
	if err := e.q.Enqueue(ctx, model.OpUpload, conflictPath, "", model.PriorityElevated); err != nil {
		return err
	}

	id, err := e.idx.RecordConflict(ctx, itemPath, conflictPath, conflict.ReasonDivergentEdit)
	if err != nil {
		return err
	}
	e.cntConflicts.Add(ctx, 1)
	e.notify.PublishConflictAdded(id, itemPath, conflictPath)

	return e.takeRemote(ctx, itemPath, cachePath)
}

func hashLocalFile(cachePath string) (conflict.Snapshot, error) {
	f, err := os.Open(cachePath)
	if err != nil {
		return conflict.Snapshot{}, synerr.New(synerr.Transient, fmt.Errorf("opening %q: %w", cachePath, err))
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return conflict.Snapshot{}, synerr.New(synerr.Transient, err)
	}

	digest := md5.New() //nolint:gosec
	if _, err := io.Copy(digest, f); err != nil {
		return conflict.Snapshot{}, synerr.New(synerr.Transient, fmt.Errorf("hashing %q: %w", cachePath, err))
	}
	return conflict.Snapshot{Hash: hex.EncodeToString(digest.Sum(nil)), Modified: info.ModTime()}, nil
}

// --- mkdir / delete / move / copy -------------------------------------------

func (e *Engine) executeMkdir(ctx context.Context, op model.OpsQueueEntry) error {
	result, err := e.remote.CreateFolder(ctx, op.Path)
	if err != nil {
		return err
	}
	res, err := e.awaitResource(ctx, op.Path, result)
	if err != nil {
		return err
	}

	item := toItem(*res)
	if err := e.idx.UpsertItem(ctx, &item); err != nil {
		return err
	}
	if err := e.idx.SetDirty(ctx, op.Path, false); err != nil {
		return err
	}
	return e.idx.SetState(ctx, op.Path, model.StateCached, "", nil)
}

func (e *Engine) executeDelete(ctx context.Context, op model.OpsQueueEntry) error {
	result, err := e.remote.Delete(ctx, op.Path)
	if err != nil && !synerr.Is(err, synerr.NotFound) {
		return err
	}
	if err == nil {
		if _, err := e.awaitOperation(ctx, result); err != nil {
			return err
		}
	}

	descendants, err := e.idx.ListByPrefix(ctx, op.Path)
	if err != nil {
		return err
	}
	for _, it := range descendants {
		if derr := e.removeCacheFileQuietly(it.Path); derr != nil {
			e.log.Warn("removing cache file during delete failed", "path", it.Path, "error", derr)
		}
		if derr := e.idx.DeleteItem(ctx, it.Path); derr != nil {
			return derr
		}
	}
	if derr := e.removeCacheFileQuietly(op.Path); derr != nil {
		e.log.Warn("removing cache file during delete failed", "path", op.Path, "error", derr)
	}
	return e.idx.DeleteItem(ctx, op.Path)
}

func (e *Engine) removeCacheFileQuietly(itemPath string) error {
	cachePath, err := cachePathFor(e.cfg.CacheRoot, itemPath)
	if err != nil {
		return nil //nolint:nilerr // unrepresentable cache path has nothing to remove
	}
	if err := os.Remove(cachePath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (e *Engine) executeMoveLike(ctx context.Context, op model.OpsQueueEntry) error {
	var payload model.MovePayload
	if err := json.Unmarshal([]byte(op.Payload), &payload); err != nil {
		return synerr.New(synerr.Permanent, fmt.Errorf("decoding move payload: %w", err))
	}

	if op.Kind == model.OpMove {
		sourceItem, ierr := e.idx.GetItem(ctx, payload.From)
		if ierr != nil {
			return ierr
		}
		if sourceItem == nil {
			if handled, herr := e.promoteLocalMoveTarget(ctx, payload); handled || herr != nil {
				return herr
			}
		}
	}

	var result remote.MutationResult
	var err error
	if op.Kind == model.OpCopy {
		result, err = e.remote.Copy(ctx, payload.From, payload.Path, payload.Overwrite)
	} else {
		result, err = e.remote.Move(ctx, payload.From, payload.Path, payload.Overwrite)
	}

	if err != nil && synerr.Is(err, synerr.NotFound) && op.Kind == model.OpMove {
		// The source is already gone. The remote side may already reflect
		// the move (e.g. a retried claim actually succeeded before a
		// crash) — check the destination before giving up.
		if res, gerr := e.remote.GetResource(ctx, payload.Path); gerr == nil && res != nil {
			return e.adoptMovedItem(ctx, payload.From, *res)
		}
		return err
	}
	if err != nil {
		return err
	}

	res, err := e.awaitResource(ctx, payload.Path, result)
	if err != nil {
		return err
	}

	if op.Kind == model.OpMove {
		if rerr := e.idx.RenameItem(ctx, payload.From, payload.Path, res.ParentPath, res.Name); rerr != nil {
			return rerr
		}
		if cerr := e.relocateCacheFile(payload.From, payload.Path); cerr != nil {
			return cerr
		}
		return e.idx.SetDirty(ctx, payload.Path, false)
	}

	item := toItem(*res)
	if err := e.idx.UpsertItem(ctx, &item); err != nil {
		return err
	}
	return e.idx.SetDirty(ctx, payload.Path, false)
}

// promoteLocalMoveTarget handles a move op whose source the index no longer
// tracks: the watcher already relabeled the local cache file and its index
// row under the destination path before this op reached the front of the
// queue. Rather than asking the remote to move a source that (from its point
// of view) never changed, the destination is synced directly as new local
// content — no REST round trip for the move itself. Returns handled=false
// when the destination has no local cache bytes either, so the caller falls
// back to the ordinary remote move/copy path.
func (e *Engine) promoteLocalMoveTarget(ctx context.Context, payload model.MovePayload) (handled bool, err error) {
	targetCache, cerr := cachePathFor(e.cfg.CacheRoot, payload.Path)
	if cerr != nil {
		return false, nil
	}
	info, serr := os.Stat(targetCache)
	if serr != nil {
		return false, nil
	}

	if info.IsDir() {
		return true, e.executeMkdir(ctx, model.OpsQueueEntry{Path: payload.Path})
	}

	existing, ierr := e.idx.GetItem(ctx, payload.Path)
	if ierr != nil {
		return true, ierr
	}
	if existing == nil {
		size := info.Size()
		item := model.Item{
			Path:       payload.Path,
			ParentPath: path.Dir(payload.Path),
			Name:       path.Base(payload.Path),
			Kind:       model.KindFile,
			Size:       &size,
			Modified:   info.ModTime(),
		}
		if uerr := e.idx.UpsertItem(ctx, &item); uerr != nil {
			return true, uerr
		}
	}
	if derr := e.idx.SetDirty(ctx, payload.Path, true); derr != nil {
		return true, derr
	}
	return true, e.executeUpload(ctx, model.OpsQueueEntry{Path: payload.Path})
}

func (e *Engine) adoptMovedItem(ctx context.Context, from string, res remote.Resource) error {
	if rerr := e.idx.RenameItem(ctx, from, res.Path, res.ParentPath, res.Name); rerr != nil {
		return rerr
	}
	if cerr := e.relocateCacheFile(from, res.Path); cerr != nil {
		return cerr
	}
	return e.idx.SetDirty(ctx, res.Path, false)
}

func (e *Engine) relocateCacheFile(from, to string) error {
	fromPath, err := cachePathFor(e.cfg.CacheRoot, from)
	if err != nil {
		return nil
	}
	toPath, err := cachePathFor(e.cfg.CacheRoot, to)
	if err != nil {
		return nil
	}
	if _, err := os.Stat(fromPath); os.IsNotExist(err) {
		return nil
	}
	if err := os.MkdirAll(path.Dir(toPath), 0o755); err != nil {
		return synerr.New(synerr.Transient, err)
	}
	if err := os.Rename(fromPath, toPath); err != nil {
		return synerr.New(synerr.Transient, fmt.Errorf("relocating cache file %q -> %q: %w", fromPath, toPath, err))
	}
	return nil
}

// --- async operation polling -------------------------------------------------

// awaitResource resolves a MutationResult to a terminal Resource, polling
// get_operation_status when the server responded asynchronously. Since
// move/copy/mkdir terminal responses don't always echo full metadata, it
// falls back to GetResource(path) once the operation succeeds.
func (e *Engine) awaitResource(ctx context.Context, itemPath string, result remote.MutationResult) (*remote.Resource, error) {
	if result.Resource != nil {
		return result.Resource, nil
	}
	if _, err := e.awaitOperation(ctx, result); err != nil {
		return nil, err
	}
	return e.remote.GetResource(ctx, itemPath)
}

func (e *Engine) awaitOperation(ctx context.Context, result remote.MutationResult) (remote.OperationStatus, error) {
	if result.OperationID == "" {
		return remote.OpSuccess, nil
	}

	deadline := time.Now().Add(maxOperationWait)
	for attempt := 0; ; attempt++ {
		status, err := e.remote.GetOperationStatus(ctx, result.OperationID)
		if err != nil {
			return "", err
		}
		switch status {
		case remote.OpSuccess:
			return status, nil
		case remote.OpFailed:
			return status, synerr.Newf(synerr.Permanent, "remote operation %q failed", result.OperationID)
		}
		if time.Now().After(deadline) {
			return status, synerr.Newf(synerr.Transient, "remote operation %q timed out after %s", result.OperationID, maxOperationWait)
		}

		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-time.After(backoff.Delay(attempt)):
		}
	}
}

// toItem converts remote metadata into the index's Item shape — mirrors
// package reconciler's converter of the same name.
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
