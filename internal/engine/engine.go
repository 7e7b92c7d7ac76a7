// Package engine implements the single-owner scheduler that ticks the
// remote reconciler, drains the ops queue into a bounded worker pool
// honoring per-path locks, classifies failures, and emits state-change
// notifications. It also exposes the control surface
// (Download/Pin/Evict/Retry/GetState/ListConflicts) as plain Go methods.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/njoerd114/yadiskd/internal/index"
	"github.com/njoerd114/yadiskd/internal/model"
	"github.com/njoerd114/yadiskd/internal/notifier"
	"github.com/njoerd114/yadiskd/internal/queue"
	"github.com/njoerd114/yadiskd/internal/reconciler"
	"github.com/njoerd114/yadiskd/internal/remote"
	"github.com/njoerd114/yadiskd/internal/synerr"
	"github.com/njoerd114/yadiskd/internal/transfer"
	"github.com/njoerd114/yadiskd/internal/watcher"
)

const (
	otelScope     = "yadiskd/engine"
	spanReconcile = "engine.reconcile"

	metricOpsSucceeded = "yadiskd.engine.ops.succeeded"
	metricOpsRetried   = "yadiskd.engine.ops.retried"
	metricOpsFailed    = "yadiskd.engine.ops.failed"
	metricConflicts    = "yadiskd.engine.conflicts"
)

// ErrDirty is returned by Evict when a path (or a descendant of it) has
// unsynced local edits; eviction would discard them.
var ErrDirty = errors.New("refusing to evict: unsynced local edits")

// Config carries the engine's runtime tunables.
type Config struct {
	CacheRoot      string
	RemoteRoot     string // the sync root on the remote side, default "/"
	MaxWorkers     int
	MaxTransfers   int64
	MaxAttempts    int
	ReconcileEvery time.Duration
	CacheSizeBytes int64
	DisableWatcher bool
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		RemoteRoot:     "/",
		MaxWorkers:     8,
		MaxTransfers:   transfer.DefaultMaxConcurrent,
		MaxAttempts:    8,
		ReconcileEvery: 30 * time.Second,
		CacheSizeBytes: 10 << 30, // 10 GiB
	}
}

// Engine is the scheduler: it owns the ticker, the bounded worker pool, and
// the per-path lock table.
type Engine struct {
	cfg Config
	log *slog.Logger

	idx        *index.Store
	q          *queue.Queue
	remote     remote.Client
	tokens     remote.TokenProvider
	transfer   *transfer.Client
	reconciler *reconciler.Reconciler
	watcher    *watcher.Watcher
	notify     *notifier.Notifier

	locks *pathLockTable
	just  *justWrittenSet

	active   int64 // active worker count, guarded by activeMu
	activeMu sync.Mutex

	tracer       trace.Tracer
	cntSucceeded metric.Int64Counter
	cntRetried   metric.Int64Counter
	cntFailed    metric.Int64Counter
	cntConflicts metric.Int64Counter
}

// New wires an Engine to its collaborators. remoteClient/tokens are used
// directly by the engine for async-operation polling and auth refresh;
// the Remote Reconciler and Transfer Client are passed in fully built.
func New(cfg Config, idx *index.Store, q *queue.Queue, remoteClient remote.Client, tokens remote.TokenProvider, transferClient *transfer.Client, rec *reconciler.Reconciler, w *watcher.Watcher, notify *notifier.Notifier, logger *slog.Logger) *Engine {
	defaults := DefaultConfig()
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = defaults.MaxWorkers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.ReconcileEvery <= 0 {
		cfg.ReconcileEvery = defaults.ReconcileEvery
	}
	if cfg.RemoteRoot == "" {
		cfg.RemoteRoot = defaults.RemoteRoot
	}

	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)
	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Engine{
		cfg:        cfg,
		log:        logger,
		idx:        idx,
		q:          q,
		remote:     remoteClient,
		tokens:     tokens,
		transfer:   transferClient,
		reconciler: rec,
		watcher:    w,
		notify:     notify,
		locks:      newPathLockTable(),
		just:       newJustWrittenSet(),

		tracer:       tracer,
		cntSucceeded: mustCounter(metricOpsSucceeded, "Ops completed successfully"),
		cntRetried:   mustCounter(metricOpsRetried, "Ops rescheduled after a transient failure"),
		cntFailed:    mustCounter(metricOpsFailed, "Ops that failed permanently"),
		cntConflicts: mustCounter(metricConflicts, "Conflicts detected during upload resolution"),
	}
}

// Run starts the dispatch loop and optional filesystem watcher. It blocks
// until ctx is cancelled, then gives in-flight workers up to a 10s grace
// period before returning.
func (e *Engine) Run(ctx context.Context) error {
	var wg errgroup.Group
	wg.SetLimit(e.cfg.MaxWorkers)

	if e.watcher != nil {
		go e.consumeWatcherEvents(ctx)
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var reconciling sync.Mutex // held only while a reconcile pass is in flight
	runReconcile := func() {
		if !reconciling.TryLock() {
			return
		}
		go func() {
			defer reconciling.Unlock()
			e.reconcileOnce(ctx)
		}()
	}

	runReconcile()
	nextReconcile := time.Now().Add(e.cfg.ReconcileEvery)
	nextEviction := time.Now().Add(evictionInterval)

	for {
		select {
		case <-ctx.Done():
			e.log.Info("engine shutting down, waiting up to 10s for in-flight ops")
			done := make(chan struct{})
			go func() { _ = wg.Wait(); close(done) }()
			select {
			case <-done:
			case <-time.After(10 * time.Second):
				e.log.Warn("shutdown grace period exceeded, abandoning in-flight ops")
			}
			if e.watcher != nil {
				_ = e.watcher.Close()
			}
			return ctx.Err()

		case now := <-ticker.C:
			if !now.Before(nextReconcile) {
				runReconcile()
				nextReconcile = now.Add(e.cfg.ReconcileEvery)
			}
			if !now.Before(nextEviction) {
				go e.runEviction(ctx) // low-priority, runs off the dispatcher's own goroutine
				nextEviction = now.Add(evictionInterval)
			}
			e.dispatchTick(ctx, &wg)
		}
	}
}

func (e *Engine) reconcileOnce(ctx context.Context) {
	ctx, span := e.tracer.Start(ctx, spanReconcile)
	defer span.End()

	stats, err := e.reconciler.Run(ctx, e.cfg.RemoteRoot)
	span.SetAttributes(
		attribute.Int("reconcile.created", stats.Created),
		attribute.Int("reconcile.renamed", stats.Renamed),
		attribute.Int("reconcile.changed", stats.Changed),
		attribute.Int("reconcile.deleted", stats.Deleted),
		attribute.Int("reconcile.errors", stats.Errors),
	)
	if err != nil {
		span.RecordError(err)
		e.log.Error("reconcile failed", "error", err)
	}
}

func (e *Engine) dispatchTick(ctx context.Context, wg *errgroup.Group) {
	free := e.freeWorkers()
	if free <= 0 {
		return
	}

	ops, err := e.q.PopReady(ctx, time.Now().UTC(), free)
	if err != nil {
		e.log.Error("pop_ready failed", "error", err)
		return
	}

	for _, op := range ops {
		if !e.locks.tryLock(op.Path) {
			// Held by another in-flight op; leave the claim to expire and
			// be re-popped next tick.
			continue
		}
		e.addActive(1)
		op := op
		wg.Go(func() error {
			defer e.locks.unlock(op.Path)
			defer e.addActive(-1)
			e.executeOp(ctx, op)
			return nil
		})
	}
}

func (e *Engine) freeWorkers() int {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	free := e.cfg.MaxWorkers - int(e.active)
	if free < 0 {
		return 0
	}
	return free
}

func (e *Engine) addActive(delta int64) {
	e.activeMu.Lock()
	e.active += delta
	e.activeMu.Unlock()
}

func (e *Engine) consumeWatcherEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-e.watcher.Events():
			if !ok {
				return
			}
			if err := e.handleWatcherEvent(ctx, ev); err != nil {
				e.log.Error("handling local event failed", "kind", ev.Kind, "path", ev.Path, "error", err)
			}
		}
	}
}

func (e *Engine) handleWatcherEvent(ctx context.Context, ev watcher.Event) error {
	switch ev.Kind {
	case watcher.EventUpload:
		if err := e.idx.SetDirty(ctx, ev.Path, true); err != nil {
			return err
		}
		return e.q.Enqueue(ctx, model.OpUpload, ev.Path, "", model.PriorityUpload)
	case watcher.EventMkdir:
		return e.q.Enqueue(ctx, model.OpMkdir, ev.Path, "", model.PriorityMkdir)
	case watcher.EventDelete:
		return e.q.Enqueue(ctx, model.OpDelete, ev.Path, "", model.PriorityDelete)
	case watcher.EventMove:
		payload, err := json.Marshal(model.MovePayload{From: ev.From, Path: ev.Path})
		if err != nil {
			return synerr.New(synerr.Permanent, fmt.Errorf("encoding move payload: %w", err))
		}
		return e.q.Enqueue(ctx, model.OpMove, ev.Path, string(payload), model.PriorityMove)
	}
	return nil
}

// --- control surface ---------------------------------------------------------

// Download enqueues a download at elevated priority and returns immediately.
func (e *Engine) Download(ctx context.Context, itemPath string) error {
	return e.q.Enqueue(ctx, model.OpDownload, itemPath, "", model.PriorityElevated)
}

// Pin sets the pin flag. When pinning a cloud_only file, it also enqueues a
// download. Directories apply recursively to every tracked descendant.
func (e *Engine) Pin(ctx context.Context, itemPath string, pinned bool) error {
	items, err := e.idx.ListByPrefix(ctx, itemPath)
	if err != nil {
		return err
	}
	for _, it := range items {
		if err := e.idx.SetPinned(ctx, it.Path, pinned); err != nil {
			return err
		}
		if !pinned || it.Kind != model.KindFile {
			continue
		}
		st, err := e.idx.GetState(ctx, it.Path)
		if err != nil {
			return err
		}
		if st != nil && st.State == model.StateCloudOnly {
			if err := e.q.Enqueue(ctx, model.OpDownload, it.Path, "", model.PriorityElevated); err != nil {
				return err
			}
		}
	}
	return nil
}

// Evict removes cached bytes for itemPath and its descendants, refusing if
// any of them has unsynced local edits. A held path-lock (an in-flight
// transfer) is waited out rather than cancelled.
func (e *Engine) Evict(ctx context.Context, itemPath string) error {
	items, err := e.idx.ListByPrefix(ctx, itemPath)
	if err != nil {
		return err
	}

	for _, it := range items {
		if it.Kind != model.KindFile {
			continue
		}
		st, err := e.idx.GetState(ctx, it.Path)
		if err != nil {
			return err
		}
		if st != nil && st.Dirty {
			return fmt.Errorf("%w: %s", ErrDirty, it.Path)
		}
	}

	for _, it := range items {
		if it.Kind != model.KindFile {
			continue
		}
		e.locks.lock(it.Path)
		cachePath, cpErr := cachePathFor(e.cfg.CacheRoot, it.Path)
		if cpErr == nil {
			if rmErr := os.Remove(cachePath); rmErr != nil && !os.IsNotExist(rmErr) {
				e.locks.unlock(it.Path)
				return synerr.New(synerr.Storage, fmt.Errorf("evicting %q: %w", it.Path, rmErr))
			}
		}
		serr := e.idx.SetState(ctx, it.Path, model.StateCloudOnly, "", nil)
		e.locks.unlock(it.Path)
		if serr != nil {
			return serr
		}
		e.notify.PublishStateChanged(it.Path, model.StateCloudOnly)
	}
	return nil
}

// Retry clears path's error, resets its state to cloud_only, and enqueues a
// download at elevated priority. The kind of the op that failed is not
// recorded, so a failed upload, mkdir, move or delete is retried as a
// download.
func (e *Engine) Retry(ctx context.Context, itemPath string) error {
	if err := e.idx.SetState(ctx, itemPath, model.StateCloudOnly, "", nil); err != nil {
		return err
	}
	return e.q.Enqueue(ctx, model.OpDownload, itemPath, "", model.PriorityElevated)
}

// GetState returns the aggregate display state for itemPath: a file's own
// state, or — for a directory — the rollup over its tracked descendants
// with precedence error > syncing > partial > cached > cloud_only.
func (e *Engine) GetState(ctx context.Context, itemPath string) (model.SyncState, error) {
	item, err := e.idx.GetItem(ctx, itemPath)
	if err != nil {
		return "", err
	}
	if item != nil && item.Kind == model.KindFile {
		st, err := e.idx.GetState(ctx, itemPath)
		if err != nil {
			return "", err
		}
		if st == nil {
			return model.StateCloudOnly, nil
		}
		return st.State, nil
	}

	descendants, err := e.idx.ListByPrefix(ctx, itemPath)
	if err != nil {
		return "", err
	}
	return e.aggregateState(ctx, descendants)
}

func (e *Engine) aggregateState(ctx context.Context, items []model.Item) (model.SyncState, error) {
	hasError, hasSyncing, hasCached, hasCloud := false, false, false, false
	for _, it := range items {
		if it.Kind != model.KindFile {
			continue
		}
		st, err := e.idx.GetState(ctx, it.Path)
		if err != nil {
			return "", err
		}
		if st == nil {
			continue
		}
		switch st.State {
		case model.StateError:
			hasError = true
		case model.StateSyncing:
			hasSyncing = true
		case model.StateCached:
			hasCached = true
		case model.StateCloudOnly:
			hasCloud = true
		}
	}
	switch {
	case hasError:
		return model.StateError, nil
	case hasSyncing:
		return model.StateSyncing, nil
	case hasCached && hasCloud:
		return model.SyncState("partial"), nil
	case hasCached:
		return model.StateCached, nil
	default:
		return model.StateCloudOnly, nil
	}
}

// ListConflicts returns every recorded conflict, most recent first.
func (e *Engine) ListConflicts(ctx context.Context) ([]model.ConflictRecord, error) {
	return e.idx.ListConflicts(ctx)
}

// Subscribe registers a notification subscriber and returns its id and
// event channel; pass id to Unsubscribe when the caller disconnects.
func (e *Engine) Subscribe() (uuid.UUID, <-chan notifier.Event) {
	return e.notify.Subscribe()
}

// Unsubscribe removes a subscriber registered via Subscribe.
func (e *Engine) Unsubscribe(id uuid.UUID) {
	e.notify.Unsubscribe(id)
}

// --- path lock table -----------------------------------------------------

type pathLockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newPathLockTable() *pathLockTable {
	return &pathLockTable{locks: make(map[string]*sync.Mutex)}
}

func (t *pathLockTable) mutexFor(p string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.locks[p]
	if !ok {
		m = &sync.Mutex{}
		t.locks[p] = m
	}
	return m
}

// tryLock acquires p's lock non-blocking; the caller skips the path if held.
func (t *pathLockTable) tryLock(p string) bool {
	return t.mutexFor(p).TryLock()
}

// lock blocks until p's lock is free — used by Evict, which waits out an
// in-flight op rather than cancelling it.
func (t *pathLockTable) lock(p string) {
	t.mutexFor(p).Lock()
}

func (t *pathLockTable) unlock(p string) {
	t.mutexFor(p).Unlock()
}

// --- just-written suppression ---------------------------------------------

// justWrittenSet tracks local paths the Transfer Client just wrote, so the
// watcher can suppress the resulting filesystem event instead of
// re-enqueueing our own write as a user edit.
type justWrittenSet struct {
	mu    sync.Mutex
	paths map[string]time.Time
}

const justWrittenTTL = 2 * time.Second

func newJustWrittenSet() *justWrittenSet {
	return &justWrittenSet{paths: make(map[string]time.Time)}
}

func (s *justWrittenSet) mark(cachePath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paths[cachePath] = time.Now().Add(justWrittenTTL)
}

// ShouldSuppress implements [watcher.Suppressor] by delegating to the
// engine's justWrittenSet.
func (e *Engine) ShouldSuppress(cachePath string) bool {
	return e.just.ShouldSuppress(cachePath)
}

// ShouldSuppress implements [watcher.Suppressor].
func (s *justWrittenSet) ShouldSuppress(cachePath string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline, ok := s.paths[cachePath]
	if !ok {
		return false
	}
	if time.Now().After(deadline) {
		delete(s.paths, cachePath)
		return false
	}
	return true
}
