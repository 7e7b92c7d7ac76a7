// Package watcher translates OS-level filesystem notifications under the
// sync root into the local-change events the engine enqueues as remote
// mutations. It watches the tree recursively and maps low-level
// notifications to upload/mkdir/delete events, reporting directory
// creates as a distinct Mkdir event rather than folding them into Upload.
// EventMove is never emitted: a rename reaches the engine as a delete of
// the old name plus a create (upload or mkdir) of the new one.
package watcher

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// EventKind classifies a local filesystem change.
type EventKind int

const (
	EventUpload EventKind = iota
	EventMkdir
	EventDelete
	EventMove
)

func (k EventKind) String() string {
	switch k {
	case EventUpload:
		return "upload"
	case EventMkdir:
		return "mkdir"
	case EventDelete:
		return "delete"
	case EventMove:
		return "move"
	default:
		return "unknown"
	}
}

// Event is a debounced, remote-path-translated local change.
type Event struct {
	Kind EventKind
	Path string // remote-style path, e.g. "/docs/a.txt"
	From string // set only for EventMove
}

// DebounceWindow coalesces bursts of notifications for the same path.
const DebounceWindow = 200 * time.Millisecond

// Watcher wraps a recursive fsnotify watch over root, emitting [Event]
// values on Events(). Suppress lets the engine mark paths whose on-disk
// change is the Transfer Client's own write, so it isn't re-enqueued.
type Watcher struct {
	root     string
	fsw      *fsnotify.Watcher
	log      *slog.Logger
	events   chan Event
	suppress Suppressor

	mu      sync.Mutex
	timers  map[string]*time.Timer
	pending map[string]fsnotify.Op
}

// Suppressor reports whether a path's next filesystem event should be
// dropped because it originated from the engine's own write, not a user
// edit. Implemented by the engine's "just-written" set.
type Suppressor interface {
	ShouldSuppress(path string) bool
}

// New starts a recursive watch rooted at root.
func New(root string, suppress Suppressor, log *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	w := &Watcher{
		root:     root,
		fsw:      fsw,
		log:      log,
		events:   make(chan Event, 256),
		suppress: suppress,
		timers:   make(map[string]*time.Timer),
		pending:  make(map[string]fsnotify.Op),
	}

	if err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if werr := fsw.Add(path); werr != nil {
				return fmt.Errorf("watching %q: %w", path, werr)
			}
		}
		return nil
	}); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	go w.loop()
	return w, nil
}

// Events returns the channel of debounced, translated events.
func (w *Watcher) Events() <-chan Event { return w.events }

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				close(w.events)
				return
			}
			w.handleRaw(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				continue
			}
			w.log.Error("watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleRaw(ev fsnotify.Event) {
	if w.suppress != nil && w.suppress.ShouldSuppress(ev.Name) {
		return
	}

	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = w.fsw.Add(ev.Name)
		}
	}

	w.mu.Lock()
	w.pending[ev.Name] = w.pending[ev.Name] | ev.Op
	if t, ok := w.timers[ev.Name]; ok {
		t.Stop()
	}
	w.timers[ev.Name] = time.AfterFunc(DebounceWindow, func() { w.flush(ev.Name) })
	w.mu.Unlock()
}

func (w *Watcher) flush(name string) {
	w.mu.Lock()
	op, ok := w.pending[name]
	delete(w.pending, name)
	delete(w.timers, name)
	w.mu.Unlock()
	if !ok {
		return
	}

	remotePath := toRemotePath(w.root, name)

	switch {
	case op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename):
		w.events <- Event{Kind: EventDelete, Path: remotePath}
	case op.Has(fsnotify.Create):
		if info, err := os.Stat(name); err == nil && info.IsDir() {
			w.events <- Event{Kind: EventMkdir, Path: remotePath}
			return
		}
		w.events <- Event{Kind: EventUpload, Path: remotePath}
	case op.Has(fsnotify.Write):
		w.events <- Event{Kind: EventUpload, Path: remotePath}
	}
}

// toRemotePath strips root and normalizes separators to the POSIX-style
// remote path convention.
func toRemotePath(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}
	rel = strings.ReplaceAll(rel, string(filepath.Separator), "/")
	return "/" + strings.TrimPrefix(rel, "/")
}
