// Package notifier fans out StateChanged and ConflictAdded signals to
// subscribers with best-effort, back-pressure-free delivery: a subscriber
// that falls behind its bounded buffer is dropped rather than allowed to
// stall the engine. Subscriptions are identified by github.com/google/uuid
// handles.
package notifier

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/njoerd114/yadiskd/internal/model"
)

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 256

// StateChanged is emitted whenever an item's sync state transitions.
type StateChanged struct {
	Path  string
	State model.SyncState
}

// ConflictAdded is emitted whenever the conflict resolver records a KeepBoth.
type ConflictAdded struct {
	ID           int64
	Path         string
	RenamedLocal string
}

// Event is the union delivered to subscribers: exactly one of the two
// fields is non-nil.
type Event struct {
	StateChanged  *StateChanged
	ConflictAdded *ConflictAdded
}

type subscriber struct {
	ch chan Event
}

// Notifier is the engine's event bus.
type Notifier struct {
	log *slog.Logger

	mu   sync.Mutex
	subs map[uuid.UUID]*subscriber
}

// New creates an empty Notifier.
func New(log *slog.Logger) *Notifier {
	return &Notifier{log: log, subs: make(map[uuid.UUID]*subscriber)}
}

// Subscribe registers a new subscriber and returns its channel plus a
// handle for Unsubscribe.
func (n *Notifier) Subscribe() (uuid.UUID, <-chan Event) {
	id := uuid.New()
	sub := &subscriber{ch: make(chan Event, DefaultBufferSize)}

	n.mu.Lock()
	n.subs[id] = sub
	n.mu.Unlock()

	return id, sub.ch
}

// Unsubscribe removes and closes a subscriber's channel.
func (n *Notifier) Unsubscribe(id uuid.UUID) {
	n.mu.Lock()
	sub, ok := n.subs[id]
	delete(n.subs, id)
	n.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// PublishStateChanged fans out a state transition. Per-path order is
// preserved per subscriber since each subscriber's channel is FIFO and
// every publish is synchronous with respect to the caller's own call order.
func (n *Notifier) PublishStateChanged(path string, state model.SyncState) {
	n.publish(Event{StateChanged: &StateChanged{Path: path, State: state}})
}

// PublishConflictAdded fans out a new conflict record.
func (n *Notifier) PublishConflictAdded(id int64, path, renamedLocal string) {
	n.publish(Event{ConflictAdded: &ConflictAdded{ID: id, Path: path, RenamedLocal: renamedLocal}})
}

func (n *Notifier) publish(ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for id, sub := range n.subs {
		select {
		case sub.ch <- ev:
		default:
			n.log.Warn("notifier subscriber lagging, dropping", "subscriber", id)
			close(sub.ch)
			delete(n.subs, id)
		}
	}
}
