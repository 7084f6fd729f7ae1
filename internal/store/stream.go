package store

import (
	"sync"

	"github.com/apiplus/workbench/internal/document"
)

// Event is the kind of document mutation published on the change stream.
type Event string

const (
	EventInsert Event = "insert"
	EventUpdate Event = "update"
	EventRemove Event = "remove"
)

// Change is one document mutation. FromSync marks mutations applied by the
// pull engine; observers must not track those as local edits.
type Change struct {
	Event    Event
	Doc      *document.Document
	FromSync bool
}

// subscriberBuffer is the channel depth per subscriber. A subscriber that
// falls this far behind loses batches; the drop is counted so tests and
// logs can detect it.
const subscriberBuffer = 256

type subscriber struct {
	ch chan []Change
}

// changeStream fans document mutations out to subscribers, optionally
// coalescing them into a single batch between BufferChanges and
// FlushChanges calls.
type changeStream struct {
	mu        sync.Mutex
	subs      map[*subscriber]bool
	buffering int
	buffered  []Change
	dropped   int
}

func newChangeStream() *changeStream {
	return &changeStream{subs: make(map[*subscriber]bool)}
}

// Subscribe registers a listener on the document change stream. Changes
// arrive in batches: one mutation per batch normally, or everything that
// happened inside a buffered region as a single batch. The returned func
// unsubscribes; after it returns the channel will receive nothing more.
func (db *DB) Subscribe() (<-chan []Change, func()) {
	s := &subscriber{ch: make(chan []Change, subscriberBuffer)}

	cs := db.stream
	cs.mu.Lock()
	cs.subs[s] = true
	cs.mu.Unlock()

	return s.ch, func() {
		cs.mu.Lock()
		if cs.subs[s] {
			delete(cs.subs, s)
			close(s.ch)
		}
		cs.mu.Unlock()
	}
}

// BufferChanges opens a buffered-notification region: subsequent mutations
// are held and delivered as one batch by FlushChanges. Regions nest; the
// batch is delivered when the outermost region flushes. The pull engine
// wraps bulk resource application in a region so observers never see a
// half-applied delta.
func (db *DB) BufferChanges() {
	cs := db.stream
	cs.mu.Lock()
	cs.buffering++
	cs.mu.Unlock()
}

// FlushChanges closes the current buffered region, publishing the held
// batch if this was the outermost region.
func (db *DB) FlushChanges() {
	cs := db.stream
	cs.mu.Lock()
	if cs.buffering > 0 {
		cs.buffering--
	}
	var batch []Change
	if cs.buffering == 0 && len(cs.buffered) > 0 {
		batch = cs.buffered
		cs.buffered = nil
	}
	cs.mu.Unlock()

	if batch != nil {
		cs.publish(batch)
	}
}

// notify publishes a single mutation, or appends it to the open buffered
// region.
func (cs *changeStream) notify(c Change) {
	cs.mu.Lock()
	if cs.buffering > 0 {
		cs.buffered = append(cs.buffered, c)
		cs.mu.Unlock()
		return
	}
	cs.mu.Unlock()
	cs.publish([]Change{c})
}

func (cs *changeStream) publish(batch []Change) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for s := range cs.subs {
		select {
		case s.ch <- batch:
		default:
			// Subscriber is not keeping up. Dropping is preferable to
			// blocking every writer in the process.
			cs.dropped++
		}
	}
}

// DroppedBatches returns how many change batches were dropped because a
// subscriber channel was full.
func (db *DB) DroppedBatches() int {
	db.stream.mu.Lock()
	defer db.stream.mu.Unlock()
	return db.stream.dropped
}
