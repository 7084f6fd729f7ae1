package engine

import (
	"sync"
	"time"
)

// Event kinds published on the engine feed.
const (
	KindNotice   = "notice"
	KindPush     = "push"
	KindPull     = "pull"
	KindConflict = "conflict"
	KindLogout   = "logout"
)

// Event is one user-facing engine outcome. The engine never renders UI
// itself; adapters (CLI, activity feed) subscribe and render these.
type Event struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	Count   int       `json:"count,omitempty"`
	Time    time.Time `json:"time"`
}

const eventBuffer = 64

// eventFeed fans engine events out to subscribers, dropping rather than
// blocking when a subscriber falls behind.
type eventFeed struct {
	mu   sync.Mutex
	subs map[chan Event]bool
}

func newEventFeed() *eventFeed {
	return &eventFeed{subs: make(map[chan Event]bool)}
}

func (f *eventFeed) subscribe() (<-chan Event, func()) {
	ch := make(chan Event, eventBuffer)
	f.mu.Lock()
	f.subs[ch] = true
	f.mu.Unlock()

	return ch, func() {
		f.mu.Lock()
		if f.subs[ch] {
			delete(f.subs, ch)
			close(ch)
		}
		f.mu.Unlock()
	}
}

func (f *eventFeed) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
