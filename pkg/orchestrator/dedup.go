package orchestrator

import (
	"sync"
	"time"

	"github.com/streamguard/moderator/pkg/models"
)

// dedupCache gives each message_id single-flight semantics inside the dedup
// window: the first call reserves the id and runs the pipeline; concurrent
// and later calls wait for (or read) that call's ProcessedEvent instead of
// re-processing. This is what keeps duplicate submissions to at most one
// Violation row.
//
// In-process only: cross-replica dedup would require consensus, which is out
// of scope.
type dedupCache struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[string]*dedupEntry
}

// dedupEntry is one reservation. done is closed when event is set; an entry
// with a nil event is still in flight and never expires (the owning call is
// deadline-bounded, so completion is imminent).
type dedupEntry struct {
	done  chan struct{}
	event *models.ProcessedEvent
	at    time.Time
}

func newDedupCache(window time.Duration) *dedupCache {
	return &dedupCache{
		window:  window,
		entries: make(map[string]*dedupEntry),
	}
}

// begin reserves messageID. Returns (entry, true) when the caller owns
// processing and must conclude it with complete; (entry, false) when another
// call already owns or finished it — wait on entry.done and read
// entry.event.
func (c *dedupCache) begin(messageID string, now time.Time) (*dedupEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[messageID]; ok {
		if e.event == nil || now.Sub(e.at) <= c.window {
			return e, false
		}
	}

	// Prune expired completed entries opportunistically.
	for id, e := range c.entries {
		if e.event != nil && now.Sub(e.at) > c.window {
			delete(c.entries, id)
		}
	}

	e := &dedupEntry{done: make(chan struct{})}
	c.entries[messageID] = e
	return e, true
}

// complete publishes the owning call's event and releases all waiters.
func (c *dedupCache) complete(e *dedupEntry, event *models.ProcessedEvent, now time.Time) {
	c.mu.Lock()
	e.event = event
	e.at = now
	c.mu.Unlock()
	close(e.done)
}
