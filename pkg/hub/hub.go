// Package hub is the in-memory broker fanning processed events out to
// session subscribers, grouped by channel plus an "all" bus. Publishing is
// never allowed to block the pipeline: each subscriber has a bounded queue
// and the oldest unsent event is dropped when it fills.
package hub

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/streamguard/moderator/pkg/metrics"
	"github.com/streamguard/moderator/pkg/models"
)

// ChannelAll subscribes to every channel's events.
const ChannelAll = "*"

// DefaultQueueSize is the per-subscriber outbound queue bound.
const DefaultQueueSize = 64

// defaultSweepInterval is the cadence of the idle sweep reaping closed
// subscriptions still left in the table.
const defaultSweepInterval = 30 * time.Second

// Subscription is a handle to one subscriber's event stream. The consumer
// reads from C; the hub is the only producer.
type Subscription struct {
	ID        uuid.UUID
	ChannelID string

	// C delivers events in publish order for the channel. Closed on
	// unsubscribe.
	C <-chan *models.ProcessedEvent

	ch     chan *models.ProcessedEvent
	lag    atomic.Int64
	closed atomic.Bool
}

// Lag returns how many events have been dropped for this subscriber because
// its queue was full.
func (s *Subscription) Lag() int64 {
	return s.lag.Load()
}

// Hub maintains the subscription table. Reader-writer discipline: publishes
// take the read lock, subscription changes take the write lock.
type Hub struct {
	mu        sync.RWMutex
	channels  map[string]map[uuid.UUID]*Subscription
	queueSize int
	metrics   *metrics.Registry
	logger    *slog.Logger
}

// New creates a hub. queueSize <= 0 falls back to DefaultQueueSize; metrics
// may be nil.
func New(queueSize int, m *metrics.Registry) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub{
		channels:  make(map[string]map[uuid.UUID]*Subscription),
		queueSize: queueSize,
		metrics:   m,
		logger:    slog.Default().With("component", "hub"),
	}
}

// Subscribe registers a subscriber for a channel (or ChannelAll for the
// global bus) and returns its handle.
func (h *Hub) Subscribe(channelID string) *Subscription {
	ch := make(chan *models.ProcessedEvent, h.queueSize)
	sub := &Subscription{
		ID:        uuid.New(),
		ChannelID: channelID,
		C:         ch,
		ch:        ch,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.channels[channelID]; !ok {
		h.channels[channelID] = make(map[uuid.UUID]*Subscription)
	}
	h.channels[channelID][sub.ID] = sub
	return sub
}

// Unsubscribe removes the subscription and closes its stream. Safe to call
// more than once.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil || !sub.closed.CompareAndSwap(false, true) {
		return
	}

	h.mu.Lock()
	if subs, ok := h.channels[sub.ChannelID]; ok {
		delete(subs, sub.ID)
		if len(subs) == 0 {
			delete(h.channels, sub.ChannelID)
		}
	}
	h.mu.Unlock()

	// All sends happen under the read lock, so after the removal above no
	// publisher can be mid-send on this channel.
	close(sub.ch)
}

// Publish fans an event out to the channel's subscribers and the all bus.
// Non-blocking per subscriber: a full queue drops its oldest unsent event
// and increments the subscriber's lag counter. Backpressure never propagates
// upstream.
func (h *Hub) Publish(channelID string, event *models.ProcessedEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	h.metrics.IncEventsPublished()
	for _, sub := range h.channels[channelID] {
		h.send(sub, event)
	}
	if channelID != ChannelAll {
		for _, sub := range h.channels[ChannelAll] {
			h.send(sub, event)
		}
	}
}

// send enqueues one event for one subscriber, dropping the oldest on a full
// queue. Caller holds the read lock, so the subscription cannot be closed
// concurrently.
func (h *Hub) send(sub *Subscription, event *models.ProcessedEvent) {
	if sub.closed.Load() {
		return
	}
	select {
	case sub.ch <- event:
		return
	default:
	}

	// Queue full: drop the oldest, then retry once. A consumer racing the
	// drop can still win the slot; the event is then dropped instead.
	select {
	case <-sub.ch:
		sub.lag.Add(1)
		h.metrics.AddEventsDropped(1)
	default:
	}
	select {
	case sub.ch <- event:
	default:
		sub.lag.Add(1)
		h.metrics.AddEventsDropped(1)
	}
}

// TotalSubscribers returns the number of live subscriptions across all
// channels.
func (h *Hub) TotalSubscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, subs := range h.channels {
		total += len(subs)
	}
	return total
}

// SubscriberCount returns the number of live subscriptions for a channel.
func (h *Hub) SubscriberCount(channelID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channelID])
}

// Run performs the eager idle sweep until ctx is done, reaping subscriptions
// that are marked closed but still present in the table. A consumer that
// stops reading without calling Unsubscribe is not detected. Blocks; run in
// a goroutine.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(defaultSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

// sweep removes subscriptions already marked closed but still present in the
// table (defensive: Unsubscribe normally removes them synchronously).
func (h *Hub) sweep() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for channelID, subs := range h.channels {
		for id, sub := range subs {
			if sub.closed.Load() {
				delete(subs, id)
			}
		}
		if len(subs) == 0 {
			delete(h.channels, channelID)
		}
	}
}
