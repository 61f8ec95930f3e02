// Package broadcaster implements the Live Summary Broadcaster (C8): a single coalesced,
// versioned, atomically-swapped snapshot with fan-out to SSE observers (spec §4.8). Grounded on
// infrastructure/cache/cache.go's version-counter-plus-atomic-swap idiom, adapted from a
// TTL key/value cache to a single always-current snapshot broadcast to subscribed channels.
package broadcaster

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/volcompute/orchestrator/internal/metrics"
)

// QueueCounts is the queue.{queued,running,completed} block of the snapshot (spec §4.8).
type QueueCounts struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
}

// Dashboard is the snapshot's dashboard sub-object (spec §4.8).
type Dashboard struct {
	TasksLast24h      []int              `json:"tasks_last_24h"`
	AgentAvailability map[string]float64 `json:"agent_availability"`
	StorageIO         map[string]float64 `json:"storage_io"`
	Throughput        float64            `json:"throughput"`
	Trust             map[string]float64 `json:"trust"`
}

// Snapshot is the broadcaster's single in-memory view (spec §4.8).
type Snapshot struct {
	Agents    []interface{}          `json:"agents"`
	Tasks     []interface{}          `json:"tasks"`
	Queue     QueueCounts            `json:"queue"`
	Load      map[string]interface{} `json:"load"`
	AIMode    string                 `json:"ai_mode"`
	Dashboard Dashboard              `json:"dashboard"`
	Version   uint64                 `json:"version"`
}

// Broadcaster holds the current snapshot and fans out refreshes to subscribers. Refreshes are
// coalesced so that no more than one applies per coalescing window, the duration given to New (spec §4.8: "refreshed on any
// state change and at most every D milliseconds").
type Broadcaster struct {
	current atomic.Value // Snapshot

	mu            sync.Mutex
	subscribers   map[chan Snapshot]struct{}
	pending       *Snapshot
	coalesceTimer *time.Timer
	coalesce      time.Duration
	version       uint64
}

// New creates a Broadcaster with the given coalescing window.
func New(coalesce time.Duration) *Broadcaster {
	if coalesce <= 0 {
		coalesce = 250 * time.Millisecond
	}
	b := &Broadcaster{
		subscribers: make(map[chan Snapshot]struct{}),
		coalesce:    coalesce,
	}
	b.current.Store(Snapshot{})
	return b
}

// Current returns the latest published snapshot.
func (b *Broadcaster) Current() Snapshot {
	return b.current.Load().(Snapshot)
}

// Publish proposes a new snapshot. If no refresh has applied within the coalescing window, it
// applies immediately; otherwise it becomes the pending snapshot and is applied once the window
// elapses, so bursts of state changes in quick succession produce at most one refresh per window.
func (b *Broadcaster) Publish(snap Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.coalesceTimer != nil {
		b.pending = &snap
		return
	}

	b.applyLocked(snap)
	b.coalesceTimer = time.AfterFunc(b.coalesce, b.flushPending)
}

func (b *Broadcaster) flushPending() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.coalesceTimer = nil
	if b.pending != nil {
		snap := *b.pending
		b.pending = nil
		b.applyLocked(snap)
		b.coalesceTimer = time.AfterFunc(b.coalesce, b.flushPending)
	}
}

func (b *Broadcaster) applyLocked(snap Snapshot) {
	b.version++
	snap.Version = b.version
	b.current.Store(snap)
	metrics.Global().SetBroadcasterVersion(b.version)

	for ch := range b.subscribers {
		select {
		case ch <- snap:
		default:
			// Observer can't keep up; drop it rather than block the broadcaster
			// (spec §4.8: "lossy: freshness beats completeness").
			delete(b.subscribers, ch)
			close(ch)
		}
	}
}

// Subscribe registers a new observer channel, sending it the current snapshot immediately and
// every subsequent refresh until ctx is cancelled or it is dropped for falling behind
// (spec §4.8: "Observers receive the latest snapshot on connection and each subsequent refresh").
func (b *Broadcaster) Subscribe(ctx context.Context) <-chan Snapshot {
	ch := make(chan Snapshot, 1)
	ch <- b.Current()

	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if _, ok := b.subscribers[ch]; ok {
			delete(b.subscribers, ch)
			close(ch)
		}
		b.mu.Unlock()
	}()

	return ch
}

// SubscriberCount reports the current number of live observers, useful for diagnostics.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
