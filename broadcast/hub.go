// Package broadcast implements the per-device fan-out described in spec
// §4.4: one producer (a Capture Worker's read loop), many subscribers,
// bounded per-subscriber queues, drop-on-overflow without ever blocking the
// publisher and without ever evicting a slow subscriber.
//
// Grounded on two corpus sources: the teacher's WebSocketHub/Client
// (register/unregister under a single lock, non-blocking trySend) in
// api/websocket.go, and the velocipi broadcaster/frameEntry pair in
// other_examples, whose subscribe-under-lock + non-blocking-send shape is
// closer to spec's exact contract. Departure from both: on overflow this
// Hub drops the new unit and counts it against that Subscriber, it never
// evicts the subscriber or drops the oldest queued unit.
package broadcast

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"corestream/models"
)

const DefaultQueueDepth = 256

// GopSource is the read-only view a Hub needs of the owning Capture
// Worker's GOP cache to answer subscribe() with a prefill.
type GopSource interface {
	SnapshotPrefill() []models.H264Unit
}

// Subscriber is one consumer's view into the Hub: Queue delivers units in
// order, DropCount is incremented every time an enqueue would have blocked.
type Subscriber struct {
	ID        string
	Queue     chan models.H264Unit
	JoinedAt  time.Time
	dropCount atomic.Uint64
}

// DropCount returns the number of units silently dropped for this
// Subscriber so far.
func (s *Subscriber) DropCount() uint64 { return s.dropCount.Load() }

// Hub multiplexes one device's unit stream to N subscribers.
type Hub struct {
	mu         sync.RWMutex
	subs       map[string]*Subscriber
	queueDepth int

	unitsBroadcast atomic.Uint64
	bytesIngested  atomic.Uint64
}

// NewHub constructs a Hub with the given per-subscriber queue capacity
// (spec default 256, see subscriber_queue_depth).
func NewHub(queueDepth int) *Hub {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	return &Hub{
		subs:       make(map[string]*Subscriber),
		queueDepth: queueDepth,
	}
}

// Subscribe performs the four-step atomic sequence from spec §4.4: snapshot
// the GOP, create the Subscriber, enqueue the prefill, register it — all
// before releasing the Hub's lock, so no live unit published concurrently
// can be interleaved ahead of the prefill for this Subscriber.
func (h *Hub) Subscribe(gop GopSource) *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &Subscriber{
		ID:       uuid.NewString(),
		Queue:    make(chan models.H264Unit, h.queueDepth),
		JoinedAt: time.Now(),
	}
	for _, u := range gop.SnapshotPrefill() {
		// GopCache's cap bounds bytes, not units: a prefill longer than the
		// queue depth is cut short and the rest counted as drops, so this
		// never blocks while the lock is held.
		select {
		case sub.Queue <- u:
		default:
			sub.dropCount.Add(1)
		}
	}
	h.subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes a Subscriber and closes its channel. Idempotent.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()
	if ok {
		close(sub.Queue)
	}
}

// Publish is called only by the owning Capture Worker's read loop. It never
// blocks: a full Subscriber queue increments that Subscriber's drop count
// and the unit is skipped for that Subscriber only.
func (h *Hub) Publish(u models.H264Unit) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	h.unitsBroadcast.Add(1)
	h.bytesIngested.Add(uint64(len(u.Bytes)))

	for _, sub := range h.subs {
		select {
		case sub.Queue <- u:
		default:
			sub.dropCount.Add(1)
		}
	}
}

// SubscriberCount reports the current number of attached subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// CloseAll unsubscribes and closes every Subscriber's channel, used during
// Worker.stop() to drain subscribers per spec §4.3.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*Subscriber)
	h.mu.Unlock()
	for _, sub := range subs {
		close(sub.Queue)
	}
}

// Stats returns the counters backing SessionMetrics.UnitsBroadcast /
// BytesIngested / DroppedUnitsTotal.
func (h *Hub) Stats() (unitsBroadcast, bytesIngested, droppedTotal uint64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var dropped uint64
	for _, sub := range h.subs {
		dropped += sub.dropCount.Load()
	}
	return h.unitsBroadcast.Load(), h.bytesIngested.Load(), dropped
}
