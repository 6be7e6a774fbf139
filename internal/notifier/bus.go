package notifier

import (
	"sync"
	"time"
)

// EquipmentPayload is the equipment snapshot carried by change events.
type EquipmentPayload struct {
	ID                     int64  `json:"id"`
	Name                   string `json:"name"`
	Category               string `json:"category,omitempty"`
	Status                 string `json:"status"`
	ImageURL               string `json:"image_url,omitempty"`
	BaseSessionTimeMinutes int    `json:"base_session_time_minutes"`
	WaitingCount           int64  `json:"waiting_count"`
}

// Event is one equipment-state-changed broadcast. Seq is monotonic per bus,
// so a reconnecting subscriber can ask for "everything after N".
type Event struct {
	Seq       uint64           `json:"seq"`
	Type      string           `json:"type"`
	Payload   EquipmentPayload `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
}

const subscriberBuffer = 16

// Bus is a small in-process broadcast channel for equipment change events.
// Published events are fanned out to per-subscriber bounded channels and
// retained in a bounded ring so late subscribers can replay recent history.
// A slow subscriber loses events rather than blocking publishers.
type Bus struct {
	mu      sync.Mutex
	seq     uint64
	ring    []Event
	ringCap int
	subs    map[int]chan Event
	nextID  int
}

// NewBus creates a bus retaining up to ringSize events for replay.
func NewBus(ringSize int) *Bus {
	if ringSize <= 0 {
		ringSize = 500
	}
	return &Bus{
		ringCap: ringSize,
		subs:    make(map[int]chan Event),
	}
}

// Publish broadcasts an equipment update and returns the event as stamped.
func (b *Bus) Publish(payload EquipmentPayload) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	ev := Event{
		Seq:       b.seq,
		Type:      "update",
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	b.ring = append(b.ring, ev)
	if len(b.ring) > b.ringCap {
		b.ring = b.ring[len(b.ring)-b.ringCap:]
	}

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber is not draining; it will notice the gap via seq and
			// can resubscribe with replay.
		}
	}
	return ev
}

// LastSeq returns the sequence number of the most recent event.
func (b *Bus) LastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Subscribe registers a subscriber. Events with seq > sinceSeq still held in
// the ring are returned as backlog; later events arrive on the channel.
// cancel must be called to release the subscription.
func (b *Bus) Subscribe(sinceSeq uint64) (backlog []Event, events <-chan Event, cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ev := range b.ring {
		if ev.Seq > sinceSeq {
			backlog = append(backlog, ev)
		}
	}

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	cancel = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return backlog, ch, cancel
}
