// Package state holds the polled snapshot of all baby monitors and the event
// bus that fans out updates to subscribers (HTTP event feed, MQTT publisher).
package state

import (
	"log/slog"
	"sync"
	"time"
)

// Camera describes the camera attached to a baby profile.
type Camera struct {
	UID             string `json:"uid"`
	Hardware        string `json:"hardware"`
	Mode            string `json:"mode"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
}

// LatestEvent is the most recent event for a baby. Time is fractional unix
// seconds as reported by the cloud.
type LatestEvent struct {
	Key  string  `json:"key"`
	Time float64 `json:"time"`
}

// ConnectionStatus reports camera reachability.
type ConnectionStatus struct {
	Connected bool      `json:"connected"`
	LastSeen  time.Time `json:"last_seen,omitzero"`
}

// Baby is the per-device record inside a snapshot.
type Baby struct {
	UID          string           `json:"uid"`
	Name         string           `json:"name"`
	Camera       Camera           `json:"camera"`
	LatestEvent  LatestEvent      `json:"latest_event"`
	Connection   ConnectionStatus `json:"connection"`
	ThumbnailURL string           `json:"thumbnail_url,omitempty"`
}

// Snapshot is the complete result of one refresh cycle, keyed by baby UID.
// A snapshot is immutable once published; readers must not modify it.
type Snapshot struct {
	Babies    map[string]Baby `json:"babies"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// EventType identifies event categories.
type EventType string

const (
	EventSnapshotUpdate EventType = "snapshot_update"
	EventDeviceOnline   EventType = "device_online"
	EventDeviceOffline  EventType = "device_offline"
	EventAuthExpired    EventType = "auth_expired"
	EventRefreshError   EventType = "refresh_error"
)

// Event represents a state change.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	BabyUID   string      `json:"baby_uid,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// --- EventBus ---

// EventBus is a simple publish/subscribe event bus.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	log         *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(log *slog.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[int]chan Event),
		log:         log,
	}
}

// Publish sends an event to all subscribers. Slow subscribers drop events
// rather than blocking the publisher.
func (b *EventBus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			b.log.Warn("event bus: subscriber buffer full, dropping event", "subscriber_id", id, "event_type", evt.Type)
		}
	}
}

// Subscribe returns a channel of events and an unsubscribe function.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
		// drain buffered events
		for len(ch) > 0 {
			<-ch
		}
	}
	return ch, unsub
}

// SubscriberCount returns the number of active subscribers. The poll loop
// uses it to skip cycles nobody is listening for.
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// --- SnapshotStore ---

// SnapshotReader provides read-only access to the current snapshot.
type SnapshotReader interface {
	// Current returns the latest published snapshot, or nil before the
	// first successful refresh. The returned snapshot must not be modified.
	Current() *Snapshot
}

// SnapshotStore holds the current snapshot. Snapshots are replaced wholesale
// by pointer swap, so a reader always sees one complete cycle's result,
// never a partially-updated view.
type SnapshotStore struct {
	mu      sync.RWMutex
	current *Snapshot
	bus     *EventBus
	log     *slog.Logger
}

// NewSnapshotStore creates a store wired to the event bus.
func NewSnapshotStore(bus *EventBus, log *slog.Logger) *SnapshotStore {
	return &SnapshotStore{bus: bus, log: log}
}

// Current returns the latest snapshot, or nil before the first refresh.
func (s *SnapshotStore) Current() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Replace publishes a new snapshot, emitting per-device online/offline
// transitions followed by a snapshot_update event.
func (s *SnapshotStore) Replace(snap *Snapshot) {
	s.mu.Lock()
	prev := s.current
	s.current = snap
	s.mu.Unlock()

	for uid, baby := range snap.Babies {
		wasConnected := false
		known := false
		if prev != nil {
			if pb, ok := prev.Babies[uid]; ok {
				wasConnected = pb.Connection.Connected
				known = true
			}
		}

		switch {
		case baby.Connection.Connected && (!known || !wasConnected):
			s.bus.Publish(Event{Type: EventDeviceOnline, BabyUID: uid})
		case !baby.Connection.Connected && known && wasConnected:
			s.bus.Publish(Event{Type: EventDeviceOffline, BabyUID: uid})
		}
	}

	s.bus.Publish(Event{Type: EventSnapshotUpdate, Data: snap})
	s.log.Debug("snapshot replaced", "devices", len(snap.Babies))
}

var _ SnapshotReader = (*SnapshotStore)(nil)
