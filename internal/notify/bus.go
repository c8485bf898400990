// Package notify carries store notifications to whoever listens. Publishing
// never blocks: a subscriber that does not keep up loses events.
package notify

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/agentworkforce/relaymail/internal/maildb"
)

const defaultSubscriberBuffer = 64

type EventType string

const (
	EventDbPatchAccount         EventType = "DbPatchAccount"
	EventDbIndexerProgressState EventType = "DbIndexerProgressState"
	EventIndexerError           EventType = "IndexerError"
)

// Event is one of the Db* and Indexer* payloads below.
type Event interface {
	EventType() EventType
}

// DbPatchAccount is sent after a patch was applied to the primary store.
type DbPatchAccount struct {
	Key              maildb.AccountKey `json:"key"`
	EntitiesModified bool              `json:"entitiesModified"`
	MetadataModified bool              `json:"metadataModified"`
	Stat             maildb.Stat       `json:"stat"`
}

func (DbPatchAccount) EventType() EventType { return EventDbPatchAccount }

type IndexerProgressState struct {
	Key      *maildb.AccountKey `json:"key,omitempty"`
	Status   string             `json:"status"`
	Progress int                `json:"progress"`
	Total    int                `json:"total"`
}

type DbIndexerProgressState struct {
	State IndexerProgressState `json:"state"`
}

func (DbIndexerProgressState) EventType() EventType { return EventDbIndexerProgressState }

type IndexerError struct {
	UID     string `json:"uid,omitempty"`
	Message string `json:"message"`
}

func (IndexerError) EventType() EventType { return EventIndexerError }

// Envelope is the wire form of an event.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func Encode(event Event) (Envelope, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: event.EventType(), Payload: payload}, nil
}

// Subscription receives events on C until Close is called.
type Subscription struct {
	C <-chan Event

	bus     *Bus
	ch      chan Event
	dropped atomic.Uint64
	once    sync.Once
}

// Dropped reports how many events were lost because C was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s)
	})
}

type Options struct {
	Buffer int
	Logger *slog.Logger
}

type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	buffer int
	logger *slog.Logger
	closed bool
}

func NewBus(opts Options) *Bus {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   map[*Subscription]struct{}{},
		buffer: buffer,
		logger: logger,
	}
}

func (b *Bus) Subscribe() *Subscription {
	ch := make(chan Event, b.buffer)
	sub := &Subscription{C: ch, bus: b, ch: ch}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

// Publish hands event to every subscriber without waiting.
func (b *Bus) Publish(event Event) {
	if b == nil || event == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			if sub.dropped.Add(1) == 1 {
				b.logger.Warn("notification subscriber is falling behind", "event", event.EventType())
			}
		}
	}
}

func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close ends every subscription. Later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
	}
	b.subs = map[*Subscription]struct{}{}
}
