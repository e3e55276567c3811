package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quantarax/beam/internal/sessionstore"
)

// EventKind classifies a TransferEvent.
type EventKind string

const (
	EventHandshake EventKind = "handshake"
	EventChunk     EventKind = "chunk"
	EventProgress  EventKind = "progress"
	EventDone      EventKind = "done"
	EventError     EventKind = "error"
)

// TransferEvent is an ambient telemetry record published when the handshake
// completes, for every chunk moved, and on completion or failure, distinct
// from the wire Message and from ProgressSnapshot. Entering HANDSHAKE and
// cancellation publish none. Consumed by logging, metrics, and any UI
// subscriber.
type TransferEvent struct {
	SessionID string
	Kind      EventKind
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Observer receives every TransferEvent and ProgressSnapshot an engine
// produces, and is notified exactly once with the terminal error, if any.
// A nil Observer is valid; engines treat it as NoopObserver.
type Observer interface {
	OnEvent(TransferEvent)
	OnProgress(sessionstore.ProgressSnapshot)
	OnError(error)
}

// NoopObserver discards everything; the zero value is ready to use.
type NoopObserver struct{}

func (NoopObserver) OnEvent(TransferEvent)                    {}
func (NoopObserver) OnProgress(sessionstore.ProgressSnapshot) {}
func (NoopObserver) OnError(error)                            {}

// EventBus fans TransferEvents out to any number of subscribers — logging,
// metrics, a UI — mirroring this codebase's event-publisher fan-out idiom:
// a buffered channel per subscriber with a non-blocking send so one slow
// consumer cannot stall the engine.
type EventBus struct {
	mu         sync.RWMutex
	subs       map[string]chan TransferEvent
	bufferSize int
}

// NewEventBus creates a bus whose per-subscriber channels are buffered to
// bufferSize events.
func NewEventBus(bufferSize int) *EventBus {
	return &EventBus{subs: make(map[string]chan TransferEvent), bufferSize: bufferSize}
}

// Subscribe registers a new listener and returns its id (for Unsubscribe)
// and its receive-only event channel.
func (b *EventBus) Subscribe() (string, <-chan TransferEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	ch := make(chan TransferEvent, b.bufferSize)
	b.subs[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a subscriber's channel.
func (b *EventBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		close(ch)
		delete(b.subs, id)
	}
}

// Publish broadcasts evt to every current subscriber, dropping it for any
// subscriber whose buffer is full.
func (b *EventBus) Publish(evt TransferEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}
