/*
The events package is the status surface of the client. Connection and
message lifecycle changes are published here as a closed set of typed events,
and the UI layer subscribes to render connection state and per-message status
from them alone. Delivery is best effort: subscriber channels are buffered
and events are dropped rather than letting a slow consumer back-pressure the
messaging internals.
*/
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parleychat/relaykit/chat"
)

type Kind string

const (
	Connected           Kind = "connected"
	Disconnected        Kind = "disconnected"
	Reconnecting        Kind = "reconnecting"
	ConnectionExhausted Kind = "connectionExhausted"
	MessageEnqueued     Kind = "messageEnqueued"
	MessageSent         Kind = "messageSent"
	MessageDelivered    Kind = "messageDelivered"
	MessageRead         Kind = "messageRead"
	MessageRetry        Kind = "messageRetry"
	MessageFailed       Kind = "messageFailed"
	MessageExpired      Kind = "messageExpired"
	ConfirmationTimeout Kind = "confirmationTimeout"
	QueueCleared        Kind = "queueCleared"
)

// Event describes a single state change. Only the fields relevant to its
// kind are populated.
type Event struct {
	Kind Kind      `json:"kind"`
	At   time.Time `json:"at"`

	ConnectionId string        `json:"connectionId,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	Attempt      int           `json:"attempt,omitempty"`
	Message      *chat.Message `json:"message,omitempty"`
	Cleared      int           `json:"cleared,omitempty"`
}

// subscriber channels hold this many events before we start dropping
const subscriberBuffer = 64

type Bus struct {
	mu      sync.Mutex
	subs    map[chan Event]subscription
	buffer  int
	dropped atomic.Uint64
}

func NewBus() *Bus {
	return NewBusBuffer(subscriberBuffer)
}

// NewBusBuffer sizes subscriber channels explicitly. A deeper buffer trades
// memory for fewer drops under bursts.
func NewBusBuffer(size int) *Bus {
	if size <= 0 {
		size = subscriberBuffer
	}
	return &Bus{
		subs:   make(map[chan Event]subscription),
		buffer: size,
	}
}

type subscription struct {
	// nil means every kind
	kinds map[Kind]struct{}
}

func (s subscription) wants(kind Kind) bool {
	if s.kinds == nil {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

// Subscribe returns a buffered channel carrying every published event. The
// channel is closed when ctx is done.
func (b *Bus) Subscribe(ctx context.Context) <-chan Event {
	return b.subscribe(ctx, subscription{})
}

// SubscribeKinds is Subscribe restricted to the given kinds
func (b *Bus) SubscribeKinds(ctx context.Context, kinds ...Kind) <-chan Event {
	wanted := make(map[Kind]struct{}, len(kinds))
	for _, kind := range kinds {
		wanted[kind] = struct{}{}
	}
	return b.subscribe(ctx, subscription{kinds: wanted})
}

func (b *Bus) subscribe(ctx context.Context, sub subscription) <-chan Event {
	ch := make(chan Event, b.buffer)

	b.mu.Lock()
	b.subs[ch] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		if b.remove(ch) {
			close(ch)
		}
	}()

	return ch
}

// remove reports whether the channel was still subscribed, so exactly one
// caller ends up closing it
func (b *Bus) remove(ch chan Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		return true
	}
	return false
}

// Publish fans the event out to every interested subscriber, dropping it
// wherever the buffer is full
func (b *Bus) Publish(event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for ch, sub := range b.subs {
		if !sub.wants(event.Kind) {
			continue
		}
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped counts events discarded because a subscriber's buffer was full
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel and empties the bus
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs {
		close(ch)
	}
	b.subs = make(map[chan Event]subscription)
}
