package dispatch

import (
	"github.com/benbjohnson/clock"
	orderedmap "github.com/wk8/go-ordered-map"
)

// PendingConfirmation tracks one in-flight message from the moment the
// transport accepted it until the backend confirms it, or the confirmation
// window closes.
type PendingConfirmation struct {
	Message OutboundMessage `json:"message"`
	SentAt  int64           `json:"sentAt"`

	timer *clock.Timer
}

// pendingTracker keeps in-flight messages in send order. The dispatcher
// owns it and serializes access with its own lock; nothing here locks.
type pendingTracker struct {
	inflight *orderedmap.OrderedMap

	// entries already confirmed delivered, kept only for their read receipt
	delivered int
}

func newPendingTracker() *pendingTracker {
	return &pendingTracker{
		inflight: orderedmap.New(),
	}
}

func (t *pendingTracker) track(entry *PendingConfirmation) {
	t.inflight.Set(entry.Message.Message.Id, entry)
	if entry.Message.Status == Delivered {
		t.delivered++
	}
}

func (t *pendingTracker) get(id string) (*PendingConfirmation, bool) {
	pair := t.inflight.GetPair(id)
	if pair == nil {
		return nil, false
	}
	return pair.Value.(*PendingConfirmation), true
}

// deliver stops the entry's timer and marks it delivered, but keeps it
// tracked so a later read receipt can still find it. A nil entry means the
// id is unknown; a false second return means it was already delivered.
func (t *pendingTracker) deliver(id string) (*PendingConfirmation, bool) {
	pair := t.inflight.GetPair(id)
	if pair == nil {
		return nil, false
	}

	entry := pair.Value.(*PendingConfirmation)
	if entry.Message.Status == Delivered {
		return entry, false
	}

	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.Message.Status = Delivered
	t.delivered++
	return entry, true
}

// resolve stops the entry's timer and removes it, reporting whether it was
// still being tracked
func (t *pendingTracker) resolve(id string) (*PendingConfirmation, bool) {
	pair := t.inflight.GetPair(id)
	if pair == nil {
		return nil, false
	}

	entry := pair.Value.(*PendingConfirmation)
	if entry.timer != nil {
		entry.timer.Stop()
	}
	if entry.Message.Status == Delivered {
		t.delivered--
	}
	t.inflight.Delete(id)
	return entry, true
}

func (t *pendingTracker) contains(id string) bool {
	return t.inflight.GetPair(id) != nil
}

func (t *pendingTracker) len() int {
	return t.inflight.Len()
}

// awaitingDelivery counts entries whose delivery receipt has not arrived yet
func (t *pendingTracker) awaitingDelivery() int {
	return t.inflight.Len() - t.delivered
}

// pruneDelivered drops the oldest delivered entries until the tracker is
// back under max. Undelivered entries are never pruned; their confirmation
// timers clean them up.
func (t *pendingTracker) pruneDelivered(max int) int {
	pruned := 0
	for pair := t.inflight.Oldest(); pair != nil && t.inflight.Len() > max; {
		next := pair.Next()
		if entry := pair.Value.(*PendingConfirmation); entry.Message.Status == Delivered {
			t.inflight.Delete(pair.Key)
			t.delivered--
			pruned++
		}
		pair = next
	}
	return pruned
}

// snapshot copies every in-flight entry, oldest send first
func (t *pendingTracker) snapshot() []PendingConfirmation {
	out := make([]PendingConfirmation, 0, t.inflight.Len())
	for pair := t.inflight.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, *pair.Value.(*PendingConfirmation))
	}
	return out
}

// stopTimers disarms every entry without forgetting it, so in-flight state
// survives a shutdown and can still be persisted
func (t *pendingTracker) stopTimers() {
	for pair := t.inflight.Oldest(); pair != nil; pair = pair.Next() {
		if entry := pair.Value.(*PendingConfirmation); entry.timer != nil {
			entry.timer.Stop()
		}
	}
}

// clear stops every timer and empties the tracker
func (t *pendingTracker) clear() int {
	cleared := t.inflight.Len()
	t.stopTimers()
	t.inflight = orderedmap.New()
	t.delivered = 0
	return cleared
}
