/*
The dispatch package is the outbound half of the client's reliability story.
Messages enter one of four priority queues; a processing loop drains them in
strict priority order on a fixed interval, in bounded batches, and hands
them to the connection pool concurrently. Transient send failures are
retried with backoff, and every accepted send is tracked until the backend
confirms it or a confirmation window expires. Queue state survives restarts
through the storage package.
*/
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/parleychat/relaykit/chat"
	"github.com/parleychat/relaykit/connection"
	"github.com/parleychat/relaykit/events"
	"github.com/parleychat/relaykit/logger"
	"github.com/parleychat/relaykit/storage"
	"gopkg.in/tomb.v2"
)

type Config struct {
	// how often the loop wakes up to drain the queues
	ProcessInterval time.Duration

	// how many messages one pass of the loop may send, across all
	// priorities
	BatchSize int

	// send attempts per message before it fails terminally
	MaxAttempts int

	// delay before the first retry; grows by RetryBackoffFactor per attempt
	RetryDelay         time.Duration
	RetryBackoffFactor float64

	// how long a sent message may wait for its delivery confirmation
	ConfirmationTimeout time.Duration

	// combined ceiling across all four queues
	QueueCeiling int

	// storage key the queue state is persisted under
	StateKey string
}

type Stats struct {
	Enqueued  int64          `json:"enqueued"`
	Sent      int64          `json:"sent"`
	Delivered int64          `json:"delivered"`
	Read      int64          `json:"read"`
	Retried   int64          `json:"retried"`
	Failed    int64          `json:"failed"`
	Expired   int64          `json:"expired"`
	TimedOut  int64          `json:"timedOut"`
	Depths    map[string]int `json:"depths,omitempty"`
	Pending   int            `json:"pending,omitempty"`
}

// a message waiting out its retry delay, owned by neither queue nor tracker
type retryEntry struct {
	msg   *OutboundMessage
	timer *clock.Timer
}

type Dispatcher struct {
	tmb      tomb.Tomb
	logger   *logger.Logger
	doneChan chan struct{}
	config   Config

	lock    sync.Mutex
	queue   *messageQueue
	pending *pendingTracker
	failed  map[string]*OutboundMessage
	retries map[string]*retryEntry
	paused  bool
	started bool
	stats   Stats

	sender connection.Sender
	bus    *events.Bus
	store  storage.Store
	clock  clock.Clock
}

func New(
	logger *logger.Logger,
	config Config,
	sender connection.Sender,
	bus *events.Bus,
	store storage.Store,
	clk clock.Clock,
) *Dispatcher {
	if clk == nil {
		clk = clock.New()
	}
	if config.StateKey == "" {
		config.StateKey = storage.DispatchStateKey
	}

	return &Dispatcher{
		logger:   logger,
		doneChan: make(chan struct{}),
		config:   config,
		queue:    newMessageQueue(config.QueueCeiling),
		pending:  newPendingTracker(),
		failed:   make(map[string]*OutboundMessage),
		retries:  make(map[string]*retryEntry),
		sender:   sender,
		bus:      bus,
		store:    store,
		clock:    clk,
	}
}

// Start launches the processing loop. The loop also watches connectivity
// events so it can stop burning send attempts while the pool reconnects.
func (d *Dispatcher) Start() error {
	if !d.tmb.Alive() {
		return fmt.Errorf("dispatcher is closed")
	}

	d.lock.Lock()
	d.started = true
	d.lock.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	connectivity := d.bus.SubscribeKinds(ctx, events.Connected, events.Disconnected, events.ConnectionExhausted)

	// the ticker exists before Start returns so a caller can rely on the
	// loop being armed
	ticker := d.clock.Ticker(d.config.ProcessInterval)

	d.tmb.Go(func() error {
		defer close(d.doneChan)
		defer cancel()
		defer ticker.Stop()

		for {
			select {
			case <-d.tmb.Dying():
				return nil
			case event := <-connectivity:
				d.setPaused(event.Kind != events.Connected)
			case <-ticker.C:
				d.dispatchBatch()
			}
		}
	})
	return nil
}

func (d *Dispatcher) Done() <-chan struct{} {
	return d.doneChan
}

func (d *Dispatcher) Err() error {
	return d.tmb.Err()
}

// Close stops the loop and disarms every outstanding timer, so no callback
// fires against torn-down state. Messages still waiting out a retry delay
// are put back in their queues where a final Persist can see them.
func (d *Dispatcher) Close(reason error, timeout time.Duration) {
	if !d.tmb.Alive() {
		return
	}

	d.lock.Lock()
	started := d.started
	d.lock.Unlock()

	d.tmb.Kill(reason)
	d.stopAllTimers()

	// without a loop there is nothing to wait for and nobody else to close
	// the done channel
	if !started {
		close(d.doneChan)
		return
	}

	select {
	case <-d.tmb.Dead():
	case <-time.After(timeout):
		d.logger.Infof("Timed out waiting for dispatcher to shut down")
	}
}

// Enqueue admits a message into its priority queue and returns its id. The
// actual send happens on a later pass of the processing loop.
func (d *Dispatcher) Enqueue(message chat.Message, priority Priority) (string, error) {
	if message.Id == "" {
		message.Id = uuid.New().String()
	}
	if message.Timestamp == 0 {
		message.Timestamp = d.clock.Now().UnixMilli()
	}
	if err := message.Validate(); err != nil {
		return "", err
	}

	d.lock.Lock()

	if d.isTracked(message.Id) {
		d.lock.Unlock()
		return "", &DuplicateIdError{Id: message.Id}
	}

	msg := &OutboundMessage{
		Message:   message,
		Priority:  priority,
		Status:    Pending,
		CreatedAt: d.clock.Now().UnixMilli(),
	}

	evicted, err := d.queue.push(msg)
	if err != nil {
		d.lock.Unlock()
		return "", err
	}

	d.stats.Enqueued++
	if evicted != nil {
		evicted.Status = Expired
		d.stats.Expired++
	}
	d.lock.Unlock()

	if evicted != nil {
		d.logger.Infof("Evicted message %s to admit %s", evicted.Message.Id, message.Id)
		d.bus.Publish(events.Event{Kind: events.MessageExpired, Message: &evicted.Message})
	}
	d.bus.Publish(events.Event{Kind: events.MessageEnqueued, Message: &msg.Message})

	return message.Id, nil
}

// ConfirmDelivery marks the message delivered and stops its confirmation
// clock. The entry stays tracked so a later read receipt can still find it;
// receipts for ids we no longer track are ignored.
func (d *Dispatcher) ConfirmDelivery(id string) {
	d.lock.Lock()
	entry, fresh := d.pending.deliver(id)
	if entry == nil {
		d.lock.Unlock()
		d.logger.Debugf("ignoring delivered receipt for unknown message %s", id)
		return
	}
	if !fresh {
		d.lock.Unlock()
		d.logger.Debugf("ignoring duplicate delivered receipt for message %s", id)
		return
	}

	d.stats.Delivered++

	// delivered entries have no timer left to clean them up, so cap them
	if pruned := d.pending.pruneDelivered(d.config.QueueCeiling); pruned > 0 {
		d.logger.Debugf("Stopped waiting on read receipts for the %d oldest delivered messages", pruned)
	}
	d.lock.Unlock()

	d.bus.Publish(events.Event{Kind: events.MessageDelivered, Message: &entry.Message.Message})
}

// ConfirmRead resolves the pending entry for good. A read implies the
// message arrived, so one that never got a delivered receipt counts as both.
func (d *Dispatcher) ConfirmRead(id string) {
	d.lock.Lock()
	entry, ok := d.pending.resolve(id)
	if !ok {
		d.lock.Unlock()
		d.logger.Debugf("ignoring read receipt for unknown message %s", id)
		return
	}

	if entry.Message.Status != Delivered {
		d.stats.Delivered++
	}
	entry.Message.Status = Read
	d.stats.Read++
	d.lock.Unlock()

	d.bus.Publish(events.Event{Kind: events.MessageRead, Message: &entry.Message.Message})
}

// ClearQueue empties the queues, the in-flight tracker, and the failed set
func (d *Dispatcher) ClearQueue() {
	d.lock.Lock()

	cleared := d.queue.clear()
	cleared += d.pending.clear()

	for id, entry := range d.retries {
		entry.timer.Stop()
		delete(d.retries, id)
		cleared++
	}

	cleared += len(d.failed)
	d.failed = make(map[string]*OutboundMessage)

	d.lock.Unlock()

	d.logger.Infof("Cleared %d messages", cleared)
	d.bus.Publish(events.Event{Kind: events.QueueCleared, Cleared: cleared})
}

func (d *Dispatcher) Stats() Stats {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.statsLocked()
}

// QueueDepth is the combined length of all four queues
func (d *Dispatcher) QueueDepth() int {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.queue.len()
}

// dispatchBatch pops up to BatchSize messages, highest priority first, and
// sends them concurrently. It blocks until the whole batch has an outcome.
func (d *Dispatcher) dispatchBatch() {
	d.lock.Lock()

	if d.paused {
		d.lock.Unlock()
		return
	}

	batch := make([]*OutboundMessage, 0, d.config.BatchSize)
	for len(batch) < d.config.BatchSize {
		msg := d.queue.popFront()
		if msg == nil {
			break
		}

		msg.Status = Sending
		msg.Attempts++
		batch = append(batch, msg)
	}
	d.lock.Unlock()

	if len(batch) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, msg := range batch {
		wg.Add(1)
		go func(m *OutboundMessage) {
			defer wg.Done()

			if err := d.sender.Send(m.Message); err != nil {
				d.handleSendFailure(m, err)
			} else {
				d.handleSendSuccess(m)
			}
		}(msg)
	}
	wg.Wait()
}

func (d *Dispatcher) handleSendSuccess(m *OutboundMessage) {
	d.lock.Lock()

	m.Status = Sent
	m.LastError = ""
	d.stats.Sent++

	id := m.Message.Id
	d.pending.track(&PendingConfirmation{
		Message: *m,
		SentAt:  d.clock.Now().UnixMilli(),
		timer: d.clock.AfterFunc(d.config.ConfirmationTimeout, func() {
			d.confirmationTimedOut(id)
		}),
	})
	d.lock.Unlock()

	d.bus.Publish(events.Event{Kind: events.MessageSent, Message: &m.Message})
}

func (d *Dispatcher) handleSendFailure(m *OutboundMessage, sendErr error) {
	d.lock.Lock()

	m.LastError = sendErr.Error()

	if m.Attempts >= d.config.MaxAttempts {
		m.Status = Failed
		d.failed[m.Message.Id] = m
		d.stats.Failed++
		d.lock.Unlock()

		failure := &MessageFailedError{Id: m.Message.Id, Attempts: m.Attempts}
		d.logger.Errorf("%s: %s", failure, sendErr)
		d.bus.Publish(events.Event{
			Kind:    events.MessageFailed,
			Message: &m.Message,
			Attempt: m.Attempts,
			Reason:  failure.Error(),
		})
		return
	}

	m.Status = Pending
	d.stats.Retried++

	delay := retryDelay(d.config.RetryDelay, d.config.RetryBackoffFactor, m.Attempts)
	d.retries[m.Message.Id] = &retryEntry{
		msg:   m,
		timer: d.clock.AfterFunc(delay, func() { d.requeue(m) }),
	}
	d.lock.Unlock()

	d.logger.Infof("Send of message %s failed (attempt %d of %d), retrying in %s: %s",
		m.Message.Id, m.Attempts, d.config.MaxAttempts, delay, sendErr)
	d.bus.Publish(events.Event{
		Kind:    events.MessageRetry,
		Message: &m.Message,
		Attempt: m.Attempts,
		Reason:  sendErr.Error(),
	})
}

// requeue fires when a retry delay elapses. The message goes back at the
// head of its queue so its age keeps counting from the original enqueue.
func (d *Dispatcher) requeue(m *OutboundMessage) {
	d.lock.Lock()

	delete(d.retries, m.Message.Id)

	if !d.tmb.Alive() {
		d.lock.Unlock()
		return
	}

	evicted, err := d.queue.pushFront(m)
	if err != nil {
		// nowhere to put it, the retry loses
		m.Status = Failed
		d.failed[m.Message.Id] = m
		d.stats.Failed++
		d.lock.Unlock()

		failure := &MessageFailedError{Id: m.Message.Id, Attempts: m.Attempts}
		d.logger.Errorf("%s: %s", failure, err)
		d.bus.Publish(events.Event{
			Kind:    events.MessageFailed,
			Message: &m.Message,
			Attempt: m.Attempts,
			Reason:  failure.Error(),
		})
		return
	}

	if evicted != nil {
		evicted.Status = Expired
		d.stats.Expired++
	}
	d.lock.Unlock()

	if evicted != nil {
		d.bus.Publish(events.Event{Kind: events.MessageExpired, Message: &evicted.Message})
	}
}

// confirmationTimedOut fires when a sent message was never confirmed. The
// send itself succeeded, so the message stays Sent and is not re-queued.
func (d *Dispatcher) confirmationTimedOut(id string) {
	d.lock.Lock()
	entry, ok := d.pending.get(id)
	if !ok || entry.Message.Status == Delivered {
		// a delivered receipt can beat an already-fired timer to the lock
		d.lock.Unlock()
		return
	}
	d.pending.resolve(id)
	d.stats.TimedOut++
	d.lock.Unlock()

	timeout := &ConfirmationTimeoutError{Id: id, Timeout: d.config.ConfirmationTimeout}
	d.logger.Infof("%s", timeout)
	d.bus.Publish(events.Event{
		Kind:    events.ConfirmationTimeout,
		Message: &entry.Message.Message,
		Reason:  timeout.Error(),
	})
}

func (d *Dispatcher) setPaused(paused bool) {
	d.lock.Lock()
	changed := d.paused != paused
	d.paused = paused
	d.lock.Unlock()

	if !changed {
		return
	}
	if paused {
		d.logger.Infof("Pausing dispatch until the connection comes back")
	} else {
		d.logger.Infof("Connection is back, resuming dispatch")
	}
}

// isTracked reports whether an id exists anywhere a message can live:
// queued, waiting out a retry, in flight, or failed. Callers hold the lock.
func (d *Dispatcher) isTracked(id string) bool {
	if d.queue.contains(id) {
		return true
	}
	if _, ok := d.retries[id]; ok {
		return true
	}
	if d.pending.contains(id) {
		return true
	}
	_, ok := d.failed[id]
	return ok
}

func (d *Dispatcher) stopAllTimers() {
	d.lock.Lock()

	d.pending.stopTimers()

	var victims []*OutboundMessage
	for id, entry := range d.retries {
		entry.timer.Stop()
		delete(d.retries, id)

		// waiting retries go back in the queue so a persist can see them
		if evicted, err := d.queue.pushFront(entry.msg); err != nil {
			entry.msg.Status = Failed
			d.failed[id] = entry.msg
			d.stats.Failed++
		} else if evicted != nil {
			evicted.Status = Expired
			d.stats.Expired++
			victims = append(victims, evicted)
		}
	}
	d.lock.Unlock()

	for _, victim := range victims {
		d.bus.Publish(events.Event{Kind: events.MessageExpired, Message: &victim.Message})
	}
}

func (d *Dispatcher) statsLocked() Stats {
	stats := d.stats
	stats.Depths = make(map[string]int, len(priorities))
	for _, p := range priorities {
		stats.Depths[p.String()] = d.queue.lenOf(p)
	}
	stats.Pending = d.pending.awaitingDelivery()
	return stats
}

type persistedState struct {
	Queued  []OutboundMessage     `json:"queued"`
	Pending []PendingConfirmation `json:"pending"`
	Failed  []OutboundMessage     `json:"failed"`
	Stats   Stats                 `json:"stats"`
}

// Persist snapshots the queues, the in-flight tracker, and the failed set
// to durable storage
func (d *Dispatcher) Persist() error {
	d.lock.Lock()

	queued := d.queue.snapshot()
	for _, entry := range d.retries {
		queued = append(queued, *entry.msg)
	}
	sort.Slice(queued, func(i, j int) bool { return queued[i].seq < queued[j].seq })

	failed := make([]OutboundMessage, 0, len(d.failed))
	for _, msg := range d.failed {
		failed = append(failed, *msg)
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].CreatedAt < failed[j].CreatedAt })

	state := persistedState{
		Queued:  queued,
		Pending: d.pending.snapshot(),
		Failed:  failed,
		Stats:   d.stats,
	}
	d.lock.Unlock()

	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal dispatch state: %w", err)
	}

	if err := d.store.Put(d.config.StateKey, raw); err != nil {
		return fmt.Errorf("failed to persist dispatch state: %w", err)
	}
	return nil
}

// Restore rebuilds the queues from a previous snapshot. Undelivered
// in-flight entries get fresh confirmation timers; their original windows
// died with the old process.
func (d *Dispatcher) Restore() error {
	raw, err := d.store.Get(d.config.StateKey)
	if err != nil {
		if storage.IsKeyNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to read dispatch state: %w", err)
	}

	var state persistedState
	if err := json.Unmarshal(raw, &state); err != nil {
		return fmt.Errorf("failed to parse dispatch state: %w", err)
	}

	d.lock.Lock()

	var dropped int
	for i := range state.Queued {
		msg := state.Queued[i]

		// a send that never finished starts over
		if msg.Status == Sending {
			msg.Status = Pending
		}

		if _, err := d.queue.push(&msg); err != nil {
			dropped++
		}
	}

	for i := range state.Pending {
		entry := state.Pending[i]

		// delivered entries only wait on a read receipt; no fresh window
		if entry.Message.Status != Delivered {
			id := entry.Message.Message.Id
			entry.timer = d.clock.AfterFunc(d.config.ConfirmationTimeout, func() {
				d.confirmationTimedOut(id)
			})
		}
		d.pending.track(&entry)
	}

	for i := range state.Failed {
		msg := state.Failed[i]
		d.failed[msg.Message.Id] = &msg
	}

	d.stats.Enqueued = state.Stats.Enqueued
	d.stats.Sent = state.Stats.Sent
	d.stats.Delivered = state.Stats.Delivered
	d.stats.Read = state.Stats.Read
	d.stats.Retried = state.Stats.Retried
	d.stats.Failed = state.Stats.Failed
	d.stats.Expired = state.Stats.Expired
	d.stats.TimedOut = state.Stats.TimedOut

	restored := d.queue.len()
	pending := d.pending.len()
	d.lock.Unlock()

	if dropped > 0 {
		d.logger.Errorf("Dropped %d restored messages that no longer fit the queue", dropped)
	}
	d.logger.Infof("Restored %d queued and %d in-flight messages from storage", restored, pending)
	return nil
}

// retryDelay grows the base delay by factor for every attempt already made
func retryDelay(base time.Duration, factor float64, attempts int) time.Duration {
	if factor <= 0 {
		factor = 1
	}
	scaled := float64(base) * math.Pow(factor, float64(attempts-1))
	return time.Duration(scaled)
}
