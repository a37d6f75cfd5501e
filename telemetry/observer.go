/*
The telemetry package exports RelayKit's operational numbers: prometheus
collectors fed from the status event bus, gauges sampled from the live
components, and windowed throughput series for the diagnostic CLI. Nothing
here sits on a hot path; the observer rides the same bus as any other
subscriber.
*/
package telemetry

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"gopkg.in/tomb.v2"

	"github.com/parleychat/relaykit/events"
	"github.com/parleychat/relaykit/logger"
)

const sampleInterval = time.Second

// Samplers are the pull side of the observer: closures reading gauge values
// off the live components. Any of them may be nil when that component is
// not wired.
type Samplers struct {
	// queued messages and unconfirmed sends, from the dispatcher
	Dispatch func() (depth int, pending int)

	// connections currently able to carry traffic, from the pool
	Connected func() int

	// lifetime hit/miss counters and current entry count, from the cache
	Cache func() (hits int64, misses int64, entries int)

	// lifetime count of events lost to slow subscribers, from the bus
	Dropped func() uint64
}

// TrafficDigest pairs the two throughput series the observer keeps
type TrafficDigest struct {
	Inbound  Digest `json:"inbound"`
	Outbound Digest `json:"outbound"`
}

// Observer translates bus events into prometheus counters, samples gauges
// on a fixed cadence, and keeps messages-per-second series for both
// directions.
type Observer struct {
	tmb    tomb.Tomb
	logger *logger.Logger

	samplers Samplers
	inbound  *Throughput
	outbound *Throughput
}

func NewObserver(logger *logger.Logger, bus *events.Bus, samplers Samplers, clk clock.Clock) *Observer {
	if clk == nil {
		clk = clock.New()
	}

	Register()

	o := &Observer{
		logger:   logger,
		samplers: samplers,
		inbound:  NewThroughput("messages", sampleInterval, clk),
		outbound: NewThroughput("messages", sampleInterval, clk),
	}

	ctx, cancel := context.WithCancel(context.Background())
	feed := bus.Subscribe(ctx)
	ticker := clk.Ticker(sampleInterval)

	o.tmb.Go(func() error {
		defer cancel()
		defer ticker.Stop()

		o.logger.Infof("Telemetry observer has started")
		defer o.logger.Infof("Telemetry observer has stopped")

		for {
			select {
			case <-o.tmb.Dying():
				return nil
			case <-ticker.C:
				o.sample()
			case event, ok := <-feed:
				if !ok {
					return nil
				}
				o.observe(event)
			}
		}
	})

	return o
}

// CountInbound records messages arriving from the backend. The inbound
// router calls this; arrivals are not bus events.
func (o *Observer) CountInbound(n int) {
	o.inbound.Count(n)
}

// Traffic reports both throughput series
func (o *Observer) Traffic() TrafficDigest {
	return TrafficDigest{
		Inbound:  o.inbound.Digest(),
		Outbound: o.outbound.Digest(),
	}
}

func (o *Observer) Done() <-chan struct{} {
	return o.tmb.Dead()
}

func (o *Observer) Close() {
	o.tmb.Kill(nil)
	o.tmb.Wait()
	o.inbound.Close()
	o.outbound.Close()
}

func (o *Observer) observe(event events.Event) {
	EventsObserved.WithLabelValues(string(event.Kind)).Inc()

	switch event.Kind {
	case events.MessageSent:
		MessagesSent.Inc()
		o.outbound.Count(1)
	case events.MessageDelivered:
		MessagesDelivered.Inc()
	case events.MessageRead:
		MessagesRead.Inc()
	case events.MessageRetry:
		MessagesRetried.Inc()
	case events.MessageFailed:
		MessagesFailed.Inc()
	case events.MessageExpired:
		MessagesExpired.Inc()
	case events.ConfirmationTimeout:
		ConfirmationTimeouts.Inc()
	case events.Reconnecting:
		Reconnects.Inc()
	case events.Disconnected:
		Disconnects.Inc()
	}
}

func (o *Observer) sample() {
	if o.samplers.Dispatch != nil {
		depth, pending := o.samplers.Dispatch()
		QueueDepth.Set(float64(depth))
		PendingConfirmations.Set(float64(pending))
	}
	if o.samplers.Connected != nil {
		PoolConnected.Set(float64(o.samplers.Connected()))
	}
	if o.samplers.Cache != nil {
		hits, misses, entries := o.samplers.Cache()
		CacheHits.Set(float64(hits))
		CacheMisses.Set(float64(misses))
		CacheEntries.Set(float64(entries))
	}
	if o.samplers.Dropped != nil {
		EventsDropped.Set(float64(o.samplers.Dropped()))
	}
}
