package connection

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// smoothing factor for the latency/jitter moving averages
const ewmaAlpha = 0.2

// NetworkMetrics describes the observed quality of one connection. It is
// mutated only by the connection manager, on inbound frames and heartbeat
// round-trips.
type NetworkMetrics struct {
	Latency     time.Duration `json:"latency"`
	Jitter      time.Duration `json:"jitter"`
	Reliability float64       `json:"reliability"` // answered heartbeats, percent
	ErrorRate   float64       `json:"errorRate"`   // failed sends, percent
	Uptime      time.Duration `json:"uptime"`
}

// MetricsTracker accumulates NetworkMetrics for a single connection
type MetricsTracker struct {
	lock  sync.Mutex
	clock clock.Clock

	latency     float64 // ewma, nanoseconds
	jitter      float64 // ewma of |rtt - latency|, nanoseconds
	pingsSent   int64
	pongsSeen   int64
	sends       int64
	sendErrors  int64
	connectedAt time.Time
}

func NewMetricsTracker(c clock.Clock) *MetricsTracker {
	if c == nil {
		c = clock.New()
	}
	return &MetricsTracker{clock: c}
}

// MarkConnected resets the uptime anchor. Counters survive reconnects so
// reliability reflects the lifetime of the slot, not one session.
func (t *MetricsTracker) MarkConnected() {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.connectedAt = t.clock.Now()
}

func (t *MetricsTracker) RecordPing() {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.pingsSent++
}

func (t *MetricsTracker) RecordPong(rtt time.Duration) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.pongsSeen++

	sample := float64(rtt)
	if t.latency == 0 {
		t.latency = sample
	} else {
		t.latency = ewmaAlpha*sample + (1-ewmaAlpha)*t.latency
	}

	deviation := sample - t.latency
	if deviation < 0 {
		deviation = -deviation
	}
	t.jitter = ewmaAlpha*deviation + (1-ewmaAlpha)*t.jitter
}

func (t *MetricsTracker) RecordSend() {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.sends++
}

func (t *MetricsTracker) RecordSendError() {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.sends++
	t.sendErrors++
}

func (t *MetricsTracker) Snapshot() NetworkMetrics {
	t.lock.Lock()
	defer t.lock.Unlock()

	metrics := NetworkMetrics{
		Latency: time.Duration(t.latency),
		Jitter:  time.Duration(t.jitter),
	}

	if t.pingsSent > 0 {
		metrics.Reliability = 100 * float64(t.pongsSeen) / float64(t.pingsSent)
	}
	if t.sends > 0 {
		metrics.ErrorRate = 100 * float64(t.sendErrors) / float64(t.sends)
	}
	if !t.connectedAt.IsZero() {
		metrics.Uptime = t.clock.Since(t.connectedAt)
	}

	return metrics
}
