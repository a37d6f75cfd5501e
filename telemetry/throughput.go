package telemetry

import (
	"time"

	"github.com/benbjohnson/clock"
	"gopkg.in/tomb.v2"
)

const defaultInterval = time.Second

// Digest is a point-in-time summary of one Throughput window series
type Digest struct {
	Unit    string    `json:"unit"`
	Total   int       `json:"total"`
	Start   time.Time `json:"start"`
	Stop    time.Time `json:"stop"`
	Windows []int     `json:"windows"`
}

// Rate is the average count per interval across the whole series
func (d Digest) Rate() float64 {
	if len(d.Windows) == 0 {
		return 0
	}
	return float64(d.Total) / float64(len(d.Windows))
}

// Throughput counts things per fixed interval. All state lives with the
// loop goroutine; callers talk to it over channels, so there is nothing to
// lock.
type Throughput struct {
	tmb      tomb.Tomb
	unit     string
	interval time.Duration
	clock    clock.Clock

	counts  chan int
	resets  chan struct{}
	digests chan chan Digest
}

func NewThroughput(unit string, interval time.Duration, clk clock.Clock) *Throughput {
	if interval <= 0 {
		interval = defaultInterval
	}
	if clk == nil {
		clk = clock.New()
	}

	t := &Throughput{
		unit:     unit,
		interval: interval,
		clock:    clk,
		counts:   make(chan int, 16),
		resets:   make(chan struct{}),
		digests:  make(chan chan Digest),
	}

	ticker := t.clock.Ticker(t.interval)
	t.tmb.Go(func() error {
		defer ticker.Stop()
		t.loop(ticker)
		return nil
	})

	return t
}

func (t *Throughput) loop(ticker *clock.Ticker) {
	current := 0
	total := 0
	var windows []int
	start := t.clock.Now()
	stop := start

	for {
		select {
		case <-t.tmb.Dying():
			return
		case n := <-t.counts:
			current += n
		case <-ticker.C:
			stop = t.clock.Now()
			total += current
			windows = append(windows, current)
			current = 0
		case <-t.resets:
			current = 0
			total = 0
			windows = nil
			start = t.clock.Now()
			stop = start
		case reply := <-t.digests:
			snapshot := make([]int, len(windows))
			copy(snapshot, windows)
			reply <- Digest{
				Unit:    t.unit,
				Total:   total + current,
				Start:   start,
				Stop:    stop,
				Windows: snapshot,
			}
		}
	}
}

// Count adds n to the current window. Counting against a closed Throughput
// is a no-op.
func (t *Throughput) Count(n int) {
	select {
	case t.counts <- n:
	case <-t.tmb.Dying():
	}
}

func (t *Throughput) Reset() {
	select {
	case t.resets <- struct{}{}:
	case <-t.tmb.Dying():
	}
}

// Digest returns the series so far. The current in-progress window is folded
// into Total but not into Windows.
func (t *Throughput) Digest() Digest {
	reply := make(chan Digest, 1)
	select {
	case t.digests <- reply:
		return <-reply
	case <-t.tmb.Dying():
		return Digest{Unit: t.unit}
	}
}

func (t *Throughput) Close() {
	t.tmb.Kill(nil)
	t.tmb.Wait()
}
