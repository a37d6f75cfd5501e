/*
The cache package is a bounded, self-cleaning store for recently seen data:
agent profiles, conversation history pages, anything the UI wants back
quickly without another round trip. Entries expire after a per-entry max
age, the least recently used entry is evicted when the store is full, large
values are gzip compressed on the way in, and the whole map can be
snapshotted to durable storage and loaded back on the next start.
*/
package cache

import (
	"bytes"
	"container/list"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/klauspost/compress/gzip"
	"github.com/parleychat/relaykit/logger"
	"github.com/parleychat/relaykit/storage"
	"gopkg.in/tomb.v2"
)

type Config struct {
	// entry count ceiling, past it the least recently used entry is evicted
	MaxEntries int

	// lifetime given to entries that don't choose their own
	DefaultMaxAge time.Duration

	// values larger than this many bytes are gzip compressed
	CompressionThreshold int

	// how often the background sweep removes expired entries
	CleanupInterval time.Duration

	// storage key the snapshot is persisted under
	StateKey string
}

type Stats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	Expirations int64 `json:"expirations"`
	Entries     int   `json:"entries"`
}

type entry struct {
	value      []byte
	timestamp  time.Time
	maxAge     time.Duration
	compressed bool

	// position in the recency list
	element *list.Element
}

type SetOption func(*setOptions)

type setOptions struct {
	maxAge time.Duration
}

// WithMaxAge lets one entry live longer, or shorter, than the default
func WithMaxAge(maxAge time.Duration) SetOption {
	return func(o *setOptions) {
		o.maxAge = maxAge
	}
}

type Store struct {
	tmb    tomb.Tomb
	logger *logger.Logger
	config Config

	lock    sync.Mutex
	entries map[string]*entry
	started bool

	// front is the most recently used key, back the least
	recency *list.List

	hits        int64
	misses      int64
	evictions   int64
	expirations int64

	store storage.Store
	clock clock.Clock
}

func New(logger *logger.Logger, config Config, store storage.Store, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.New()
	}
	if config.StateKey == "" {
		config.StateKey = storage.CacheStateKey
	}

	return &Store{
		logger:  logger,
		config:  config,
		entries: make(map[string]*entry),
		recency: list.New(),
		store:   store,
		clock:   clk,
	}
}

// Start launches the background sweep that removes expired entries even if
// nobody ever reads them again
func (s *Store) Start() error {
	if !s.tmb.Alive() {
		return fmt.Errorf("cache is closed")
	}

	s.lock.Lock()
	s.started = true
	s.lock.Unlock()

	interval := s.config.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}

	// the ticker exists before Start returns so a caller can rely on the
	// sweep being armed
	ticker := s.clock.Ticker(interval)

	s.tmb.Go(func() error {
		defer ticker.Stop()

		for {
			select {
			case <-s.tmb.Dying():
				return nil
			case <-ticker.C:
				if removed := s.removeExpired(); removed > 0 {
					s.logger.Debugf("cache sweep removed %d expired entries", removed)
				}
			}
		}
	})
	return nil
}

func (s *Store) Close(reason error, timeout time.Duration) {
	if !s.tmb.Alive() {
		return
	}

	s.lock.Lock()
	started := s.started
	s.lock.Unlock()

	s.tmb.Kill(reason)

	// the sweep never ran, so there is nothing to wait for
	if !started {
		return
	}

	select {
	case <-s.tmb.Dead():
	case <-time.After(timeout):
		s.logger.Infof("Timed out waiting for cache sweeper to shut down")
	}
}

func (s *Store) Set(key string, value []byte, opts ...SetOption) error {
	options := setOptions{maxAge: s.config.DefaultMaxAge}
	for _, opt := range opts {
		opt(&options)
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	var compressed bool
	if s.config.CompressionThreshold > 0 && len(value) > s.config.CompressionThreshold {
		squeezed, err := compress(value)
		if err != nil {
			return fmt.Errorf("failed to compress value for key %s: %w", key, err)
		}
		stored = squeezed
		compressed = true
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	// overwriting refreshes the clock and the recency position
	if existing, ok := s.entries[key]; ok {
		existing.value = stored
		existing.timestamp = s.clock.Now()
		existing.maxAge = options.maxAge
		existing.compressed = compressed
		s.recency.MoveToFront(existing.element)
		return nil
	}

	if s.config.MaxEntries > 0 && len(s.entries) >= s.config.MaxEntries {
		s.evictOldest()
	}

	s.entries[key] = &entry{
		value:      stored,
		timestamp:  s.clock.Now(),
		maxAge:     options.maxAge,
		compressed: compressed,
		element:    s.recency.PushFront(key),
	}
	return nil
}

// Get returns the stored value, transparently decompressed. Reading an
// expired entry deletes it and counts as a miss.
func (s *Store) Get(key string) ([]byte, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	e, ok := s.entries[key]
	if !ok {
		s.misses++
		return nil, false
	}

	if s.clock.Since(e.timestamp) > e.maxAge {
		s.removeEntry(key, e)
		s.expirations++
		s.misses++
		return nil, false
	}

	value := e.value
	if e.compressed {
		decompressed, err := decompress(e.value)
		if err != nil {
			// a poisoned entry is worse than a miss, drop it
			s.logger.Errorf("failed to decompress cache entry %s: %s", key, err)
			s.removeEntry(key, e)
			s.misses++
			return nil, false
		}
		value = decompressed
	}

	s.recency.MoveToFront(e.element)
	s.hits++

	out := make([]byte, len(value))
	copy(out, value)
	return out, true
}

func (s *Store) Delete(key string) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if e, ok := s.entries[key]; ok {
		s.removeEntry(key, e)
	}
}

func (s *Store) Len() int {
	s.lock.Lock()
	defer s.lock.Unlock()

	return len(s.entries)
}

func (s *Store) Stats() Stats {
	s.lock.Lock()
	defer s.lock.Unlock()

	return Stats{
		Hits:        s.hits,
		Misses:      s.misses,
		Evictions:   s.evictions,
		Expirations: s.expirations,
		Entries:     len(s.entries),
	}
}

type persistedEntry struct {
	Value      []byte        `json:"value"`
	Timestamp  int64         `json:"timestamp"`
	MaxAge     time.Duration `json:"maxAge"`
	Compressed bool          `json:"compressed"`
}

type persistedState struct {
	Entries map[string]persistedEntry `json:"entries"`

	// keys ordered least to most recently used
	Order []string `json:"order"`
	Stats Stats    `json:"stats"`
}

// Persist snapshots the full map plus counters to durable storage
func (s *Store) Persist() error {
	s.lock.Lock()

	state := persistedState{
		Entries: make(map[string]persistedEntry, len(s.entries)),
		Order:   make([]string, 0, len(s.entries)),
		Stats: Stats{
			Hits:        s.hits,
			Misses:      s.misses,
			Evictions:   s.evictions,
			Expirations: s.expirations,
			Entries:     len(s.entries),
		},
	}

	for key, e := range s.entries {
		state.Entries[key] = persistedEntry{
			Value:      e.value,
			Timestamp:  e.timestamp.UnixMilli(),
			MaxAge:     e.maxAge,
			Compressed: e.compressed,
		}
	}
	for element := s.recency.Back(); element != nil; element = element.Prev() {
		state.Order = append(state.Order, element.Value.(string))
	}

	s.lock.Unlock()

	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal cache state: %w", err)
	}

	if err := s.store.Put(s.config.StateKey, raw); err != nil {
		return fmt.Errorf("failed to persist cache state: %w", err)
	}
	return nil
}

// Restore loads a previous snapshot verbatim. Timestamps are not
// re-validated here, so restored entries may serve stale until their first
// Get or the next sweep.
func (s *Store) Restore() error {
	raw, err := s.store.Get(s.config.StateKey)
	if err != nil {
		if storage.IsKeyNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to read cache state: %w", err)
	}

	var state persistedState
	if err := json.Unmarshal(raw, &state); err != nil {
		return fmt.Errorf("failed to parse cache state: %w", err)
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	s.entries = make(map[string]*entry, len(state.Entries))
	s.recency = list.New()

	restore := func(key string, p persistedEntry) {
		s.entries[key] = &entry{
			value:      p.Value,
			timestamp:  time.UnixMilli(p.Timestamp),
			maxAge:     p.MaxAge,
			compressed: p.Compressed,
			element:    s.recency.PushFront(key),
		}
	}

	// replay in recency order so eviction picks up where it left off
	for _, key := range state.Order {
		if p, ok := state.Entries[key]; ok {
			restore(key, p)
		}
	}
	// anything the order list missed still gets restored
	for key, p := range state.Entries {
		if _, ok := s.entries[key]; !ok {
			restore(key, p)
		}
	}

	s.hits = state.Stats.Hits
	s.misses = state.Stats.Misses
	s.evictions = state.Stats.Evictions
	s.expirations = state.Stats.Expirations

	s.logger.Infof("Restored %d cache entries from storage", len(s.entries))
	return nil
}

// evictOldest drops the least recently used entry. Callers hold the lock.
func (s *Store) evictOldest() {
	oldest := s.recency.Back()
	if oldest == nil {
		return
	}

	key := oldest.Value.(string)
	if e, ok := s.entries[key]; ok {
		s.removeEntry(key, e)
		s.evictions++
	}
}

func (s *Store) removeExpired() int {
	s.lock.Lock()
	defer s.lock.Unlock()

	expired := make([]string, 0)
	for key, e := range s.entries {
		if s.clock.Since(e.timestamp) > e.maxAge {
			expired = append(expired, key)
		}
	}

	for _, key := range expired {
		s.removeEntry(key, s.entries[key])
		s.expirations++
	}
	return len(expired)
}

// removeEntry unlinks an entry from both the map and the recency list.
// Callers hold the lock.
func (s *Store) removeEntry(key string, e *entry) {
	delete(s.entries, key)
	s.recency.Remove(e.element)
}

func compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer

	writer := gzip.NewWriter(&buf)
	if _, err := writer.Write(raw); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(squeezed []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(squeezed))
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	return io.ReadAll(reader)
}
