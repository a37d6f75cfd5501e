package cache

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/parleychat/relaykit/logger"
	"github.com/parleychat/relaykit/storage"
)

func TestCache(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Cache Suite")
}

var _ = Describe("Cache", func() {
	var store *Store
	var mockClock *clock.Mock
	var sink *storage.Memory

	logger := logger.MockLogger(GinkgoWriter)

	testConfig := Config{
		MaxEntries:           3,
		DefaultMaxAge:        5 * time.Minute,
		CompressionThreshold: 1024,
		CleanupInterval:      time.Minute,
	}

	// a couple kilobytes of something compressible
	bigValue := bytes.Repeat([]byte("all work and no play "), 100)

	BeforeEach(func() {
		mockClock = clock.NewMock()
		sink = storage.NewMemory()
		store = New(logger, testConfig, sink, mockClock)
	})

	Context("Round trips", func() {
		It("returns what was set", func() {
			Expect(store.Set("greeting", []byte("hello"))).To(Succeed())

			value, ok := store.Get("greeting")
			Expect(ok).To(BeTrue())
			Expect(value).To(Equal([]byte("hello")))
		})

		It("returns what was set even when compression kicked in", func() {
			Expect(store.Set("big", bigValue)).To(Succeed())

			Expect(store.entries["big"].compressed).To(BeTrue(), "a value past the threshold should be stored compressed")
			Expect(len(store.entries["big"].value)).To(BeNumerically("<", len(bigValue)))

			value, ok := store.Get("big")
			Expect(ok).To(BeTrue())
			Expect(value).To(Equal(bigValue))
		})

		It("leaves small values uncompressed", func() {
			Expect(store.Set("small", []byte("hello"))).To(Succeed())
			Expect(store.entries["small"].compressed).To(BeFalse())
		})

		It("misses on keys that were never set", func() {
			_, ok := store.Get("never-set")
			Expect(ok).To(BeFalse())
			Expect(store.Stats().Misses).To(Equal(int64(1)))
		})

		It("forgets deleted keys", func() {
			Expect(store.Set("greeting", []byte("hello"))).To(Succeed())
			store.Delete("greeting")

			_, ok := store.Get("greeting")
			Expect(ok).To(BeFalse())
		})
	})

	Context("Expiry", func() {
		It("misses once an entry outlives its max age", func() {
			Expect(store.Set("user:1", []byte(`{"name":"Zhang"}`), WithMaxAge(time.Second))).To(Succeed())

			mockClock.Add(1100 * time.Millisecond)

			_, ok := store.Get("user:1")
			Expect(ok).To(BeFalse())
		})

		It("deletes the expired entry rather than just hiding it", func() {
			Expect(store.Set("user:1", []byte(`{"name":"Zhang"}`), WithMaxAge(time.Second))).To(Succeed())

			mockClock.Add(1100 * time.Millisecond)
			store.Get("user:1")

			Expect(store.Len()).To(Equal(0))
			Expect(store.Stats().Expirations).To(Equal(int64(1)))
		})

		It("refreshes the clock when a key is overwritten", func() {
			Expect(store.Set("user:1", []byte("old"), WithMaxAge(time.Second))).To(Succeed())

			mockClock.Add(900 * time.Millisecond)
			Expect(store.Set("user:1", []byte("new"), WithMaxAge(time.Second))).To(Succeed())

			mockClock.Add(900 * time.Millisecond)
			value, ok := store.Get("user:1")
			Expect(ok).To(BeTrue())
			Expect(value).To(Equal([]byte("new")))
		})
	})

	Context("Eviction", func() {
		BeforeEach(func() {
			Expect(store.Set("a", []byte("1"))).To(Succeed())
			Expect(store.Set("b", []byte("2"))).To(Succeed())
			Expect(store.Set("c", []byte("3"))).To(Succeed())
		})

		It("evicts the least recently used entry at capacity", func() {
			// touching a moves it ahead of b in the recency order
			store.Get("a")

			Expect(store.Set("d", []byte("4"))).To(Succeed())

			_, ok := store.Get("b")
			Expect(ok).To(BeFalse(), "b should have been the LRU entry")

			for _, key := range []string{"a", "c", "d"} {
				_, ok := store.Get(key)
				Expect(ok).To(BeTrue(), "%s should have survived the eviction", key)
			}

			Expect(store.Len()).To(Equal(testConfig.MaxEntries))
			Expect(store.Stats().Evictions).To(Equal(int64(1)))
		})

		It("does not evict when overwriting an existing key at capacity", func() {
			Expect(store.Set("b", []byte("2 again"))).To(Succeed())

			Expect(store.Len()).To(Equal(testConfig.MaxEntries))
			Expect(store.Stats().Evictions).To(Equal(int64(0)))
		})
	})

	Context("Sweeping", func() {
		BeforeEach(func() {
			Expect(store.Start()).To(Succeed())
		})

		AfterEach(func() {
			store.Close(fmt.Errorf("test over"), time.Second)
		})

		It("removes expired entries without anyone reading them", func() {
			Expect(store.Set("ephemeral", []byte("soon gone"), WithMaxAge(30*time.Second))).To(Succeed())
			Expect(store.Set("durable", []byte("still here"))).To(Succeed())

			mockClock.Add(testConfig.CleanupInterval + time.Second)

			Eventually(store.Len, 1*time.Second).Should(Equal(1))
			Expect(store.Stats().Expirations).To(Equal(int64(1)))

			_, ok := store.Get("durable")
			Expect(ok).To(BeTrue())
		})
	})

	Context("Persistence", func() {
		BeforeEach(func() {
			Expect(store.Set("greeting", []byte("hello"))).To(Succeed())
			Expect(store.Set("big", bigValue)).To(Succeed())

			// rack up a hit so we can see the counters travel
			store.Get("greeting")

			Expect(store.Persist()).To(Succeed())
		})

		It("restores entries and counters on a fresh store", func() {
			second := New(logger, testConfig, sink, mockClock)
			Expect(second.Restore()).To(Succeed())

			stats := second.Stats()
			Expect(stats.Entries).To(Equal(2))
			Expect(stats.Hits).To(Equal(int64(1)))

			value, ok := second.Get("greeting")
			Expect(ok).To(BeTrue())
			Expect(value).To(Equal([]byte("hello")))

			value, ok = second.Get("big")
			Expect(ok).To(BeTrue())
			Expect(value).To(Equal(bigValue))
		})

		It("keeps original timestamps so stale entries expire on first read", func() {
			Expect(store.Set("ephemeral", []byte("soon gone"), WithMaxAge(time.Second))).To(Succeed())
			Expect(store.Persist()).To(Succeed())

			second := New(logger, testConfig, sink, mockClock)
			Expect(second.Restore()).To(Succeed())

			mockClock.Add(2 * time.Second)

			_, ok := second.Get("ephemeral")
			Expect(ok).To(BeFalse())
			Expect(second.Stats().Expirations).To(Equal(int64(1)))
		})

		It("restores nothing when storage is empty", func() {
			second := New(logger, testConfig, storage.NewMemory(), mockClock)
			Expect(second.Restore()).To(Succeed())
			Expect(second.Len()).To(Equal(0))
		})
	})
})
