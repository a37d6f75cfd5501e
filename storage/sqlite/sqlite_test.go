package sqlite

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/parleychat/relaykit/storage"
)

func TestSqliteStore(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Sqlite Store Suite")
}

var _ = Describe("Sqlite Store", func() {
	var dbDir string
	var store *Store
	var err error

	testKey := "relay:test"
	testValue := []byte(`{"queued":3}`)

	BeforeEach(func() {
		dbDir, err = os.MkdirTemp("", "relaykit-sqlite")
		Expect(err).ToNot(HaveOccurred())

		store, err = Open(filepath.Join(dbDir, "relay.db"))
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() {
		store.Close()
		os.RemoveAll(dbDir)
	})

	Context("Open", func() {
		It("rejects an empty path", func() {
			_, err := Open("  ")
			Expect(err).To(HaveOccurred())
		})
	})

	Context("Round trips", func() {
		It("reports missing keys as not found", func() {
			_, err := store.Get(testKey)
			Expect(storage.IsKeyNotFound(err)).To(BeTrue())
		})

		It("gets back what was put", func() {
			Expect(store.Put(testKey, testValue)).To(Succeed())

			value, err := store.Get(testKey)
			Expect(err).ToNot(HaveOccurred())
			Expect(value).To(Equal(testValue))
		})

		It("overwrites on a second put", func() {
			Expect(store.Put(testKey, []byte("old"))).To(Succeed())
			Expect(store.Put(testKey, testValue)).To(Succeed())

			value, err := store.Get(testKey)
			Expect(err).ToNot(HaveOccurred())
			Expect(value).To(Equal(testValue))
		})

		It("forgets deleted keys", func() {
			Expect(store.Put(testKey, testValue)).To(Succeed())
			Expect(store.Delete(testKey)).To(Succeed())

			_, err := store.Get(testKey)
			Expect(storage.IsKeyNotFound(err)).To(BeTrue())
		})

		It("survives a close and reopen", func() {
			Expect(store.Put(testKey, testValue)).To(Succeed())
			Expect(store.Close()).To(Succeed())

			reopened, err := Open(filepath.Join(dbDir, "relay.db"))
			Expect(err).ToNot(HaveOccurred())
			defer reopened.Close()

			value, err := reopened.Get(testKey)
			Expect(err).ToNot(HaveOccurred())
			Expect(value).To(Equal(testValue))
		})
	})
})
