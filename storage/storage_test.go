package storage

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestStorage(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Storage Suite")
}

var _ = Describe("Memory Store", func() {
	var store *Memory

	testKey := "relay:test"

	BeforeEach(func() {
		store = NewMemory()
	})

	It("reports missing keys as not found", func() {
		_, err := store.Get(testKey)
		Expect(IsKeyNotFound(err)).To(BeTrue())
	})

	It("gets back what was put", func() {
		Expect(store.Put(testKey, []byte("anything"))).To(Succeed())

		value, err := store.Get(testKey)
		Expect(err).ToNot(HaveOccurred())
		Expect(value).To(Equal([]byte("anything")))
	})

	It("hands out copies rather than its own buffers", func() {
		Expect(store.Put(testKey, []byte("anything"))).To(Succeed())

		value, _ := store.Get(testKey)
		value[0] = 'X'

		unchanged, _ := store.Get(testKey)
		Expect(unchanged).To(Equal([]byte("anything")))
	})

	It("forgets deleted keys", func() {
		Expect(store.Put(testKey, []byte("anything"))).To(Succeed())
		Expect(store.Delete(testKey)).To(Succeed())

		_, err := store.Get(testKey)
		Expect(IsKeyNotFound(err)).To(BeTrue())
	})
})
