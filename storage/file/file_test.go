package file

import (
	"context"
	"os"
	"path"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/parleychat/relaykit/storage"
)

func TestFileStore(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "File Store Suite")
}

/*
To test our file store we need to create state files that we want to keep
separate for the purpose of test isolation, so every spec gets its own
temporary directory and a universal AfterEach makes sure it is deleted.
*/

var _ = Describe("File Store", func() {
	var stateDir string
	var store *Store
	var err error

	testKey := "relay:test"
	testValue := []byte("not even json")

	BeforeEach(func() {
		By("Creating a temporary state directory")
		stateDir, err = os.MkdirTemp("", "relaykit-store")
		Expect(err).ToNot(HaveOccurred())

		store, err = NewStore(stateDir)
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() {
		os.RemoveAll(stateDir)
		By("Deleting the temp state directory: " + stateDir)
	})

	Context("New", func() {
		When("The state directory does not exist yet", func() {

			It("bootstraps the file on first use", func() {
				freshDir := path.Join(stateDir, "nested", "deeper")

				fresh, err := NewStore(freshDir)
				Expect(err).ToNot(HaveOccurred())

				_, err = fresh.Get(testKey)
				Expect(storage.IsKeyNotFound(err)).To(BeTrue(), "a fresh store should hold nothing")
			})
		})
	})

	Context("Round trips", func() {
		When("A value has been put", func() {

			BeforeEach(func() {
				err = store.Put(testKey, testValue)
				Expect(err).ToNot(HaveOccurred())
			})

			It("gets the same bytes back", func() {
				value, err := store.Get(testKey)
				Expect(err).ToNot(HaveOccurred())
				Expect(value).To(Equal(testValue))
			})

			It("is visible to a second store on the same directory", func() {
				other, err := NewStore(stateDir)
				Expect(err).ToNot(HaveOccurred())

				value, err := other.Get(testKey)
				Expect(err).ToNot(HaveOccurred())
				Expect(value).To(Equal(testValue))
			})

			It("is gone after a delete", func() {
				err = store.Delete(testKey)
				Expect(err).ToNot(HaveOccurred())

				_, err = store.Get(testKey)
				Expect(storage.IsKeyNotFound(err)).To(BeTrue())
			})
		})
	})

	Context("Waiting on other processes", func() {
		When("The key is already present", func() {

			It("returns immediately", func() {
				Expect(store.Put(testKey, testValue)).To(Succeed())

				value, err := store.WaitForKey(context.Background(), testKey)
				Expect(err).ToNot(HaveOccurred())
				Expect(value).To(Equal(testValue))
			})
		})

		When("Another store writes the key later", func() {

			It("wakes up with the value", func() {
				writer, err := NewStore(stateDir)
				Expect(err).ToNot(HaveOccurred())

				go func() {
					defer GinkgoRecover()
					time.Sleep(100 * time.Millisecond)
					Expect(writer.Put(testKey, testValue)).To(Succeed())
				}()

				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()

				value, err := store.WaitForKey(ctx, testKey)
				Expect(err).ToNot(HaveOccurred())
				Expect(value).To(Equal(testValue))
			})
		})

		When("Nobody ever writes the key", func() {

			It("gives up when the context expires", func() {
				ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
				defer cancel()

				_, err := store.WaitForKey(ctx, testKey)
				Expect(err).To(HaveOccurred())
			})
		})
	})
})
