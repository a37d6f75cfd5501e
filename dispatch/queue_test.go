package dispatch

import (
	"time"

	ginkgo "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/parleychat/relaykit/chat"
)

var _ = ginkgo.Describe("Message queue", func() {
	var q *messageQueue

	outbound := func(id string, priority Priority) *OutboundMessage {
		return &OutboundMessage{
			Message:  chat.Message{Id: id, Type: chat.Text, Content: id},
			Priority: priority,
			Status:   Pending,
		}
	}

	popOrder := func() []string {
		order := make([]string, 0, q.len())
		for msg := q.popFront(); msg != nil; msg = q.popFront() {
			order = append(order, msg.Message.Id)
		}
		return order
	}

	ginkgo.Context("Ordering", func() {
		ginkgo.BeforeEach(func() {
			q = newMessageQueue(10)
		})

		ginkgo.It("drains strictly by priority", func() {
			for _, m := range []*OutboundMessage{
				outbound("low", Low),
				outbound("critical", Critical),
				outbound("normal", Normal),
				outbound("high", High),
			} {
				_, err := q.push(m)
				Expect(err).ToNot(HaveOccurred())
			}

			Expect(popOrder()).To(Equal([]string{"critical", "high", "normal", "low"}))
		})

		ginkgo.It("is FIFO within one priority", func() {
			for _, id := range []string{"first", "second", "third"} {
				_, err := q.push(outbound(id, Normal))
				Expect(err).ToNot(HaveOccurred())
			}

			Expect(popOrder()).To(Equal([]string{"first", "second", "third"}))
		})

		ginkgo.It("puts retried messages at the head of their priority", func() {
			q.push(outbound("first", Normal))
			q.push(outbound("second", Normal))

			retried := q.popFront()
			Expect(retried.Message.Id).To(Equal("first"))

			_, err := q.pushFront(retried)
			Expect(err).ToNot(HaveOccurred())

			Expect(popOrder()).To(Equal([]string{"first", "second"}))
		})

		ginkgo.It("rejects ids it already holds", func() {
			q.push(outbound("dup", Normal))

			_, err := q.push(outbound("dup", Critical))
			Expect(err).To(BeAssignableToTypeOf(&DuplicateIdError{}))
		})
	})

	ginkgo.Context("Ceiling", func() {
		ginkgo.BeforeEach(func() {
			q = newMessageQueue(3)
		})

		ginkgo.It("evicts the oldest Normal or Low by insertion order", func() {
			q.push(outbound("low1", Low))
			q.push(outbound("normal1", Normal))
			q.push(outbound("low2", Low))

			evicted, err := q.push(outbound("normal2", Normal))
			Expect(err).ToNot(HaveOccurred())
			Expect(evicted).ToNot(BeNil())
			Expect(evicted.Message.Id).To(Equal("low1"), "low1 entered first so it should go first")

			Expect(q.len()).To(Equal(3))
			Expect(popOrder()).To(Equal([]string{"normal1", "normal2", "low2"}))
		})

		ginkgo.It("never evicts Critical or High", func() {
			q.push(outbound("c1", Critical))
			q.push(outbound("c2", Critical))
			q.push(outbound("h1", High))

			_, err := q.push(outbound("c3", Critical))
			Expect(err).To(BeAssignableToTypeOf(&QueueFullError{}))
			Expect(q.len()).To(Equal(3))
		})

		ginkgo.It("admits a Critical by evicting a Low", func() {
			q.push(outbound("low1", Low))
			q.push(outbound("c1", Critical))
			q.push(outbound("c2", Critical))

			evicted, err := q.push(outbound("c3", Critical))
			Expect(err).ToNot(HaveOccurred())
			Expect(evicted.Message.Id).To(Equal("low1"))
		})
	})

	ginkgo.Context("Bookkeeping", func() {
		ginkgo.BeforeEach(func() {
			q = newMessageQueue(10)
			q.push(outbound("a", Critical))
			q.push(outbound("b", Normal))
		})

		ginkgo.It("tracks membership and depth", func() {
			Expect(q.contains("a")).To(BeTrue())
			Expect(q.contains("zzz")).To(BeFalse())
			Expect(q.len()).To(Equal(2))
			Expect(q.lenOf(Critical)).To(Equal(1))
			Expect(q.lenOf(Low)).To(Equal(0))
		})

		ginkgo.It("removes by id", func() {
			Expect(q.remove("a")).To(BeTrue())
			Expect(q.remove("a")).To(BeFalse())
			Expect(q.len()).To(Equal(1))
		})

		ginkgo.It("snapshots in insertion order across priorities", func() {
			q.push(outbound("c", Low))

			snapshot := q.snapshot()
			ids := make([]string, 0, len(snapshot))
			for _, m := range snapshot {
				ids = append(ids, m.Message.Id)
			}
			Expect(ids).To(Equal([]string{"a", "b", "c"}))
		})

		ginkgo.It("clears everything at once", func() {
			Expect(q.clear()).To(Equal(2))
			Expect(q.len()).To(Equal(0))
			Expect(q.popFront()).To(BeNil())
		})
	})
})

var _ = ginkgo.Describe("Retry delay", func() {
	ginkgo.It("grows by the backoff factor per attempt", func() {
		Expect(retryDelay(time.Second, 2.0, 1)).To(Equal(time.Second))
		Expect(retryDelay(time.Second, 2.0, 2)).To(Equal(2 * time.Second))
		Expect(retryDelay(time.Second, 2.0, 3)).To(Equal(4 * time.Second))
	})

	ginkgo.It("treats a missing factor as flat", func() {
		Expect(retryDelay(time.Second, 0, 3)).To(Equal(time.Second))
	})
})
