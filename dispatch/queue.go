package dispatch

import (
	"container/list"
	"sort"
)

/*
messageQueue is four FIFO lists, one per priority, sharing a single ceiling
and a message id index. The dispatcher owns it and serializes access with
its own lock; nothing here locks.

Admission at the ceiling evicts the oldest Normal or Low message by
insertion order. Critical and High messages are never auto-evicted, so when
they fill the queue entirely, admission fails instead.
*/
type messageQueue struct {
	lists   [4]*list.List
	index   map[string]*list.Element
	ceiling int
	nextSeq uint64
}

func newMessageQueue(ceiling int) *messageQueue {
	q := &messageQueue{
		index:   make(map[string]*list.Element),
		ceiling: ceiling,
	}
	for p := range q.lists {
		q.lists[p] = list.New()
	}
	return q
}

// push appends to the back of the message's priority queue, evicting the
// oldest Normal or Low occupant if the ceiling requires it
func (q *messageQueue) push(msg *OutboundMessage) (*OutboundMessage, error) {
	evicted, err := q.makeRoom(msg)
	if err != nil {
		return nil, err
	}

	msg.seq = q.nextSeq
	q.nextSeq++
	q.index[msg.Message.Id] = q.lists[msg.Priority].PushBack(msg)
	return evicted, nil
}

// pushFront is the retry path: the message goes back at the head of its
// priority queue, keeping its original seq so eviction still sees its true
// age
func (q *messageQueue) pushFront(msg *OutboundMessage) (*OutboundMessage, error) {
	evicted, err := q.makeRoom(msg)
	if err != nil {
		return nil, err
	}

	q.index[msg.Message.Id] = q.lists[msg.Priority].PushFront(msg)
	return evicted, nil
}

func (q *messageQueue) makeRoom(msg *OutboundMessage) (*OutboundMessage, error) {
	if _, ok := q.index[msg.Message.Id]; ok {
		return nil, &DuplicateIdError{Id: msg.Message.Id}
	}

	if q.ceiling <= 0 || q.len() < q.ceiling {
		return nil, nil
	}

	evicted := q.evictOldest()
	if evicted == nil {
		return nil, &QueueFullError{}
	}
	return evicted, nil
}

// evictOldest drops whichever of the Normal and Low queue heads entered
// first
func (q *messageQueue) evictOldest() *OutboundMessage {
	var victim *list.Element
	for _, p := range []Priority{Normal, Low} {
		front := q.lists[p].Front()
		if front == nil {
			continue
		}
		if victim == nil || front.Value.(*OutboundMessage).seq < victim.Value.(*OutboundMessage).seq {
			victim = front
		}
	}

	if victim == nil {
		return nil
	}

	msg := victim.Value.(*OutboundMessage)
	q.lists[msg.Priority].Remove(victim)
	delete(q.index, msg.Message.Id)
	return msg
}

// popFront returns the first message of the highest non-empty priority, or
// nil when everything is drained
func (q *messageQueue) popFront() *OutboundMessage {
	for _, p := range priorities {
		front := q.lists[p].Front()
		if front == nil {
			continue
		}

		msg := front.Value.(*OutboundMessage)
		q.lists[p].Remove(front)
		delete(q.index, msg.Message.Id)
		return msg
	}
	return nil
}

func (q *messageQueue) remove(id string) bool {
	element, ok := q.index[id]
	if !ok {
		return false
	}

	msg := element.Value.(*OutboundMessage)
	q.lists[msg.Priority].Remove(element)
	delete(q.index, id)
	return true
}

func (q *messageQueue) contains(id string) bool {
	_, ok := q.index[id]
	return ok
}

func (q *messageQueue) len() int {
	return len(q.index)
}

func (q *messageQueue) lenOf(p Priority) int {
	return q.lists[p].Len()
}

// snapshot copies every queued message in insertion order
func (q *messageQueue) snapshot() []OutboundMessage {
	out := make([]OutboundMessage, 0, q.len())
	for _, l := range q.lists {
		for element := l.Front(); element != nil; element = element.Next() {
			out = append(out, *element.Value.(*OutboundMessage))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (q *messageQueue) clear() int {
	cleared := q.len()
	for p := range q.lists {
		q.lists[p] = list.New()
	}
	q.index = make(map[string]*list.Element)
	return cleared
}
