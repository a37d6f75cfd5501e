package dispatch

import (
	"fmt"

	"github.com/parleychat/relaykit/chat"
)

// Priority orders messages across the four queues. Lower values drain first.
type Priority int

const (
	Critical Priority = iota
	High
	Normal
	Low
)

// priorities in drain order
var priorities = []Priority{Critical, High, Normal, Low}

func (p Priority) String() string {
	switch p {
	case Critical:
		return "critical"
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

type Status string

const (
	// waiting in a queue
	Pending Status = "pending"

	// handed to the connection pool, outcome unknown
	Sending Status = "sending"

	// accepted by the transport, awaiting confirmation
	Sent Status = "sent"

	// confirmed by the backend
	Delivered Status = "delivered"

	// confirmed read by a human
	Read Status = "read"

	// attempts exhausted, terminal
	Failed Status = "failed"

	// evicted from a full queue before it was ever sent, terminal
	Expired Status = "expired"
)

// OutboundMessage is a chat message plus everything the dispatcher needs to
// get it delivered: its queue priority, lifecycle status, and attempt count.
type OutboundMessage struct {
	Message   chat.Message `json:"message"`
	Priority  Priority     `json:"priority"`
	Status    Status       `json:"status"`
	Attempts  int          `json:"attempts"`
	CreatedAt int64        `json:"createdAt"`
	LastError string       `json:"lastError,omitempty"`

	// insertion order across all four queues, used to find the oldest
	// evictable message
	seq uint64
}
