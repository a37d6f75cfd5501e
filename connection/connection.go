/*
This package defines the shared vocabulary of the connection layer: the
role and state of a pooled connection, the per-connection network metrics,
the typed connection errors, and the Manager interface the dispatcher and
client consume. The concrete pooled implementation lives in connection/pool.
*/
package connection

import (
	"context"
	"time"

	"github.com/parleychat/relaykit/chat"
	"github.com/parleychat/relaykit/connection/messenger/chatwire"
)

// Role of a pooled connection. At most one connection holds Primary at a time.
type Role string

const (
	Primary Role = "primary"
	Backup  Role = "backup"
)

// State of a pooled connection. Closed is terminal and only reached by an
// explicit Destroy; every other transition is automatic.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
	Reconnecting State = "reconnecting"
	Closed       State = "closed"
)

// Info is a read-only snapshot of one pooled connection
type Info struct {
	Id      string         `json:"id"`
	Role    Role           `json:"role"`
	State   State          `json:"state"`
	Metrics NetworkMetrics `json:"metrics"`
}

type Manager interface {
	Connect(ctx context.Context) error
	Send(message chat.Message) error
	SendReceipt(receipt chatwire.ReceiptPayload) error
	Inbound() <-chan *chatwire.Frame
	State() State
	Ready() bool
	Metrics() NetworkMetrics
	Connections() []Info
	Done() <-chan struct{}
	Err() error
	Destroy(timeout time.Duration)
}

// Sender is the narrow surface the dispatcher sends through
type Sender interface {
	Send(message chat.Message) error
}
