package connection

import (
	"fmt"
	"time"
)

// The ConnectionTimeoutError is used when the primary connection fails to
// open within the configured connect timeout. It is surfaced directly to the
// Connect caller; no retry happens behind it.
type ConnectionTimeoutError struct {
	Endpoint string
	Timeout  time.Duration
}

func (e *ConnectionTimeoutError) Error() string {
	return fmt.Sprintf("connection to %s did not open within %s", e.Endpoint, e.Timeout)
}

func (e *ConnectionTimeoutError) Unwrap() error { return nil }

// The ConnectionLostError is used when an established connection drops
// unexpectedly. It drives the reconnection policy and is not surfaced unless
// the retry budget is exhausted.
type ConnectionLostError struct {
	ConnectionId string
	Cause        error
}

func (e *ConnectionLostError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("connection %s lost", e.ConnectionId)
	}
	return fmt.Sprintf("connection %s lost: %s", e.ConnectionId, e.Cause)
}

func (e *ConnectionLostError) Unwrap() error { return e.Cause }

// The ConnectionExhaustedError is used when automatic reconnection has used
// up its attempt budget. It is terminal: nothing reconnects until Connect is
// called again explicitly.
type ConnectionExhaustedError struct {
	Attempts int
}

func (e *ConnectionExhaustedError) Error() string {
	return fmt.Sprintf("gave up reconnecting after %d attempts", e.Attempts)
}

func (e *ConnectionExhaustedError) Unwrap() error { return nil }

// The SendUnavailableError is used when neither the primary nor any backup
// connection could accept a message. The message is handed back to the
// caller unsent; the dispatcher re-queues it.
type SendUnavailableError struct {
	MessageId string
}

func (e *SendUnavailableError) Error() string {
	return fmt.Sprintf("no connection available to send message %s", e.MessageId)
}

func (e *SendUnavailableError) Unwrap() error { return nil }

// The ClosedError is used for operations arriving after an explicit Destroy
type ClosedError struct{}

func (e *ClosedError) Error() string { return "connection manager is closed" }

func (e *ClosedError) Unwrap() error { return nil }
