package dispatch

import (
	"fmt"
	"time"
)

// The QueueFullError is used when the queues are at their ceiling and every
// occupant is Critical or High, so nothing can be evicted to admit more
type QueueFullError struct{}

func (e *QueueFullError) Error() string {
	return "queue is at its ceiling with nothing evictable"
}
func (e *QueueFullError) Unwrap() error { return nil }

// The DuplicateIdError is used when a message id is already present in a
// queue, in flight, or in the failed set
type DuplicateIdError struct {
	Id string
}

func (e *DuplicateIdError) Error() string {
	return fmt.Sprintf("a message with id %s is already tracked", e.Id)
}
func (e *DuplicateIdError) Unwrap() error { return nil }

// The MessageFailedError is used when a message has exhausted its send
// attempts and will never be retried again
type MessageFailedError struct {
	Id       string
	Attempts int
}

func (e *MessageFailedError) Error() string {
	return fmt.Sprintf("message %s failed after %d attempts", e.Id, e.Attempts)
}
func (e *MessageFailedError) Unwrap() error { return nil }

// The ConfirmationTimeoutError is used when a sent message was never
// confirmed inside the confirmation window. The send itself succeeded, so
// the message stays Sent and is not retried.
type ConfirmationTimeoutError struct {
	Id      string
	Timeout time.Duration
}

func (e *ConfirmationTimeoutError) Error() string {
	return fmt.Sprintf("message %s was not confirmed within %s", e.Id, e.Timeout)
}
func (e *ConfirmationTimeoutError) Unwrap() error { return nil }
