package storage

import (
	"errors"
	"fmt"
)

// The KeyError is used when the store is healthy but holds no entry for the
// requested key
type KeyError struct {
	Key string
}

func (e *KeyError) Error() string { return fmt.Sprintf("no entry for key %s", e.Key) }
func (e *KeyError) Unwrap() error { return nil }

// IsKeyNotFound reports whether err means the key simply wasn't there, as
// opposed to the store being broken
func IsKeyNotFound(err error) bool {
	var keyError *KeyError
	return errors.As(err, &keyError)
}
