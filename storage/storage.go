/*
The storage package is where the client keeps the small amount of state that
must outlive a process: queued messages that were never sent, cached
conversation data, and the session handle itself. Implementations range from
a throwaway in-memory map to a json file shared with other local processes
to a sqlite database.
*/
package storage

// Store is a small key/value surface. Values are opaque blobs and callers do
// their own marshalling.
type Store interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
	Close() error
}

// The keys the client persists under, shared here so separate processes
// agree on them
const (
	DispatchStateKey = "relay:dispatch:state"
	CacheStateKey    = "relay:cache:state"
	SessionKey       = "relay:session"
)
