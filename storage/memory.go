package storage

import "sync"

// Memory is a Store for tests and for callers that opted out of persistence.
// Everything in it is gone when the process is.
type Memory struct {
	lock sync.RWMutex
	data map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{
		data: make(map[string][]byte),
	}
}

func (m *Memory) Get(key string) ([]byte, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	value, ok := m.data[key]
	if !ok {
		return nil, &KeyError{Key: key}
	}

	// hand out a copy so callers can't mutate what we hold
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (m *Memory) Put(key string, value []byte) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	m.data[key] = stored
	return nil
}

func (m *Memory) Delete(key string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	delete(m.data, key)
	return nil
}

func (m *Memory) Close() error {
	return nil
}
