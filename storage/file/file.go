/*
The file package backs a storage.Store with a single json file beside a lock
file. Other local processes (a second tab, the relayctl CLI) read and write
the same file, so every access goes through the file lock. The store can also
watch the file and wake up a caller the moment some other process writes the
key it is waiting on.
*/
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"github.com/parleychat/relaykit/storage"
)

const (
	stateFileName     = "relaykit.json"
	stateFileLockName = "relaykit.lock"
)

type Store struct {
	statePath string
	fileLock  *flock.Flock
}

func NewStore(stateDir string) (*Store, error) {
	statePath := path.Join(stateDir, stateFileName)

	// check if file exists
	if _, err := os.Stat(statePath); os.IsNotExist(err) {

		// create our directory, if it doesn't exist
		if err := os.MkdirAll(stateDir, os.ModePerm); err != nil {
			return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
		}

		// create our file
		if _, err := os.Create(statePath); err != nil {
			return nil, fmt.Errorf("failed to create state file %s: %w", statePath, err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to get file system information on our state file %s: %w", statePath, err)
	}

	return &Store{
		statePath: statePath,
		fileLock:  flock.New(path.Join(stateDir, stateFileLockName)),
	}, nil
}

func (s *Store) Get(key string) ([]byte, error) {
	if err := s.acquireLock(); err != nil {
		return nil, err
	}
	defer s.fileLock.Unlock()

	state, err := s.load()
	if err != nil {
		return nil, err
	}

	value, ok := state[key]
	if !ok {
		return nil, &storage.KeyError{Key: key}
	}
	return value, nil
}

func (s *Store) Put(key string, value []byte) error {
	if err := s.acquireLock(); err != nil {
		return err
	}
	defer s.fileLock.Unlock()

	state, err := s.load()
	if err != nil {
		return err
	}

	state[key] = value
	return s.save(state)
}

func (s *Store) Delete(key string) error {
	if err := s.acquireLock(); err != nil {
		return err
	}
	defer s.fileLock.Unlock()

	state, err := s.load()
	if err != nil {
		return err
	}

	delete(state, key)
	return s.save(state)
}

func (s *Store) Close() error {
	return nil
}

// WaitForKey blocks until the key shows up in the state file, another process
// presumably having written it, or ctx expires
func (s *Store) WaitForKey(ctx context.Context, key string) ([]byte, error) {
	// the key may already be there
	if value, err := s.Get(key); err == nil {
		return value, nil
	} else if !storage.IsKeyNotFound(err) {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("error starting new file watcher: %w", err)
	}
	defer watcher.Close()

	type result struct {
		value []byte
		err   error
	}

	done := make(chan result)
	go func() {
		done <- func() result {
			for {
				select {
				case <-ctx.Done():
					return result{err: fmt.Errorf("context cancelled while waiting for key %s", key)}
				case event, ok := <-watcher.Events:
					if !ok {
						return result{err: fmt.Errorf("file watcher closed events channel")}
					}

					if event.Op&fsnotify.Write == fsnotify.Write {
						if value, err := s.Get(key); err == nil {
							return result{value: value}
						}
					}
				case err, ok := <-watcher.Errors:
					if !ok {
						return result{err: fmt.Errorf("file watcher closed errors channel")}
					}
					return result{err: fmt.Errorf("file watcher caught error: %w", err)}
				}
			}
		}()
	}()

	if err := watcher.Add(s.statePath); err != nil {
		return nil, fmt.Errorf("unable to watch state file %s: %w", s.statePath, err)
	}

	res := <-done
	return res.value, res.err
}

// acquireLock spins on the file lock so we're not reading or writing at the
// same time as another process
func (s *Store) acquireLock() error {
	for {
		if acquiredLock, err := s.fileLock.TryLock(); err != nil {
			return fmt.Errorf("error acquiring lock: %w", err)
		} else if acquiredLock {
			return nil
		}
	}
}

// values are kept base64 encoded inside the json file so any blob is safe
// to store
func (s *Store) load() (map[string][]byte, error) {
	raw, err := os.ReadFile(s.statePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read state file %s: %w", s.statePath, err)
	}

	state := make(map[string][]byte)
	if len(raw) == 0 {
		return state, nil
	}

	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("failed to parse state file %s: %w", s.statePath, err)
	}
	return state, nil
}

func (s *Store) save(state map[string][]byte) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}

	// overwrite the entire file every time
	if err := os.WriteFile(s.statePath, raw, 0644); err != nil {
		return fmt.Errorf("failed to write state file %s: %w", s.statePath, err)
	}
	return nil
}
