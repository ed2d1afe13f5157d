package store

import (
	"sync"

	"github.com/cboydstun/bounce-v3-sub002/internal/queue"
)

// MemoryStore keeps the persisted queue in memory. It backs tests and can be
// scripted to fail writes to exercise the accepted-loss path.
type MemoryStore struct {
	mu      sync.Mutex
	data    []byte
	saves   int
	failErr error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// FailWith makes subsequent Save and Load calls return err (nil restores
// normal behavior).
func (s *MemoryStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

// SaveCount reports how many successful Save calls happened.
func (s *MemoryStore) SaveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *MemoryStore) Load() ([]queue.QueuedAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failErr != nil {
		return nil, s.failErr
	}
	if s.data == nil {
		return nil, nil
	}
	return queue.UnmarshalActions(s.data)
}

func (s *MemoryStore) Save(actions []queue.QueuedAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failErr != nil {
		return s.failErr
	}

	data, err := queue.MarshalActions(actions)
	if err != nil {
		return err
	}
	s.data = data
	s.saves++
	return nil
}

func (s *MemoryStore) Close() error { return nil }
