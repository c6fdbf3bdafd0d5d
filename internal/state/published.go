package state

import (
	"sync"
	"time"

	"github.com/fisaks/relexbox/internal/edge"
)

// PublishedStateStore remembers the last BoxState sent per box so the
// broker only republishes on change or when a heartbeat is due.
type PublishedStateStore interface {
	GetLast(boxName string) (edge.BoxState, time.Time, bool)
	Update(boxName string, state edge.BoxState)
	HasChanged(boxName string, state edge.BoxState) bool
	Clear()
}

type publishedStateStore struct {
	store     map[string]edge.BoxState
	heartbeat map[string]time.Time
	mu        sync.RWMutex
}

func NewPublishedStateStore() PublishedStateStore {
	return &publishedStateStore{
		store:     make(map[string]edge.BoxState),
		heartbeat: make(map[string]time.Time),
	}
}

func (s *publishedStateStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store = make(map[string]edge.BoxState)
	s.heartbeat = make(map[string]time.Time)
}

func (s *publishedStateStore) GetLast(boxName string) (edge.BoxState, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.store[boxName]
	hb, ok2 := s.heartbeat[boxName]
	return st, hb, ok && ok2
}

func (s *publishedStateStore) Update(boxName string, st edge.BoxState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store[boxName] = st
	s.heartbeat[boxName] = time.Now()
}

func (s *publishedStateStore) HasChanged(boxName string, st edge.BoxState) bool {
	last, _, ok := s.GetLast(boxName)
	if !ok {
		return true
	}
	return !boxStateEqual(last, st)
}

func boxStateEqual(a, b edge.BoxState) bool {
	return a.Relays == b.Relays &&
		a.Inputs == b.Inputs &&
		a.Status == b.Status &&
		a.Attempt == b.Attempt
}
