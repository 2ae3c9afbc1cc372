// Package store holds the single authoritative view state record.
package store

import (
	"sync"

	"diffview/shared/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type subscriber struct {
	id string
	fn func()
}

// Store owns one ViewState record, replaced wholesale on every change.
// There is no partial-field update API; every mutation site constructs a
// full next state from the current one.
type Store struct {
	mu     sync.RWMutex
	state  shared.ViewState
	subs   []subscriber
	logger *zap.Logger
}

func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		state:  shared.DefaultViewState(),
		logger: logger,
	}
}

// GetState returns the current state record. Maps inside the record are
// read-only by convention; writers copy before mutating.
func (s *Store) GetState() shared.ViewState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetState atomically replaces the entire state record, then synchronously
// notifies subscribers in registration order. Subscribers re-read via
// GetState; the notification carries no payload.
func (s *Store) SetState(next shared.ViewState) {
	s.mu.Lock()
	s.state = next
	subs := make([]subscriber, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.fn()
	}
}

// Subscribe registers an updated-callback and returns its removal handle.
func (s *Store) Subscribe(fn func()) shared.Disposable {
	id := uuid.New().String()

	s.mu.Lock()
	s.subs = append(s.subs, subscriber{id: id, fn: fn})
	s.mu.Unlock()

	return shared.DisposeFunc(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				return
			}
		}
	})
}

// Reset replaces the state with construction defaults.
func (s *Store) Reset() {
	s.logger.Debug("resetting view state")
	s.SetState(shared.DefaultViewState())
}
