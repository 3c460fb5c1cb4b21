// Package memorystore provides the default in-memory sessions.Store for
// single-process deployments.
package memorystore

import (
	"context"
	"sync"

	"github.com/agentic-flow/toolrpc-go/sessions"
)

// Store is an in-memory implementation of sessions.Store.
type Store struct {
	mu   sync.RWMutex
	byID map[string]sessions.Session
}

var _ sessions.Store = (*Store)(nil)

func New() *Store {
	return &Store{byID: make(map[string]sessions.Session)}
}

// Put stores a copy of the session so callers cannot mutate shared state.
func (s *Store) Put(ctx context.Context, sess *sessions.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[sess.ID] = *sess
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*sessions.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.byID[id]
	if !ok {
		return nil, sessions.ErrSessionNotFound
	}
	copy := sess
	return &copy, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
	return nil
}

func (s *Store) List(ctx context.Context) ([]*sessions.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*sessions.Session, 0, len(s.byID))
	for _, sess := range s.byID {
		copy := sess
		out = append(out, &copy)
	}
	return out, nil
}
