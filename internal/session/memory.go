package session

import (
	"context"
	"fmt"
	"sync"
)

type MemoryStore struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]Session
	// expired holds ids reaped by Create that Reap has not reported yet.
	expired []string
}

func NewMemoryStore(cfg Config) *MemoryStore {
	return &MemoryStore{
		cfg:      cfg.withDefaults(),
		sessions: make(map[string]Session),
	}
}

func (s *MemoryStore) Create(ctx context.Context) (Session, error) {
	now := s.cfg.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.MaxSessions > 0 && len(s.sessions) >= s.cfg.MaxSessions {
		s.expired = append(s.expired, s.reapLocked()...)
		if len(s.sessions) >= s.cfg.MaxSessions {
			return Session{}, ErrTooManySessions
		}
	}

	sess := Session{ID: newID(), CreatedAt: now, ExpiresAt: now.Add(s.cfg.TTL)}
	if _, dup := s.sessions[sess.ID]; dup {
		return Session{}, fmt.Errorf("session id collision %q", sess.ID)
	}
	s.sessions[sess.ID] = sess
	return sess, nil
}

func (s *MemoryStore) Find(ctx context.Context, id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveLocked(id)
}

func (s *MemoryStore) Touch(ctx context.Context, id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.liveLocked(id)
	if err != nil {
		return Session{}, err
	}
	sess.ExpiresAt = s.cfg.Now().Add(s.cfg.TTL)
	s.sessions[id] = sess
	return sess, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(s.sessions, id)
	return nil
}

func (s *MemoryStore) Reap(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expired := append(s.expired, s.reapLocked()...)
	s.expired = nil
	return expired, nil
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *MemoryStore) Close() error { return nil }

// liveLocked treats expired sessions as missing. They stay in the map until
// Reap so their ids are still reported.
func (s *MemoryStore) liveLocked(id string) (Session, error) {
	sess, ok := s.sessions[id]
	if !ok || !s.cfg.Now().Before(sess.ExpiresAt) {
		return Session{}, ErrNotFound
	}
	return sess, nil
}

func (s *MemoryStore) reapLocked() []string {
	now := s.cfg.Now()
	var expired []string
	for id, sess := range s.sessions {
		if !now.Before(sess.ExpiresAt) {
			delete(s.sessions, id)
			expired = append(expired, id)
		}
	}
	return expired
}
