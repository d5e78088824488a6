package session

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"

	"github.com/and161185/safedrop/internal/errs"
	"github.com/and161185/safedrop/internal/model"
)

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store for single-node deployments and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*model.Session // access token -> session
	revoked  map[string]time.Time      // access token -> marker expiry
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*model.Session),
		revoked:  make(map[string]time.Time),
	}
}

func (s *MemoryStore) Start(_ context.Context, link *model.Link, deviceHash []byte) (*model.Session, error) {
	ttl := time.Until(link.ExpiresAt)
	if ttl <= 0 {
		return nil, errs.ErrExpired
	}
	id, err := NewID()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	sess := &model.Session{
		ID:          id,
		AccessToken: link.AccessToken,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		DeviceHash:  deviceHash,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[link.AccessToken] = sess
	return sess, nil
}

func (s *MemoryStore) Validate(_ context.Context, accessToken, sessionID string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if until, ok := s.revoked[accessToken]; ok && time.Now().Before(until) {
		return nil, errs.ErrRevoked
	}
	sess, ok := s.sessions[accessToken]
	if !ok || time.Now().After(sess.ExpiresAt) {
		return nil, errs.ErrSessionInvalid
	}
	if subtle.ConstantTimeCompare([]byte(sess.ID), []byte(sessionID)) != 1 {
		return nil, errs.ErrSessionInvalid
	}
	cpy := *sess
	return &cpy, nil
}

func (s *MemoryStore) Remaining(_ context.Context, accessToken string) (time.Duration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[accessToken]
	if !ok {
		return 0, nil
	}
	left := time.Until(sess.ExpiresAt)
	if left < 0 {
		return 0, nil
	}
	return left, nil
}

func (s *MemoryStore) End(_ context.Context, accessToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, accessToken)
	return nil
}

func (s *MemoryStore) MarkRevoked(_ context.Context, accessToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[accessToken] = time.Now().Add(revokedTTL)
	delete(s.sessions, accessToken)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
