package session

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/and161185/safedrop/internal/errs"
	"github.com/and161185/safedrop/internal/model"
)

var _ Store = (*RedisStore)(nil)

// RedisStore keeps sessions in Redis with TTL-scoped keys. Losing Redis loses
// only the single-viewer guarantee, never access control.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects and verifies the connection.
func NewRedisStore(opts *redis.Options) (*RedisStore, error) {
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
	}
	return &RedisStore{client: client}, nil
}

// Start creates a session under the token key. A plain SET replaces any prior
// session atomically; two rapid creations race last-writer-wins, which is
// acceptable because the durable checks stay authoritative.
func (r *RedisStore) Start(ctx context.Context, link *model.Link, deviceHash []byte) (*model.Session, error) {
	ttl := time.Until(link.ExpiresAt)
	if ttl <= 0 {
		return nil, errs.ErrExpired
	}

	id, err := NewID()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	s := &model.Session{
		ID:          id,
		AccessToken: link.AccessToken,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		DeviceHash:  deviceHash,
	}
	data, err := encode(s)
	if err != nil {
		return nil, err
	}
	if err := r.client.Set(ctx, sessionKey(link.AccessToken), data, ttl).Err(); err != nil {
		return nil, wrapUnavailable(err)
	}
	return s, nil
}

// Validate checks the revocation marker first, then the session identity.
func (r *RedisStore) Validate(ctx context.Context, accessToken, sessionID string) (*model.Session, error) {
	revoked, err := r.client.Exists(ctx, revokedKey(accessToken)).Result()
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	if revoked > 0 {
		return nil, errs.ErrRevoked
	}

	data, err := r.client.Get(ctx, sessionKey(accessToken)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errs.ErrSessionInvalid
		}
		return nil, wrapUnavailable(err)
	}
	s, err := decode(data)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(s.ID), []byte(sessionID)) != 1 {
		return nil, errs.ErrSessionInvalid
	}
	return s, nil
}

// Remaining reports the TTL left on the session key.
func (r *RedisStore) Remaining(ctx context.Context, accessToken string) (time.Duration, error) {
	ttl, err := r.client.TTL(ctx, sessionKey(accessToken)).Result()
	if err != nil {
		return 0, wrapUnavailable(err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// End removes the active session.
func (r *RedisStore) End(ctx context.Context, accessToken string) error {
	if err := r.client.Del(ctx, sessionKey(accessToken)).Err(); err != nil {
		return wrapUnavailable(err)
	}
	return nil
}

// MarkRevoked sets the marker with its safety-net TTL and drops the session.
func (r *RedisStore) MarkRevoked(ctx context.Context, accessToken string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, revokedKey(accessToken), "1", revokedTTL)
		pipe.Del(ctx, sessionKey(accessToken))
		return nil
	})
	if err != nil {
		return wrapUnavailable(err)
	}
	return nil
}

// Close shuts down the client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// Helpers

func sessionKey(token string) string { return "session:" + token }
func revokedKey(token string) string { return "revoked:" + token }

func wrapUnavailable(err error) error {
	return fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
}

func encode(s *model.Session) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte) (*model.Session, error) {
	var s model.Session
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return nil, err
	}
	return &s, nil
}
