package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/safedrop/internal/crypto"
	"github.com/and161185/safedrop/internal/errs"
	"github.com/and161185/safedrop/internal/model"
	"github.com/and161185/safedrop/internal/repository"
	"github.com/and161185/safedrop/internal/session"
)

// DecryptedAttachment is an attachment opened for a live, authorized session.
type DecryptedAttachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// AccessService reconciles the durable record with the ephemeral session on
// every read. The durable store is ground truth; the cache only adds the
// single-viewer guarantee.
type AccessService interface {
	// Authorize makes the full access decision for a presented session.
	Authorize(ctx context.Context, accessToken, sessionID string) (*model.Link, error)
	// Retrieve decrypts the payload of an already-authorized link.
	Retrieve(ctx context.Context, link *model.Link) (model.PII, error)
	// RetrieveMasked returns the payload with contact fields masked.
	RetrieveMasked(ctx context.Context, link *model.Link) (model.PII, error)
	// RetrieveAttachments decrypts all attachments of an authorized link.
	RetrieveAttachments(ctx context.Context, link *model.Link) ([]DecryptedAttachment, error)
	// Remaining reports the conservative remaining validity: the minimum of
	// the durable expiry and the cache-reported session TTL.
	Remaining(ctx context.Context, link *model.Link) time.Duration
	// EndSession drops the ephemeral session and records the close reason.
	EndSession(ctx context.Context, accessToken string, reason model.CloseReason)
}

type AccessServiceImpl struct {
	links    repository.LinkRepository
	audits   repository.AuditRepository
	keys     *crypto.Keyring
	sessions session.Store // nil when the cache is disabled
	log      *zap.Logger
}

// NewAccessService constructs AccessService. sessions may be nil; the
// reconciler then runs durable-only (documented availability tradeoff).
func NewAccessService(
	links repository.LinkRepository,
	audits repository.AuditRepository,
	keys *crypto.Keyring,
	sessions session.Store,
	log *zap.Logger,
) *AccessServiceImpl {
	return &AccessServiceImpl{links: links, audits: audits, keys: keys, sessions: sessions, log: log}
}

// Authorize re-reads the durable link and re-evaluates expiry and revocation
// on every call, even when a cached session claims to be active. Server clock
// only; client-supplied time is never trusted.
func (s *AccessServiceImpl) Authorize(ctx context.Context, accessToken, sessionID string) (*model.Link, error) {
	link, err := s.links.GetByAccessToken(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	switch {
	case link.Revoked:
		return nil, errs.ErrRevoked
	case link.Expired(time.Now()):
		return nil, errs.ErrExpired
	case !link.Used:
		return nil, errs.ErrNotVerified
	}

	if s.sessions == nil {
		return link, nil
	}
	if _, err := s.sessions.Validate(ctx, accessToken, sessionID); err != nil {
		if errors.Is(err, errs.ErrStoreUnavailable) {
			// Degrade to durable-only checks: availability preserved, the
			// single-viewer guarantee is temporarily not enforced.
			s.log.Warn("session store unavailable, durable checks only", zap.Error(err))
			return link, nil
		}
		return nil, err
	}
	return link, nil
}

// Retrieve decrypts and parses the payload, verifying the integrity hash.
func (s *AccessServiceImpl) Retrieve(ctx context.Context, link *model.Link) (model.PII, error) {
	payload, err := s.links.GetPayload(ctx, link.ID)
	if err != nil {
		return model.PII{}, err
	}
	plaintext, err := s.keys.Decrypt(crypto.Encrypted{
		IV:         payload.IV,
		AuthTag:    payload.AuthTag,
		Ciphertext: payload.Ciphertext,
	})
	if err != nil {
		return model.PII{}, err
	}
	if !bytes.Equal(crypto.IntegrityHash(plaintext), payload.IntegrityHash) {
		return model.PII{}, fmt.Errorf("%w: integrity hash mismatch", errs.ErrDecryption)
	}
	var pii model.PII
	if err := json.Unmarshal(plaintext, &pii); err != nil {
		return model.PII{}, fmt.Errorf("%w: %v", errs.ErrDecryption, err)
	}
	return pii, nil
}

// RetrieveMasked is the default read path: only a live streaming session
// ever sees unmasked data.
func (s *AccessServiceImpl) RetrieveMasked(ctx context.Context, link *model.Link) (model.PII, error) {
	pii, err := s.Retrieve(ctx, link)
	if err != nil {
		return model.PII{}, err
	}
	return MaskPII(pii), nil
}

// RetrieveAttachments decrypts every attachment under its own IV and tag.
func (s *AccessServiceImpl) RetrieveAttachments(ctx context.Context, link *model.Link) ([]DecryptedAttachment, error) {
	atts, err := s.links.ListAttachments(ctx, link.ID)
	if err != nil {
		return nil, err
	}
	out := make([]DecryptedAttachment, 0, len(atts))
	for i := range atts {
		a := &atts[i]
		data, err := s.keys.Decrypt(crypto.Encrypted{IV: a.IV, AuthTag: a.AuthTag, Ciphertext: a.Ciphertext})
		if err != nil {
			return nil, err
		}
		out = append(out, DecryptedAttachment{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Data:        data,
		})
	}
	return out, nil
}

// Remaining takes the minimum of the durable remaining validity and the
// cache-reported session TTL. The more conservative bound always wins.
func (s *AccessServiceImpl) Remaining(ctx context.Context, link *model.Link) time.Duration {
	durable := time.Until(link.ExpiresAt)
	if durable < 0 {
		return 0
	}
	if s.sessions == nil {
		return durable
	}
	cached, err := s.sessions.Remaining(ctx, link.AccessToken)
	if err != nil {
		return durable
	}
	if cached > 0 && cached < durable {
		return cached
	}
	return durable
}

// EndSession drops the cache record and best-effort writes a session-end
// audit entry classified by reason.
func (s *AccessServiceImpl) EndSession(ctx context.Context, accessToken string, reason model.CloseReason) {
	if s.sessions != nil {
		if err := s.sessions.End(ctx, accessToken); err != nil {
			s.log.Warn("session end failed", zap.Error(err))
		}
	}
	link, err := s.links.GetByAccessToken(ctx, accessToken)
	if err != nil {
		return
	}
	if err := s.audits.Append(ctx, &link.ID, model.AuditSessionEnded, string(reason)); err != nil {
		s.log.Warn("audit append failed", zap.Error(err))
	}
}
