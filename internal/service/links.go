// Package service contains application services for the link lifecycle and
// access decisions.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/safedrop/internal/crypto"
	"github.com/and161185/safedrop/internal/errs"
	"github.com/and161185/safedrop/internal/limiter"
	"github.com/and161185/safedrop/internal/model"
	"github.com/and161185/safedrop/internal/notify"
	"github.com/and161185/safedrop/internal/repository"
	"github.com/and161185/safedrop/internal/session"
)

// AttachmentInput is one file supplied at creation time, plaintext.
type AttachmentInput struct {
	Filename    string
	ContentType string
	Data        []byte
}

// CreateInput collects everything needed to create a link.
type CreateInput struct {
	PII         model.PII
	TTL         time.Duration
	Purpose     model.Purpose
	NotifyTo    string
	Attachments []AttachmentInput
}

// CreateResult returns the credentials for both parties.
type CreateResult struct {
	AccessToken string
	OwnerToken  string
	// Code is the plaintext one-time code, intended for out-of-band delivery.
	// It is never stored and never shown again.
	Code      string
	ExpiresAt time.Time
}

// Limits bounds creation input. Zero values are replaced by defaults.
type Limits struct {
	MinTTL            time.Duration
	MaxTTL            time.Duration
	AttemptCeiling    int
	MaxAttachmentSize int64
	MaxTotalSize      int64
	AllowedTypes      []string
}

// LinkService defines the owner- and recipient-facing link lifecycle.
type LinkService interface {
	// Create encrypts the data and stores the link transactionally.
	Create(ctx context.Context, in CreateInput) (CreateResult, error)
	// Verify runs the one-time-code state machine and opens a viewing session.
	Verify(ctx context.Context, accessToken, code, ip string, deviceHash []byte) (*model.Session, error)
	// Revoke is the owner kill switch. Fails with errs.ErrRevoked if already revoked.
	Revoke(ctx context.Context, ownerToken string, purge bool) error
	// Status reports flags and timestamps to the owner, never PII.
	Status(ctx context.Context, ownerToken string) (model.LinkStatus, error)
	// Cleanup purges expired-or-revoked links. Safe to invoke repeatedly.
	Cleanup(ctx context.Context) (int, error)
}

type LinkServiceImpl struct {
	links    repository.LinkRepository
	audits   repository.AuditRepository
	keys     *crypto.Keyring
	sessions session.Store // nil when the cache is disabled
	lim      limiter.Limiter
	notifier notify.Notifier
	limits   Limits
	// failClosedVerify rejects verification when the limiter backend is down.
	failClosedVerify bool
	log              *zap.Logger
}

// NewLinkService constructs LinkService with required dependencies.
// sessions may be nil: the cache is an optimization, not a requirement.
func NewLinkService(
	links repository.LinkRepository,
	audits repository.AuditRepository,
	keys *crypto.Keyring,
	sessions session.Store,
	lim limiter.Limiter,
	notifier notify.Notifier,
	limits Limits,
	failClosedVerify bool,
	log *zap.Logger,
) *LinkServiceImpl {
	if limits.AttemptCeiling <= 0 {
		limits.AttemptCeiling = 5
	}
	return &LinkServiceImpl{
		links:            links,
		audits:           audits,
		keys:             keys,
		sessions:         sessions,
		lim:              lim,
		notifier:         notifier,
		limits:           limits,
		failClosedVerify: failClosedVerify,
		log:              log,
	}
}

// Create validates input, seals payload and attachments under independent
// IVs, and persists everything in one transaction.
func (s *LinkServiceImpl) Create(ctx context.Context, in CreateInput) (CreateResult, error) {
	if err := s.validateCreate(&in); err != nil {
		return CreateResult{}, err
	}

	accessToken, err := crypto.GenerateAccessToken()
	if err != nil {
		return CreateResult{}, err
	}
	ownerToken, err := crypto.GenerateOwnerToken()
	if err != nil {
		return CreateResult{}, err
	}
	code, err := crypto.GenerateOneTimeCode()
	if err != nil {
		return CreateResult{}, err
	}

	plaintext, err := json.Marshal(in.PII)
	if err != nil {
		return CreateResult{}, err
	}
	enc, err := s.keys.Encrypt(plaintext)
	if err != nil {
		return CreateResult{}, err
	}

	linkID, err := uuid.NewV4()
	if err != nil {
		return CreateResult{}, err
	}
	payloadID, err := uuid.NewV4()
	if err != nil {
		return CreateResult{}, err
	}

	link := &model.Link{
		ID:          linkID,
		AccessToken: accessToken,
		OwnerToken:  ownerToken,
		OTPHash:     s.keys.HashOneTimeCode(code),
		ExpiresAt:   time.Now().Add(in.TTL),
		Purpose:     in.Purpose,
		NotifyTo:    in.NotifyTo,
	}
	payload := &model.Payload{
		ID:            payloadID,
		LinkID:        linkID,
		IV:            enc.IV,
		AuthTag:       enc.AuthTag,
		Ciphertext:    enc.Ciphertext,
		IntegrityHash: crypto.IntegrityHash(plaintext),
	}

	atts := make([]model.Attachment, 0, len(in.Attachments))
	for _, a := range in.Attachments {
		encAtt, err := s.keys.Encrypt(a.Data)
		if err != nil {
			return CreateResult{}, err
		}
		attID, err := uuid.NewV4()
		if err != nil {
			return CreateResult{}, err
		}
		atts = append(atts, model.Attachment{
			ID:          attID,
			LinkID:      linkID,
			Filename:    a.Filename,
			ContentType: a.ContentType,
			SizeBytes:   int64(len(a.Data)),
			IV:          encAtt.IV,
			AuthTag:     encAtt.AuthTag,
			Ciphertext:  encAtt.Ciphertext,
		})
	}

	if err := s.links.Create(ctx, link, payload, atts); err != nil {
		return CreateResult{}, err
	}

	if in.NotifyTo != "" && s.notifier != nil {
		// delivery is best-effort and out of band; failures never undo creation
		if err := s.notifier.LinkCreated(ctx, in.NotifyTo, link.ExpiresAt); err != nil {
			s.log.Warn("notify failed", zap.Error(err))
		}
	}

	return CreateResult{
		AccessToken: accessToken,
		OwnerToken:  ownerToken,
		Code:        code,
		ExpiresAt:   link.ExpiresAt,
	}, nil
}

func (s *LinkServiceImpl) validateCreate(in *CreateInput) error {
	if in.TTL < s.limits.MinTTL || in.TTL > s.limits.MaxTTL {
		return fmt.Errorf("%w: validity must be between %s and %s", errs.ErrValidation, s.limits.MinTTL, s.limits.MaxTTL)
	}
	if in.Purpose == "" {
		in.Purpose = model.PurposeOther
	}
	if !model.ValidPurpose(in.Purpose) {
		return fmt.Errorf("%w: unknown purpose %q", errs.ErrValidation, in.Purpose)
	}
	if in.PII == (model.PII{}) {
		return fmt.Errorf("%w: no data provided", errs.ErrValidation)
	}

	var total int64
	for i := range in.Attachments {
		a := &in.Attachments[i]
		size := int64(len(a.Data))
		if size == 0 {
			return fmt.Errorf("%w: attachment %q is empty", errs.ErrValidation, a.Filename)
		}
		if s.limits.MaxAttachmentSize > 0 && size > s.limits.MaxAttachmentSize {
			return fmt.Errorf("%w: attachment %q exceeds size limit", errs.ErrValidation, a.Filename)
		}
		if !s.contentTypeAllowed(a.ContentType) {
			return fmt.Errorf("%w: content type %q not allowed", errs.ErrValidation, a.ContentType)
		}
		total += size
	}
	if s.limits.MaxTotalSize > 0 && total > s.limits.MaxTotalSize {
		return fmt.Errorf("%w: attachments exceed aggregate size limit", errs.ErrValidation)
	}
	return nil
}

func (s *LinkServiceImpl) contentTypeAllowed(ct string) bool {
	for _, allowed := range s.limits.AllowedTypes {
		if ct == allowed {
			return true
		}
	}
	return false
}

// Verify runs the one-time-code state machine. Order of checks matters:
// revoked and expired reject before code inspection, so an expired link with
// a correct code reports expiry, not an invalid code.
func (s *LinkServiceImpl) Verify(ctx context.Context, accessToken, code, ip string, deviceHash []byte) (*model.Session, error) {
	if err := crypto.ValidCodeFormat(code); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrValidation, err)
	}

	if s.lim != nil {
		res, err := s.lim.Allow(ctx, limiter.ScopeVerify, limiter.HashIP(ip))
		if err != nil {
			if s.failClosedVerify {
				return nil, errs.ErrRateLimited
			}
			s.log.Warn("limiter unavailable, failing open", zap.Error(err))
		} else if !res.Allowed {
			return nil, errs.ErrRateLimited
		}
	}

	link, err := s.links.GetByAccessToken(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	switch {
	case link.Revoked:
		return nil, errs.ErrRevoked
	case link.Expired(time.Now()):
		return nil, errs.ErrExpired
	case link.Used:
		return nil, errs.ErrAlreadyUsed
	case link.Locked() || link.FailedAttempts >= s.limits.AttemptCeiling:
		return nil, errs.ErrLocked
	}

	if !s.keys.VerifyOneTimeCode(code, link.OTPHash) {
		count, ferr := s.links.RecordFailedAttempt(ctx, link.ID, s.limits.AttemptCeiling)
		if ferr != nil {
			return nil, ferr
		}
		if count >= s.limits.AttemptCeiling {
			return nil, errs.ErrLocked
		}
		return nil, errs.ErrInvalidCode
	}

	if err := s.links.MarkUsed(ctx, link.ID, deviceHash); err != nil {
		return nil, err
	}
	if err := s.audits.Append(ctx, &link.ID, model.AuditVerified, ""); err != nil {
		s.log.Warn("audit append failed", zap.Error(err))
	}

	if s.sessions != nil {
		sess, err := s.sessions.Start(ctx, link, deviceHash)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, errs.ErrStoreUnavailable) {
			return nil, err
		}
		s.log.Warn("session store unavailable, continuing without cache", zap.Error(err))
	}

	// Cache disabled or down: synthesize the session, durable checks keep
	// guarding every access. Only the single-viewer guarantee is lost.
	id, err := session.NewID()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &model.Session{
		ID:          id,
		AccessToken: link.AccessToken,
		CreatedAt:   now,
		ExpiresAt:   link.ExpiresAt,
		DeviceHash:  deviceHash,
	}, nil
}

// Revoke flips the durable flag and invalidates any live session.
func (s *LinkServiceImpl) Revoke(ctx context.Context, ownerToken string, purge bool) error {
	link, err := s.links.GetByOwnerToken(ctx, ownerToken)
	if err != nil {
		return err
	}
	if link.Revoked {
		return errs.ErrRevoked
	}

	// Kill the fast path first so an open stream observes revocation on its
	// next tick even before the durable write lands.
	if s.sessions != nil {
		if err := s.sessions.MarkRevoked(ctx, link.AccessToken); err != nil {
			s.log.Warn("cache revocation marker failed", zap.Error(err))
		}
	}

	return s.links.Revoke(ctx, link.ID, purge)
}

// Status reports the owner-facing view.
func (s *LinkServiceImpl) Status(ctx context.Context, ownerToken string) (model.LinkStatus, error) {
	link, err := s.links.GetByOwnerToken(ctx, ownerToken)
	if err != nil {
		return model.LinkStatus{}, err
	}
	return model.LinkStatus{
		Used:           link.Used,
		Revoked:        link.Revoked,
		Expired:        link.Expired(time.Now()),
		ExpiresAt:      link.ExpiresAt,
		CreatedAt:      link.CreatedAt,
		FailedAttempts: link.FailedAttempts,
	}, nil
}

// Cleanup deletes expired-or-revoked links with their payloads.
func (s *LinkServiceImpl) Cleanup(ctx context.Context) (int, error) {
	return s.links.DeleteExpired(ctx, time.Now())
}
