// Package model defines domain entities used by services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// Purpose tags a link with why the data is being shared. Closed set.
type Purpose string

const (
	PurposeMedical   Purpose = "medical"
	PurposeLegal     Purpose = "legal"
	PurposeFinancial Purpose = "financial"
	PurposeIdentity  Purpose = "identity"
	PurposeOther     Purpose = "other"
)

// ValidPurpose reports whether p belongs to the closed purpose set.
func ValidPurpose(p Purpose) bool {
	switch p {
	case PurposeMedical, PurposeLegal, PurposeFinancial, PurposeIdentity, PurposeOther:
		return true
	}
	return false
}

// AuditEvent is a lifecycle event kind recorded in the audit trail.
type AuditEvent string

const (
	AuditCreated      AuditEvent = "created"
	AuditVerified     AuditEvent = "verified"
	AuditRevoked      AuditEvent = "revoked"
	AuditDataDeleted  AuditEvent = "data-deleted"
	AuditSessionEnded AuditEvent = "session-ended"
	AuditCleanedUp    AuditEvent = "cleaned-up"
)

// CloseReason classifies why a streaming session ended.
type CloseReason string

const (
	CloseRevoked    CloseReason = "revoked"
	CloseExpired    CloseReason = "expired"
	CloseDisconnect CloseReason = "client_disconnect"
	CloseError      CloseReason = "error"
)

// Link is the system-of-record entity behind a one-time share.
// A revoked or expired link must never yield its payload.
type Link struct {
	ID             uuid.UUID
	AccessToken    string // given to the recipient, embedded in the share URL
	OwnerToken     string // given only to the creator, used for status/kill switch
	OTPHash        string // tagged hash of the one-time code (see crypto.HashOneTimeCode)
	ExpiresAt      time.Time
	Used           bool // set on first successful code verification, never cleared
	Revoked        bool // monotonic: once true, never reverts
	Purpose        Purpose
	DeviceHash     []byte // binding derived from request metadata, never the raw IP
	FailedAttempts int
	LockedAt       *time.Time
	NotifyTo       string // optional out-of-band delivery address
	CreatedAt      time.Time
}

// Expired reports whether the link is past its expiry on server clock.
func (l *Link) Expired(now time.Time) bool { return !now.Before(l.ExpiresAt) }

// Locked reports whether the failed-attempt ceiling was reached.
func (l *Link) Locked() bool { return l.LockedAt != nil }

// Payload is the encrypted PII object owned 1:1 by a link.
type Payload struct {
	ID            uuid.UUID
	LinkID        uuid.UUID
	IV            []byte
	AuthTag       []byte
	Ciphertext    []byte
	IntegrityHash []byte // SHA-256 over the plaintext, defense in depth
	CreatedAt     time.Time
}

// Attachment is an encrypted binary blob, 0..N per link.
// Each attachment has its own IV and tag, never shared with the payload.
type Attachment struct {
	ID          uuid.UUID
	LinkID      uuid.UUID
	Filename    string
	ContentType string
	SizeBytes   int64
	IV          []byte
	AuthTag     []byte
	Ciphertext  []byte
	CreatedAt   time.Time
}

// AuditEntry is an immutable record of a lifecycle event. LinkID is a weak
// reference: the link may be deleted later and the entry survives with the
// reference cleared.
type AuditEntry struct {
	ID        int64
	LinkID    *uuid.UUID
	Event     AuditEvent
	Detail    string
	CreatedAt time.Time
}

// Session is the ephemeral single-viewer record. It lives only in the
// fast-path cache; the durable link record stays authoritative.
type Session struct {
	ID          string
	AccessToken string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	DeviceHash  []byte
}

// PII is the structured personal data protected by a link. It is the
// plaintext form of Payload; it never touches the durable store unencrypted.
type PII struct {
	FullName string `json:"full_name,omitempty"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Note     string `json:"note,omitempty"`
}

// LinkStatus is the owner-facing view of a link: flags and timestamps, no PII.
type LinkStatus struct {
	Used           bool
	Revoked        bool
	Expired        bool
	ExpiresAt      time.Time
	CreatedAt      time.Time
	FailedAttempts int
}
