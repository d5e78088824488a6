// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrValidation indicates malformed input, rejected before any store access.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound indicates the requested link does not exist.
	ErrNotFound = errors.New("not found")

	// ErrExpired indicates the link is past its expiry timestamp.
	ErrExpired = errors.New("expired")

	// ErrRevoked indicates the link has been revoked by its owner.
	ErrRevoked = errors.New("revoked")

	// ErrAlreadyUsed indicates the one-time code was already consumed.
	ErrAlreadyUsed = errors.New("already used")

	// ErrNotVerified indicates data was requested before one-time-code success.
	ErrNotVerified = errors.New("not verified")

	// ErrInvalidCode indicates the presented one-time code does not match.
	ErrInvalidCode = errors.New("invalid code")

	// ErrLocked indicates the failed-attempt ceiling was reached; all further
	// attempts fail regardless of code correctness.
	ErrLocked = errors.New("locked")

	// ErrSessionInvalid indicates the ephemeral session is missing or mismatched
	// while the durable record is still valid.
	ErrSessionInvalid = errors.New("session invalid")

	// ErrRateLimited indicates the request exceeded a rate-limit window.
	ErrRateLimited = errors.New("rate limited")

	// ErrDecryption indicates an authentication-tag or format failure. Fatal for
	// that read; never retried with altered input.
	ErrDecryption = errors.New("decryption failed")

	// ErrStoreUnavailable indicates a backing store could not be reached.
	ErrStoreUnavailable = errors.New("store unavailable")
)
