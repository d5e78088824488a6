package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Two stored hash kinds coexist: the current fast keyed MAC and the legacy
// Argon2id format from before the cutover. Verification dispatches on the tag
// and stays constant-time within each kind.
const (
	hashKindHMAC   = "hmac"
	hashKindArgon2 = "argon2"
)

// Argon2id parameters for the legacy format (kept matching existing rows).
const (
	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024 // 64 MB
	argonThreads uint8  = 1
	argonKeyLen  uint32 = 32
	argonSaltLen        = 16
)

// HashOneTimeCode returns the stored form of a code: "hmac:<hex>".
// A fast keyed MAC, not a slow password hash: the code space is small but the
// validity window is short and attempts are capped, so brute-force economics
// is the defense, not hash cost.
func (k *Keyring) HashOneTimeCode(code string) string {
	mac := hmac.New(sha256.New, k.otpSecret)
	mac.Write([]byte(code))
	return hashKindHMAC + ":" + hex.EncodeToString(mac.Sum(nil))
}

// HashOneTimeCodeLegacy returns the legacy stored form: "argon2:<b64salt>:<b64hash>".
// Kept for rows written before the MAC cutover; new links never use it.
func HashOneTimeCodeLegacy(code string) (string, error) {
	salt, err := RandBytes(argonSaltLen)
	if err != nil {
		return "", err
	}
	sum := argon2.IDKey([]byte(code), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return hashKindArgon2 + ":" +
		base64.RawStdEncoding.EncodeToString(salt) + ":" +
		base64.RawStdEncoding.EncodeToString(sum), nil
}

// VerifyOneTimeCode checks code against a stored hash of either kind using a
// constant-time comparison. Unknown or malformed formats verify as false.
func (k *Keyring) VerifyOneTimeCode(code, stored string) bool {
	kind, rest, ok := strings.Cut(stored, ":")
	if !ok {
		return false
	}
	switch kind {
	case hashKindHMAC:
		expected, err := hex.DecodeString(rest)
		if err != nil {
			return false
		}
		mac := hmac.New(sha256.New, k.otpSecret)
		mac.Write([]byte(code))
		return hmac.Equal(mac.Sum(nil), expected)
	case hashKindArgon2:
		saltB64, sumB64, ok := strings.Cut(rest, ":")
		if !ok {
			return false
		}
		salt, err := base64.RawStdEncoding.DecodeString(saltB64)
		if err != nil {
			return false
		}
		expected, err := base64.RawStdEncoding.DecodeString(sumB64)
		if err != nil {
			return false
		}
		got := argon2.IDKey([]byte(code), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
		return subtle.ConstantTimeCompare(got, expected) == 1
	default:
		return false
	}
}

// ValidCodeFormat reports whether s looks like a 6-digit code. Cheap input
// screen before any store access; not a security check.
func ValidCodeFormat(s string) error {
	if len(s) != 6 {
		return fmt.Errorf("code must be 6 digits")
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return fmt.Errorf("code must be 6 digits")
		}
	}
	return nil
}
