// Package crypto implements token generation, one-time-code hashing, and
// authenticated encryption of payloads and attachments.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/and161185/safedrop/internal/errs"
)

const (
	// KeyLen is the required AES-256 key length in bytes.
	KeyLen = 32

	tokenLen = 32
	ivLen    = 12 // GCM standard nonce size
	tagLen   = 16
)

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// GenerateAccessToken returns an unguessable URL-path-safe token for the recipient.
func GenerateAccessToken() (string, error) { return randToken() }

// GenerateOwnerToken returns an unguessable token for the owner. It is an
// independent random draw with no derivable relationship to the access token.
func GenerateOwnerToken() (string, error) { return randToken() }

func randToken() (string, error) {
	b, err := RandBytes(tokenLen)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GenerateOneTimeCode returns a 6-digit numeric code drawn uniformly from
// 100000-999999. crypto/rand with rejection sampling, so no modulo bias.
func GenerateOneTimeCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}

// Encrypted is one AEAD-sealed unit: fresh IV, detached auth tag, ciphertext.
type Encrypted struct {
	IV         []byte
	AuthTag    []byte
	Ciphertext []byte
}

// Keyring holds the process-lifetime encryption key and OTP MAC secret.
// Construct once at startup; wrong-length keys fail fast here, never later.
type Keyring struct {
	encKey    []byte
	otpSecret []byte
}

// NewKeyring parses the hex-encoded key material and validates lengths.
func NewKeyring(encKeyHex, otpSecretHex string) (*Keyring, error) {
	encKey, err := hex.DecodeString(encKeyHex)
	if err != nil {
		return nil, fmt.Errorf("encryption key: %w", err)
	}
	if len(encKey) != KeyLen {
		return nil, fmt.Errorf("encryption key must be exactly %d bytes, got %d", KeyLen, len(encKey))
	}
	otpSecret, err := hex.DecodeString(otpSecretHex)
	if err != nil {
		return nil, fmt.Errorf("otp secret: %w", err)
	}
	if len(otpSecret) == 0 {
		return nil, fmt.Errorf("otp secret is empty")
	}
	return &Keyring{encKey: encKey, otpSecret: otpSecret}, nil
}

// Encrypt seals plaintext under AES-256-GCM with a fresh random IV.
// The auth tag is returned detached so payloads and attachments store
// IV/tag/ciphertext as independent columns.
func (k *Keyring) Encrypt(plaintext []byte) (Encrypted, error) {
	aead, err := k.aead()
	if err != nil {
		return Encrypted{}, err
	}
	iv, err := RandBytes(ivLen)
	if err != nil {
		return Encrypted{}, err
	}
	sealed := aead.Seal(nil, iv, plaintext, nil)
	n := len(sealed) - tagLen
	return Encrypted{IV: iv, AuthTag: sealed[n:], Ciphertext: sealed[:n]}, nil
}

// Decrypt opens an AEAD unit. Any tag mismatch or malformed input returns
// errs.ErrDecryption; corrupted plaintext is never returned.
func (k *Keyring) Decrypt(enc Encrypted) ([]byte, error) {
	if len(enc.IV) != ivLen || len(enc.AuthTag) != tagLen {
		return nil, errs.ErrDecryption
	}
	aead, err := k.aead()
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(enc.Ciphertext)+tagLen)
	sealed = append(sealed, enc.Ciphertext...)
	sealed = append(sealed, enc.AuthTag...)
	plaintext, err := aead.Open(nil, enc.IV, sealed, nil)
	if err != nil {
		return nil, errs.ErrDecryption
	}
	return plaintext, nil
}

func (k *Keyring) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(k.encKey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// IntegrityHash returns SHA-256 over the plaintext. Stored beside the
// ciphertext to detect corruption independently of the auth tag.
func IntegrityHash(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

// DeviceHash derives a stable binding from request metadata. It never
// includes the network address, so a recipient can roam across networks.
func DeviceHash(userAgent, acceptLanguage string) []byte {
	h := sha256.Sum256([]byte(userAgent + "\x00" + acceptLanguage))
	return h[:]
}
