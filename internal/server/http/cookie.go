package httpserver

import (
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/safedrop/internal/errs"
	"github.com/and161185/safedrop/internal/model"
)

const sessionCookieName = "sd_session"

// CookieCodec signs the viewer session cookie as an HS256 JWT carrying the
// session ID. A forged or expired cookie is rejected here, before any store
// is consulted.
type CookieCodec struct {
	signKey []byte
}

// NewCookieCodec constructs the codec with the HS256 signing key.
func NewCookieCodec(signKey []byte) *CookieCodec { return &CookieCodec{signKey: signKey} }

// Set writes the session cookie scoped to this link's paths.
func (c *CookieCodec) Set(w http.ResponseWriter, sess *model.Session) error {
	claims := jwt.RegisteredClaims{
		Subject:   sess.ID,
		IssuedAt:  jwt.NewNumericDate(sess.CreatedAt),
		ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.signKey)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    signed,
		Path:     "/api/links/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
	return nil
}

// SessionID extracts and verifies the session ID from the request cookie.
func (c *CookieCodec) SessionID(r *http.Request) (string, error) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return "", errs.ErrSessionInvalid
	}
	tok, err := jwt.ParseWithClaims(cookie.Value, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return c.signKey, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil || !tok.Valid {
		return "", errs.ErrSessionInvalid
	}
	claims, ok := tok.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", errs.ErrSessionInvalid
	}
	if claims.ExpiresAt != nil && time.Now().After(claims.ExpiresAt.Time) {
		return "", errs.ErrSessionInvalid
	}
	return claims.Subject, nil
}
