package httpserver

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/and161185/safedrop/internal/crypto"
	"github.com/and161185/safedrop/internal/errs"
	"github.com/and161185/safedrop/internal/model"
	"github.com/and161185/safedrop/internal/service"
)

type attachmentRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	// Data is base64; size limits apply to the decoded bytes.
	Data string `json:"data"`
}

type createRequest struct {
	FullName    string              `json:"full_name,omitempty"`
	Email       string              `json:"email,omitempty"`
	Phone       string              `json:"phone,omitempty"`
	Note        string              `json:"note,omitempty"`
	TTLMinutes  int                 `json:"ttl_minutes"`
	Purpose     string              `json:"purpose,omitempty"`
	NotifyTo    string              `json:"notify_to,omitempty"`
	Attachments []attachmentRequest `json:"attachments,omitempty"`
}

type createResponse struct {
	RecipientURL string    `json:"recipient_url"`
	OwnerURL     string    `json:"owner_url"`
	Code         string    `json:"code"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type verifyRequest struct {
	Code string `json:"code"`
}

type verifyResponse struct {
	Verified  bool      `json:"verified"`
	ExpiresAt time.Time `json:"expires_at"`
}

type dataResponse struct {
	FullName string `json:"full_name,omitempty"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Note     string `json:"note,omitempty"`
	Masked   bool   `json:"masked"`
}

type revokeRequest struct {
	DeleteData bool `json:"delete_data"`
}

type statusResponse struct {
	Used           bool      `json:"used"`
	Revoked        bool      `json:"revoked"`
	Expired        bool      `json:"expired"`
	ExpiresAt      time.Time `json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
	FailedAttempts int       `json:"failed_attempts"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// maxCreateBody bounds the request before JSON decoding; attachment limits
// are enforced again on decoded bytes in the service.
const maxCreateBody = 32 << 20

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxCreateBody)
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	atts := make([]service.AttachmentInput, 0, len(req.Attachments))
	for _, a := range req.Attachments {
		data, err := base64.StdEncoding.DecodeString(a.Data)
		if err != nil {
			s.error(w, http.StatusBadRequest, "attachment data must be base64")
			return
		}
		atts = append(atts, service.AttachmentInput{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Data:        data,
		})
	}

	res, err := s.links.Create(r.Context(), service.CreateInput{
		PII: model.PII{
			FullName: req.FullName,
			Email:    req.Email,
			Phone:    req.Phone,
			Note:     req.Note,
		},
		TTL:         time.Duration(req.TTLMinutes) * time.Minute,
		Purpose:     model.Purpose(req.Purpose),
		NotifyTo:    req.NotifyTo,
		Attachments: atts,
	})
	if err != nil {
		s.mapError(w, err)
		return
	}
	s.metrics.LinksCreated.Inc()

	s.json(w, http.StatusCreated, createResponse{
		RecipientURL: s.baseURL + "/api/links/" + res.AccessToken,
		OwnerURL:     s.baseURL + "/api/owner/" + res.OwnerToken,
		Code:         res.Code,
		ExpiresAt:    res.ExpiresAt,
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	deviceHash := crypto.DeviceHash(r.UserAgent(), r.Header.Get("Accept-Language"))
	sess, err := s.links.Verify(r.Context(), token, req.Code, r.RemoteAddr, deviceHash)
	if err != nil {
		s.metrics.Verifications.WithLabelValues(verifyOutcome(err)).Inc()
		s.mapError(w, err)
		return
	}
	s.metrics.Verifications.WithLabelValues("ok").Inc()

	if err := s.cookies.Set(w, sess); err != nil {
		s.log.Error("session cookie", zap.Error(err))
		s.error(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.json(w, http.StatusOK, verifyResponse{Verified: true, ExpiresAt: sess.ExpiresAt})
}

func verifyOutcome(err error) string {
	switch {
	case errors.Is(err, errs.ErrInvalidCode):
		return "invalid_code"
	case errors.Is(err, errs.ErrLocked):
		return "locked"
	case errors.Is(err, errs.ErrExpired):
		return "expired"
	case errors.Is(err, errs.ErrAlreadyUsed):
		return "already_used"
	case errors.Is(err, errs.ErrRevoked):
		return "revoked"
	case errors.Is(err, errs.ErrRateLimited):
		return "rate_limited"
	default:
		return "error"
	}
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	sessionID, _ := s.cookies.SessionID(r)

	link, err := s.access.Authorize(r.Context(), token, sessionID)
	if err != nil {
		s.mapError(w, err)
		return
	}
	pii, err := s.access.RetrieveMasked(r.Context(), link)
	if err != nil {
		s.mapError(w, err)
		return
	}
	s.json(w, http.StatusOK, dataResponse{
		FullName: pii.FullName,
		Email:    pii.Email,
		Phone:    pii.Phone,
		Note:     pii.Note,
		Masked:   true,
	})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	var req revokeRequest
	if r.Body != nil {
		// empty body means revoke without purging
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	if err := s.links.Revoke(r.Context(), token, req.DeleteData); err != nil {
		s.mapError(w, err)
		return
	}
	s.metrics.Revocations.Inc()
	s.json(w, http.StatusOK, map[string]bool{"revoked": true, "data_deleted": req.DeleteData})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	st, err := s.links.Status(r.Context(), token)
	if err != nil {
		s.mapError(w, err)
		return
	}
	s.json(w, http.StatusOK, statusResponse{
		Used:           st.Used,
		Revoked:        st.Revoked,
		Expired:        st.Expired,
		ExpiresAt:      st.ExpiresAt,
		CreatedAt:      st.CreatedAt,
		FailedAttempts: st.FailedAttempts,
	})
}

// mapError converts sentinel errors to safe HTTP responses. Unexpected
// failures are logged with detail server-side and surfaced generically.
func (s *Server) mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errs.ErrValidation):
		s.error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, errs.ErrNotFound):
		s.error(w, http.StatusNotFound, "not found")
	case errors.Is(err, errs.ErrExpired):
		s.error(w, http.StatusGone, "link expired")
	case errors.Is(err, errs.ErrRevoked):
		s.error(w, http.StatusGone, "link revoked")
	case errors.Is(err, errs.ErrAlreadyUsed):
		s.error(w, http.StatusConflict, "code already used")
	case errors.Is(err, errs.ErrLocked):
		s.error(w, http.StatusForbidden, "locked out")
	case errors.Is(err, errs.ErrInvalidCode):
		s.error(w, http.StatusUnauthorized, "invalid code")
	case errors.Is(err, errs.ErrNotVerified):
		s.error(w, http.StatusUnauthorized, "verification required")
	case errors.Is(err, errs.ErrSessionInvalid):
		s.error(w, http.StatusUnauthorized, "session invalid")
	case errors.Is(err, errs.ErrRateLimited):
		s.error(w, http.StatusTooManyRequests, "rate limited")
	default:
		s.log.Error("internal error", zap.Error(err))
		s.error(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) json(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("write response", zap.Error(err))
	}
}

func (s *Server) error(w http.ResponseWriter, status int, msg string) {
	s.json(w, status, errorResponse{Error: msg})
}
