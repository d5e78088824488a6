package httpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/and161185/safedrop/internal/errs"
	"github.com/and161185/safedrop/internal/model"
	"github.com/and161185/safedrop/internal/service"
)

type streamAttachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        string `json:"data"` // base64
}

type streamData struct {
	FullName    string             `json:"full_name,omitempty"`
	Email       string             `json:"email,omitempty"`
	Phone       string             `json:"phone,omitempty"`
	Note        string             `json:"note,omitempty"`
	Attachments []streamAttachment `json:"attachments,omitempty"`
}

type heartbeat struct {
	RemainingSeconds int `json:"remaining_seconds"`
}

// handleStream is the long-lived push channel, one per viewing session.
// The decrypted payload is pushed exactly once; afterwards only heartbeats
// flow until revocation, expiry, disconnect, or an internal failure.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	sessionID, _ := s.cookies.SessionID(r)

	link, err := s.access.Authorize(r.Context(), token, sessionID)
	if err != nil {
		s.mapError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.error(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	pii, err := s.access.Retrieve(r.Context(), link)
	if err != nil {
		s.mapError(w, err)
		return
	}
	atts, err := s.access.RetrieveAttachments(r.Context(), link)
	if err != nil {
		s.mapError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	st := &stream{
		server:  s,
		w:       w,
		flusher: flusher,
		token:   token,
	}
	st.run(r.Context(), pii, atts, sessionID)
}

// stream owns the lifetime of one SSE connection. Teardown may be triggered
// by the heartbeat loop or the disconnect signal; closeOnce makes it
// idempotent so the audit entry is written at most once.
type stream struct {
	server    *Server
	w         http.ResponseWriter
	flusher   http.Flusher
	token     string
	closeOnce sync.Once
}

func (st *stream) run(ctx context.Context, pii model.PII, atts []service.DecryptedAttachment, sessionID string) {
	st.sendData(pii, atts)

	ticker := time.NewTicker(st.server.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			st.close(ctx, model.CloseDisconnect)
			return
		case <-ticker.C:
			// re-check ground truth every tick; a cached "active" is never
			// enough on its own
			fresh, err := st.server.access.Authorize(ctx, st.token, sessionID)
			if err != nil {
				switch {
				case errors.Is(err, errs.ErrRevoked):
					st.sendEvent("revoked", "{}")
					st.close(ctx, model.CloseRevoked)
				case errors.Is(err, errs.ErrExpired):
					st.sendEvent("expired", "{}")
					st.close(ctx, model.CloseExpired)
				default:
					st.sendEvent("error", "{}")
					st.close(ctx, model.CloseError)
				}
				return
			}
			remaining := st.server.access.Remaining(ctx, fresh)
			if remaining <= 0 {
				st.sendEvent("expired", "{}")
				st.close(ctx, model.CloseExpired)
				return
			}
			st.sendJSON("heartbeat", heartbeat{RemainingSeconds: int(remaining.Seconds())})
		}
	}
}

func (st *stream) sendData(pii model.PII, atts []service.DecryptedAttachment) {
	data := streamData{
		FullName: pii.FullName,
		Email:    pii.Email,
		Phone:    pii.Phone,
		Note:     pii.Note,
	}
	for _, a := range atts {
		data.Attachments = append(data.Attachments, streamAttachment{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Data:        base64.StdEncoding.EncodeToString(a.Data),
		})
	}
	st.sendJSON("data", data)
}

func (st *stream) sendJSON(event string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		st.server.log.Error("stream marshal", zap.Error(err))
		return
	}
	st.sendEvent(event, string(b))
}

func (st *stream) sendEvent(event, data string) {
	fmt.Fprintf(st.w, "event: %s\ndata: %s\n\n", event, data)
	st.flusher.Flush()
}

// close tears down once: session end + audit + metrics. The write uses a
// fresh context because the request context is already canceled on
// disconnect.
func (st *stream) close(ctx context.Context, reason model.CloseReason) {
	st.closeOnce.Do(func() {
		st.server.metrics.StreamsClosed.WithLabelValues(string(reason)).Inc()
		endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		st.server.access.EndSession(endCtx, st.token, reason)
	})
}
