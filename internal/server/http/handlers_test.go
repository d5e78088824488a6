package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/and161185/safedrop/internal/errs"
	"github.com/and161185/safedrop/internal/limiter"
	"github.com/and161185/safedrop/internal/model"
	"github.com/and161185/safedrop/internal/service"
)

type fakeLinkService struct {
	createRes service.CreateResult
	createErr error
	sess      *model.Session
	verifyErr error
	revokeErr error
	status    model.LinkStatus
	statusErr error

	revokedPurge []bool
}

func (f *fakeLinkService) Create(_ context.Context, _ service.CreateInput) (service.CreateResult, error) {
	return f.createRes, f.createErr
}

func (f *fakeLinkService) Verify(_ context.Context, _, _, _ string, _ []byte) (*model.Session, error) {
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	return f.sess, nil
}

func (f *fakeLinkService) Revoke(_ context.Context, _ string, purge bool) error {
	if f.revokeErr != nil {
		return f.revokeErr
	}
	f.revokedPurge = append(f.revokedPurge, purge)
	return nil
}

func (f *fakeLinkService) Status(_ context.Context, _ string) (model.LinkStatus, error) {
	return f.status, f.statusErr
}

func (f *fakeLinkService) Cleanup(_ context.Context) (int, error) { return 0, nil }

type fakeAccessService struct {
	mu            sync.Mutex
	link          *model.Link
	authorizeErrs []error // consumed per call; nil entry means success
	pii           model.PII
	masked        model.PII
	atts          []service.DecryptedAttachment
	remaining     time.Duration
	endedWith     []model.CloseReason
}

func (f *fakeAccessService) Authorize(_ context.Context, _, _ string) (*model.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var err error
	if len(f.authorizeErrs) > 0 {
		err = f.authorizeErrs[0]
		f.authorizeErrs = f.authorizeErrs[1:]
	}
	if err != nil {
		return nil, err
	}
	return f.link, nil
}

func (f *fakeAccessService) Retrieve(_ context.Context, _ *model.Link) (model.PII, error) {
	return f.pii, nil
}

func (f *fakeAccessService) RetrieveMasked(_ context.Context, _ *model.Link) (model.PII, error) {
	return f.masked, nil
}

func (f *fakeAccessService) RetrieveAttachments(_ context.Context, _ *model.Link) ([]service.DecryptedAttachment, error) {
	return f.atts, nil
}

func (f *fakeAccessService) Remaining(_ context.Context, _ *model.Link) time.Duration {
	return f.remaining
}

func (f *fakeAccessService) EndSession(_ context.Context, _ string, reason model.CloseReason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endedWith = append(f.endedWith, reason)
}

func (f *fakeAccessService) closeReasons() []model.CloseReason {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.CloseReason(nil), f.endedWith...)
}

var testSignKey = []byte("0123456789abcdef0123456789abcdef")

func newTestServer(links *fakeLinkService, access *fakeAccessService) *Server {
	return New(links, access, nil, NewCookieCodec(testSignKey),
		"https://sd.example.com", 20*time.Millisecond,
		NewMetrics(prometheus.NewRegistry()), zap.NewNop())
}

func TestHandleCreate(t *testing.T) {
	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	links := &fakeLinkService{createRes: service.CreateResult{
		AccessToken: "acc-tok", OwnerToken: "own-tok", Code: "123456", ExpiresAt: exp,
	}}
	srv := newTestServer(links, &fakeAccessService{})

	body := `{"full_name":"Jane Doe","ttl_minutes":60,"attachments":[{"filename":"a.txt","content_type":"text/plain","data":"aGVsbG8="}]}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/links", strings.NewReader(body))
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp createResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "https://sd.example.com/api/links/acc-tok", resp.RecipientURL)
	require.Equal(t, "https://sd.example.com/api/owner/own-tok", resp.OwnerURL)
	require.Equal(t, "123456", resp.Code)
}

func TestHandleCreate_BadBase64(t *testing.T) {
	srv := newTestServer(&fakeLinkService{}, &fakeAccessService{})
	body := `{"ttl_minutes":60,"attachments":[{"filename":"a","content_type":"text/plain","data":"not base64!"}]}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/links", strings.NewReader(body))
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleVerify_SetsSessionCookie(t *testing.T) {
	sess := &model.Session{
		ID:          "sess-id",
		AccessToken: "acc-tok",
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	srv := newTestServer(&fakeLinkService{sess: sess}, &fakeAccessService{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/links/acc-tok/verify",
		strings.NewReader(`{"code":"123456"}`))
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp verifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Verified)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	c := cookies[0]
	require.Equal(t, sessionCookieName, c.Name)
	require.True(t, c.HttpOnly)
	require.Equal(t, http.SameSiteStrictMode, c.SameSite)

	// the cookie round-trips through the codec back to the session id
	back := httptest.NewRequest(http.MethodGet, "/api/links/acc-tok", nil)
	back.AddCookie(c)
	id, err := srv.cookies.SessionID(back)
	require.NoError(t, err)
	require.Equal(t, "sess-id", id)
}

func TestHandleVerify_ErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{errs.ErrInvalidCode, http.StatusUnauthorized},
		{errs.ErrLocked, http.StatusForbidden},
		{errs.ErrExpired, http.StatusGone},
		{errs.ErrRevoked, http.StatusGone},
		{errs.ErrAlreadyUsed, http.StatusConflict},
		{errs.ErrNotFound, http.StatusNotFound},
		{errs.ErrRateLimited, http.StatusTooManyRequests},
	}
	for _, tc := range cases {
		srv := newTestServer(&fakeLinkService{verifyErr: tc.err}, &fakeAccessService{})
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/links/acc-tok/verify",
			strings.NewReader(`{"code":"123456"}`))
		srv.Router().ServeHTTP(rec, req)
		require.Equal(t, tc.want, rec.Code, "error %v", tc.err)
	}
}

func TestHandleRetrieve_Masked(t *testing.T) {
	access := &fakeAccessService{
		link:   &model.Link{AccessToken: "acc-tok"},
		masked: model.PII{FullName: "J***", Email: "j***@example.com", Phone: "****4567", Note: "[hidden]"},
	}
	srv := newTestServer(&fakeLinkService{}, access)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/links/acc-tok", nil)
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp dataResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Masked)
	require.Equal(t, "j***@example.com", resp.Email)
	require.Equal(t, "****4567", resp.Phone)
}

func TestHandleRetrieve_NotVerified(t *testing.T) {
	access := &fakeAccessService{authorizeErrs: []error{errs.ErrNotVerified}}
	srv := newTestServer(&fakeLinkService{}, access)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/links/acc-tok", nil)
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleRevoke(t *testing.T) {
	links := &fakeLinkService{}
	srv := newTestServer(links, &fakeAccessService{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/owner/own-tok/revoke",
		bytes.NewReader([]byte(`{"delete_data":true}`)))
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []bool{true}, links.revokedPurge)

	// revoking again reports conflict-style gone
	links.revokeErr = errs.ErrRevoked
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/owner/own-tok/revoke", nil)
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusGone, rec.Code)
}

func TestHandleStatus(t *testing.T) {
	links := &fakeLinkService{status: model.LinkStatus{
		Used: true, FailedAttempts: 2, ExpiresAt: time.Now().Add(time.Hour),
	}}
	srv := newTestServer(links, &fakeAccessService{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/owner/own-tok/status", nil)
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Used)
	require.Equal(t, 2, resp.FailedAttempts)
	require.NotContains(t, rec.Body.String(), "full_name")
}

// recordingLimiter captures the identities presented to Allow.
type recordingLimiter struct {
	mu         sync.Mutex
	identities []string
}

func (l *recordingLimiter) Allow(_ context.Context, _ limiter.Scope, identity string) (limiter.Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.identities = append(l.identities, identity)
	return limiter.Result{Allowed: true, Remaining: 1}, nil
}

// Requests from one client arrive on fresh connections with fresh ephemeral
// ports; they must still count against a single bucket.
func TestRateLimit_IdentitySharedAcrossSourcePorts(t *testing.T) {
	rec := &recordingLimiter{}
	srv := New(&fakeLinkService{}, &fakeAccessService{}, rec, NewCookieCodec(testSignKey),
		"https://sd.example.com", 20*time.Millisecond,
		NewMetrics(prometheus.NewRegistry()), zap.NewNop())
	router := srv.Router()

	for _, port := range []string{"40001", "40002"} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/owner/own-tok/status", nil)
		req.RemoteAddr = "203.0.113.7:" + port
		router.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
	}

	require.Len(t, rec.identities, 2)
	require.Equal(t, rec.identities[0], rec.identities[1])
	require.Equal(t, limiter.HashIP("203.0.113.7"), rec.identities[0])
}

func TestHealth(t *testing.T) {
	srv := newTestServer(&fakeLinkService{}, &fakeAccessService{})
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
