// Package httpserver exposes the link lifecycle over HTTP and SSE.
package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/and161185/safedrop/internal/limiter"
	"github.com/and161185/safedrop/internal/service"
)

// Server wires services into HTTP handlers.
type Server struct {
	links     service.LinkService
	access    service.AccessService
	lim       limiter.Limiter
	cookies   *CookieCodec
	baseURL   string
	heartbeat time.Duration
	metrics   *Metrics
	log       *zap.Logger
}

// New constructs the HTTP server with injected services.
func New(
	links service.LinkService,
	access service.AccessService,
	lim limiter.Limiter,
	cookies *CookieCodec,
	baseURL string,
	heartbeat time.Duration,
	metrics *Metrics,
	log *zap.Logger,
) *Server {
	return &Server{
		links:     links,
		access:    access,
		lim:       lim,
		cookies:   cookies,
		baseURL:   baseURL,
		heartbeat: heartbeat,
		metrics:   metrics,
		log:       log,
	}
}

// Router builds the chi mux with middleware and routes.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(s.recoverPanics)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		s.json(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method("GET", "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(s.rateLimit(limiter.ScopeGlobal))

		r.Post("/links", s.withTimeout(30*time.Second, s.handleCreate))

		r.Route("/links/{token}", func(r chi.Router) {
			r.Use(s.rateLimitLink)
			r.Post("/verify", s.withTimeout(15*time.Second, s.handleVerify))
			r.Get("/", s.withTimeout(15*time.Second, s.handleRetrieve))
			// no timeout middleware: the stream lives until revocation,
			// expiry, or client disconnect
			r.Get("/stream", s.handleStream)
		})

		r.Route("/owner/{token}", func(r chi.Router) {
			r.Post("/revoke", s.withTimeout(15*time.Second, s.handleRevoke))
			r.Get("/status", s.withTimeout(15*time.Second, s.handleStatus))
		})
	})

	return r
}

// withTimeout bounds one handler; store calls inherit the deadline via ctx.
func (s *Server) withTimeout(d time.Duration, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		middleware.Timeout(d)(h).ServeHTTP(w, r)
	}
}
