package httpserver

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/and161185/safedrop/internal/limiter"
)

// logRequests logs method/path/status/duration. Metadata only, never payloads
// or tokens: the path is logged with the token segment already routed, so we
// log the route pattern, not the raw URL.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		s.log.Info("http",
			zap.String("method", r.Method),
			zap.String("route", pattern),
			zap.Int("status", ww.Status()),
			zap.Duration("dur", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// recoverPanics converts handler panics into a generic 500.
func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("panic",
					zap.Any("reason", rec),
					zap.ByteString("stack", debug.Stack()),
				)
				s.error(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// rateLimit applies an IP-keyed scope. Fail open: a down limiter backend
// never takes the service with it.
func (s *Server) rateLimit(scope limiter.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.lim == nil {
				next.ServeHTTP(w, r)
				return
			}
			res, err := s.lim.Allow(r.Context(), scope, limiter.HashIP(r.RemoteAddr))
			if err != nil {
				s.log.Warn("limiter unavailable, failing open", zap.Error(err))
			} else if !res.Allowed {
				s.tooManyRequests(w, res)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimitLink applies the per-link scope keyed by a token prefix, so one
// hot link cannot starve the rest.
func (s *Server) rateLimitLink(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.lim == nil {
			next.ServeHTTP(w, r)
			return
		}
		token := chi.URLParam(r, "token")
		res, err := s.lim.Allow(r.Context(), limiter.ScopeLink, limiter.TokenPrefix(token))
		if err != nil {
			s.log.Warn("limiter unavailable, failing open", zap.Error(err))
		} else if !res.Allowed {
			s.tooManyRequests(w, res)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) tooManyRequests(w http.ResponseWriter, res limiter.Result) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", int(res.ResetAfter.Seconds())+1))
	s.error(w, http.StatusTooManyRequests, "rate limited")
}
