// Command safedrop-server starts the SafeDrop HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/and161185/safedrop/config"
	"github.com/and161185/safedrop/internal/crypto"
	"github.com/and161185/safedrop/internal/limiter"
	"github.com/and161185/safedrop/internal/migrate"
	"github.com/and161185/safedrop/internal/notify"
	"github.com/and161185/safedrop/internal/repository/postgres"
	httpserver "github.com/and161185/safedrop/internal/server/http"
	"github.com/and161185/safedrop/internal/service"
	"github.com/and161185/safedrop/internal/session"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main parses configuration, runs migrations, and starts the HTTP server.
func main() {
	cfgPath := flag.String("config", "", "path to YAML config")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
	)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	keys, err := crypto.NewKeyring(cfg.Crypto.EncryptionKey, cfg.Crypto.OTPSecret)
	if err != nil {
		logger.Fatal("key material", zap.Error(err))
	}

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := migrate.Up(ctx, cfg.Postgres.DSN); err != nil {
		logger.Fatal("migrate up", zap.Error(err))
	}

	db, err := postgres.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal("postgres", zap.Error(err))
	}
	defer db.Close()

	linkRepo := postgres.NewLinkRepo(db)
	auditRepo := postgres.NewAuditRepo(db)

	// The cache capability is resolved once here, never re-probed per call.
	var (
		sessions  session.Store
		lim       limiter.Limiter
		redisConn *redis.Client
	)
	if cfg.Redis.Enabled {
		redisConn = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		sessions, err = session.NewRedisStore(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer sessions.Close()
		defer redisConn.Close()

		lim = limiter.NewRedis(redisConn, map[limiter.Scope]limiter.ScopeLimit{
			limiter.ScopeVerify: {Window: cfg.RateLimit.Verify.Window, Limit: cfg.RateLimit.Verify.Limit},
			limiter.ScopeLink:   {Window: cfg.RateLimit.Link.Window, Limit: cfg.RateLimit.Link.Limit},
			limiter.ScopeGlobal: {Window: cfg.RateLimit.Global.Window, Limit: cfg.RateLimit.Global.Limit},
		})
	} else {
		logger.Warn("redis disabled: single-viewer guarantee and rate limiting off")
	}

	notifier := notify.NewLogNotifier(logger)

	linkSvc := service.NewLinkService(
		linkRepo, auditRepo, keys, sessions, lim, notifier,
		service.Limits{
			MinTTL:            cfg.Links.MinTTL,
			MaxTTL:            cfg.Links.MaxTTL,
			AttemptCeiling:    cfg.Links.AttemptCeiling,
			MaxAttachmentSize: cfg.Links.MaxAttachmentSize,
			MaxTotalSize:      cfg.Links.MaxTotalSize,
			AllowedTypes:      cfg.Links.AllowedTypes,
		},
		cfg.RateLimit.FailClosedVerify,
		logger,
	)
	accessSvc := service.NewAccessService(linkRepo, auditRepo, keys, sessions, logger)

	metrics := httpserver.NewMetrics(prometheus.DefaultRegisterer)
	cookies := httpserver.NewCookieCodec([]byte(cfg.Crypto.SessionJWTKey))
	srv := httpserver.New(
		linkSvc, accessSvc, lim, cookies,
		cfg.Server.BaseURL, cfg.Links.HeartbeatInterval, metrics, logger,
	)

	// Scheduled cleanup; repeat invocations are safe.
	go func() {
		ticker := time.NewTicker(cfg.Links.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := linkSvc.Cleanup(ctx)
				if err != nil {
					logger.Error("cleanup", zap.Error(err))
					continue
				}
				if n > 0 {
					logger.Info("cleanup", zap.Int("deleted", n))
				}
			}
		}
	}()

	httpSrv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Addr()))
		errCh <- httpSrv.ListenAndServe()
	}()

	// Wait for stop
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			_ = httpSrv.Close()
		}
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}

	logger.Info("shutdown complete")
}
