package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"

	"github.com/lavente-sso/identity-server/internal/api"
	"github.com/lavente-sso/identity-server/internal/audit"
	"github.com/lavente-sso/identity-server/internal/auth"
	"github.com/lavente-sso/identity-server/internal/config"
	"github.com/lavente-sso/identity-server/internal/crypto"
	"github.com/lavente-sso/identity-server/internal/ratelimit"
	"github.com/lavente-sso/identity-server/internal/storage/postgres"
	"github.com/lavente-sso/identity-server/pkg/logger"
)

func main() {
	// 0. Load Configuration (Dev/Local)
	// We mask errors because in Production these files might not exist
	// and we rely on system env vars.
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	cfg := config.Load()

	// 1. Setup Global Logger
	log := logger.Setup(cfg.Environment)
	log.Info("application_startup", "env", cfg.Environment)

	if err := cfg.Validate(); err != nil {
		log.Error("config_invalid", "error", err)
		os.Exit(1)
	}

	// 2. Setup Sentry
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			TracesSampleRate: 1.0,
			Environment:      cfg.Environment,
		})
		if err != nil {
			log.Error("sentry_init_failed", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
			log.Info("sentry_initialized")
		}
	} else {
		log.Warn("sentry_dsn_missing", "details", "skipping_init")
	}

	// 3. Connect to Database
	ctx := context.Background()
	pool, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("database_connect_failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	log.Info("database_connected")

	// 4. Tenant-secret sealer: signing_secret is encrypted at rest under the
	// active key version, with every configured version still valid for Open
	// so a rotation never invalidates secrets sealed under the old key.
	sealer, err := crypto.NewSealerFromHexKeys(cfg.TenantSecretKeys, cfg.TenantSecretActiveVersion)
	if err != nil {
		log.Error("sealer_init_failed", "error", err)
		os.Exit(1)
	}
	repo := postgres.New(pool, sealer)

	// 5. Auth dependencies.
	hasher := auth.NewArgon2Hasher(auth.ArgonParams{
		Memory:      cfg.ArgonMemoryKiB,
		Iterations:  cfg.ArgonIterations,
		Parallelism: cfg.ArgonParallelism,
		SaltLength:  16,
		KeyLength:   32,
	})

	secretFor := func(tenantID string) (string, error) {
		t, err := repo.FindTenantByID(ctx, tenantID)
		if err != nil {
			return "", err
		}
		return t.SigningSecret, nil
	}
	tokens := auth.NewTokenCodec(secretFor, cfg.AccessTokenTTL, cfg.RefreshTokenTTL, cfg.JWTIssuer)

	limiter := ratelimit.New(cfg.RateLimitMaxFailures, cfg.RateLimitWindow)
	invitations := auth.NewInvitationService(repo, cfg.InvitationTTL)
	sso := auth.NewSSOAllowList(cfg.SSOAllowOrigins)
	auditLogger := audit.New()

	svc := auth.NewService(auth.Config{
		Repo:                    repo,
		Hasher:                  hasher,
		Tokens:                  tokens,
		Limiter:                 limiter,
		Invitations:             invitations,
		SSO:                     sso,
		Audit:                   auditLogger,
		RefreshTTL:              cfg.RefreshTokenTTL,
		AllowPublicRegistration: cfg.AllowPublicRegistration,
		RateLimitByIP:           cfg.RateLimitByIP,
	})
	registry := auth.NewTenantRegistry(repo)

	// 6. Setup HTTP Server
	server := api.NewServer(cfg, pool, svc, registry, tokens)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// 7. Start Server with Graceful Shutdown
	serverErrors := make(chan error, 1)

	go func() {
		log.Info("server_listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()

	// 8. Block for Shutdown Signal
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Error("server_startup_failed", "error", err)
		os.Exit(1)

	case sig := <-shutdown:
		log.Info("shutdown_signal_received", "signal", sig)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful_shutdown_failed", "error", err)
			if err := srv.Close(); err != nil {
				log.Error("server_force_close_failed", "error", err)
			}
		}

		pool.Close()
		log.Info("database_pool_closed")

		log.Info("server_shutdown_complete")
		return
	}
}
