// Package api wires the HTTP adapter layer: the chi router, middleware
// chain, and handlers that translate between JSON requests and the
// auth.Service orchestrator. Nothing downstream of this package knows it is
// being driven over HTTP.
package api

import (
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"

	"github.com/lavente-sso/identity-server/internal/auth"
	"github.com/lavente-sso/identity-server/internal/config"
	"github.com/lavente-sso/identity-server/internal/ratelimit"
)

const timeLayout = "2006-01-02T15:04:05Z07:00"

// Server bundles the orchestrator and its HTTP-facing collaborators.
type Server struct {
	Router   http.Handler
	auth     *auth.Service
	tenants  *auth.TenantRegistry
	tokens   *auth.TokenCodec
	throttle *ratelimit.IPThrottle
	cfg      config.Config
}

// NewServer builds the fully-wired HTTP handler. pool is only used by the
// health check's ping; all business logic goes through svc and registry.
func NewServer(cfg config.Config, pool *pgxpool.Pool, svc *auth.Service, registry *auth.TenantRegistry, tokens *auth.TokenCodec) *Server {
	s := &Server{
		auth:     svc,
		tenants:  registry,
		tokens:   tokens,
		throttle: ratelimit.NewIPThrottle(ratelimitRPS(cfg), cfg.IPThrottleBurst),
		cfg:      cfg,
	}
	s.Router = s.routes(pool)
	return s
}

func ratelimitRPS(cfg config.Config) rate.Limit {
	if cfg.IPThrottleRPS <= 0 {
		return rate.Limit(5)
	}
	return rate.Limit(cfg.IPThrottleRPS)
}

// handleHealth backs GET /healthz: a liveness probe that also confirms the
// database pool can still round-trip, since this process owns its own pool
// lifecycle.
func (s *Server) handleHealth(pool *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if pool != nil {
			if err := pool.Ping(r.Context()); err != nil {
				RespondErrorMsg(w, http.StatusServiceUnavailable, "database unreachable")
				return
			}
		}
		RespondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}
}
