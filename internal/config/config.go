// Package config loads process configuration from the environment into a
// flat struct, fed by godotenv for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	DatabaseURL string
	Environment string // "development", "production"
	LogLevel    string
	SentryDSN   string

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	JWTIssuer       string

	InvitationTTL time.Duration

	RateLimitMaxFailures int
	RateLimitWindow      time.Duration
	RateLimitByIP        bool

	IPThrottleRPS   float64
	IPThrottleBurst int

	// SSOAllowOrigins maps tenant_id -> allowed redirect_uri origins, loaded
	// from SSO_ALLOW_ORIGINS as "tenant_id=origin1,origin2;tenant_id2=origin3".
	SSOAllowOrigins map[string][]string

	ArgonMemoryKiB   uint32
	ArgonIterations  uint32
	ArgonParallelism uint8

	// TenantSecretKeys maps key version -> hex-encoded 32-byte AES key, used
	// by internal/crypto.Sealer to encrypt signing_secret at rest.
	// TenantSecretActiveVersion selects which version new seals use.
	TenantSecretKeys          map[int]string
	TenantSecretActiveVersion int

	// AllowPublicRegistration gates whether role=user registration is open
	// without an invitation code (role=admin always requires one).
	AllowPublicRegistration bool

	// BootstrapAdminSecret is the deployment-wide credential that authorizes
	// POST /api/tenants, since a brand-new tenant obviously cannot be gated
	// behind its own not-yet-existing tenant_secret. Deployments that never
	// mint new tenants over the API can leave it empty, which disables the
	// endpoint entirely rather than falling open.
	BootstrapAdminSecret string
}

// Load reads configuration from environment variables, applying the same
// defaults a bare `go run ./cmd/api` needs to boot against a local Postgres.
func Load() Config {
	return Config{
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		SentryDSN:   os.Getenv("SENTRY_DSN"),

		AccessTokenTTL:  getEnvAsDuration("ACCESS_TOKEN_TTL_SECONDS", 15*time.Minute),
		RefreshTokenTTL: getEnvAsDuration("REFRESH_TOKEN_TTL_SECONDS", 2*time.Hour),
		JWTIssuer:       getEnv("JWT_ISSUER", "lavente-sso"),

		InvitationTTL: getEnvAsDuration("INVITATION_TTL_SECONDS", 72*time.Hour),

		RateLimitMaxFailures: getEnvAsInt("RATE_LIMIT_MAX_FAILURES", 5),
		RateLimitWindow:      getEnvAsDuration("RATE_LIMIT_WINDOW_SECONDS", 15*time.Minute),
		RateLimitByIP:        getEnvAsBool("RATE_LIMIT_BY_IP", false),

		IPThrottleRPS:   getEnvAsFloat("IP_THROTTLE_RPS", 5),
		IPThrottleBurst: getEnvAsInt("IP_THROTTLE_BURST", 10),

		SSOAllowOrigins: parseSSOAllowOrigins(os.Getenv("SSO_ALLOW_ORIGINS")),

		ArgonMemoryKiB:   uint32(getEnvAsInt("ARGON_MEMORY_KIB", 64*1024)),
		ArgonIterations:  uint32(getEnvAsInt("ARGON_ITERATIONS", 3)),
		ArgonParallelism: uint8(getEnvAsInt("ARGON_PARALLELISM", 2)),

		TenantSecretKeys:          parseTenantSecretKeys(os.Getenv("TENANT_SECRET_KEYS")),
		TenantSecretActiveVersion: getEnvAsInt("TENANT_SECRET_ACTIVE_VERSION", 1),

		AllowPublicRegistration: getEnvAsBool("ALLOW_PUBLIC_REGISTRATION", true),

		BootstrapAdminSecret: os.Getenv("BOOTSTRAP_ADMIN_SECRET"),
	}
}

// parseSSOAllowOrigins parses "tenantID=origin1,origin2;tenantID2=origin3".
func parseSSOAllowOrigins(raw string) map[string][]string {
	out := map[string][]string{}
	if raw == "" {
		return out
	}
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		tenantID := strings.TrimSpace(parts[0])
		var origins []string
		for _, o := range strings.Split(parts[1], ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		out[tenantID] = origins
	}
	return out
}

// parseTenantSecretKeys parses "1:hexkey,2:hexkey" into version -> hex key.
func parseTenantSecretKeys(raw string) map[int]string {
	out := map[int]string{}
	if raw == "" {
		return out
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 {
			continue
		}
		version, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			continue
		}
		out[version] = strings.TrimSpace(parts[1])
	}
	return out
}

func getEnv(name, defaultVal string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return defaultVal
}

func getEnvAsBool(name string, defaultVal bool) bool {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.ParseBool(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}

func getEnvAsInt(name string, defaultVal int) int {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}

func getEnvAsFloat(name string, defaultVal float64) float64 {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.ParseFloat(valStr, 64)
	if err != nil {
		return defaultVal
	}
	return val
}

func getEnvAsDuration(name string, defaultVal time.Duration) time.Duration {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal
	}
	seconds, err := strconv.Atoi(valStr)
	if err != nil {
		return defaultVal
	}
	return time.Duration(seconds) * time.Second
}

// Validate reports a descriptive error for configuration that would make the
// server unsafe or unable to start, checked once at boot before any
// dependency is constructed.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	if len(c.TenantSecretKeys) == 0 {
		return fmt.Errorf("config: TENANT_SECRET_KEYS is required")
	}
	if _, ok := c.TenantSecretKeys[c.TenantSecretActiveVersion]; !ok {
		return fmt.Errorf("config: TENANT_SECRET_ACTIVE_VERSION %d has no matching key in TENANT_SECRET_KEYS", c.TenantSecretActiveVersion)
	}
	return nil
}
