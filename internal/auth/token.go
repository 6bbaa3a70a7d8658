package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Common token errors. TokenCodec.Parse maps every jwt/v5 failure onto one
// of these so the orchestrator can branch on cause without inspecting
// library-internal error values.
var (
	ErrMalformedToken   = errors.New("auth: malformed token")
	ErrBadSignature     = errors.New("auth: bad signature")
	ErrTokenExpired     = errors.New("auth: token expired")
	ErrTokenNotYetValid = errors.New("auth: token not yet valid")
	ErrWrongTenant      = errors.New("auth: token issued for a different tenant")
)

// Claims is the custom JWT payload. Rather than one global signing keypair,
// each tenant signs with its own secret (TokenCodec.secretFor), so a token
// minted for one tenant can never validate against another even if an
// attacker replays it at the wrong tenant's endpoint.
type Claims struct {
	TenantID string `json:"tid"`
	Role     string `json:"role"`
	Family   string `json:"fam,omitempty"` // refresh-token family id; empty on access tokens
	jwt.RegisteredClaims
}

// TokenCodec mints and parses access and refresh tokens. SecretFor resolves
// the per-tenant signing secret; it is supplied by the caller (normally
// backed by storage.Repository) rather than baked into the codec, so tests
// can swap in fixed secrets without touching the database.
type TokenCodec struct {
	secretFor  func(tenantID string) (string, error)
	accessTTL  time.Duration
	refreshTTL time.Duration
	issuer     string
}

// NewTokenCodec builds a codec. accessTTL and refreshTTL are the lifetimes
// of the two token kinds the orchestrator issues.
func NewTokenCodec(secretFor func(tenantID string) (string, error), accessTTL, refreshTTL time.Duration, issuer string) *TokenCodec {
	return &TokenCodec{secretFor: secretFor, accessTTL: accessTTL, refreshTTL: refreshTTL, issuer: issuer}
}

// IssueAccessToken mints a short-lived access token scoped to one tenant.
// It carries its own jti even though nothing rotates it;
// verification never inspects it, but it keeps every issued token
// individually identifiable in logs/audit events.
func (c *TokenCodec) IssueAccessToken(userID, tenantID, role string) (string, error) {
	return c.sign(userID, tenantID, role, "", uuid.NewString(), c.accessTTL)
}

// IssueRefreshToken mints a refresh token carrying a jti (via RegisteredClaims.ID)
// and the family it belongs to, so rotation and reuse detection can key off it.
func (c *TokenCodec) IssueRefreshToken(userID, tenantID, role, familyID, jti string) (string, error) {
	return c.sign(userID, tenantID, role, familyID, jti, c.refreshTTL)
}

func (c *TokenCodec) sign(userID, tenantID, role, familyID, jti string, ttl time.Duration) (string, error) {
	secret, err := c.secretFor(tenantID)
	if err != nil {
		return "", fmt.Errorf("auth: resolve signing secret: %w", err)
	}
	now := time.Now()
	claims := Claims{
		TenantID: tenantID,
		Role:     role,
		Family:   familyID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        jti,
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// Parse validates a token against the signing secret of expectTenantID (when
// non-empty) and returns its claims. A token signed with a different
// tenant's secret therefore fails as ErrBadSignature; a token whose
// signature validates but whose tenant claim names a different tenant is
// reported as ErrWrongTenant.
func (c *TokenCodec) Parse(tokenString, expectTenantID string) (*Claims, error) {
	var resolvedTenant string
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		// The tenant claim isn't available until claims are decoded, which
		// happens inside the library before this callback returns, so pull
		// it straight off the claims the parser is populating.
		claims, _ := t.Claims.(*Claims)
		if claims != nil {
			resolvedTenant = claims.TenantID
		}
		tenantForSecret := expectTenantID
		if tenantForSecret == "" {
			tenantForSecret = resolvedTenant
		}
		secret, err := c.secretFor(tenantForSecret)
		if err != nil {
			return nil, err
		}
		return []byte(secret), nil
	})

	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenNotValidYet):
			return nil, ErrTokenNotYetValid
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrBadSignature
		default:
			return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
		}
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrMalformedToken
	}
	if expectTenantID != "" && claims.TenantID != expectTenantID {
		return nil, ErrWrongTenant
	}
	return claims, nil
}
