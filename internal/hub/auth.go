package hub

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agencydesk/chatcore/internal/domain"
)

// Claims is the token payload a connecting client presents. Identity is
// the stable user id everything else in the pipeline keys on.
type Claims struct {
	Identity string `json:"identity"`
	jwt.RegisteredClaims
}

// Authenticator validates handshake tokens.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator builds an HMAC token validator.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// TokenFromRequest extracts the raw token from a request. Tokens are
// accepted from the Authorization header (Bearer) or, for browser
// websocket clients that cannot set headers, the token query parameter.
// Returns "" when the request carries neither.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// Authenticate validates the token presented on a request.
func (a *Authenticator) Authenticate(r *http.Request) (string, error) {
	raw := TokenFromRequest(r)
	if raw == "" {
		return "", fmt.Errorf("%w: missing token", domain.ErrAuth)
	}
	return a.ValidateToken(raw)
}

// ValidateToken verifies a raw token and returns the identity it claims.
func (a *Authenticator) ValidateToken(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("%w: missing token", domain.ErrAuth)
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrAuth, err)
	}
	if !token.Valid || claims.Identity == "" {
		return "", fmt.Errorf("%w: invalid claims", domain.ErrAuth)
	}
	return claims.Identity, nil
}

// IssueToken mints a token for identity. Used by tests and the dev
// token endpoint.
func (a *Authenticator) IssueToken(identity string, ttl time.Duration) (string, error) {
	claims := &Claims{
		Identity: identity,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}
