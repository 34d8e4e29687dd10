package realtime

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/park285/cheese-chess-server/internal/domain"
)

// Authenticator resolves the player behind an upgrade request.
type Authenticator struct {
	secret       []byte
	trustHeaders bool
}

func NewAuthenticator(secret string, trustGatewayHeaders bool) *Authenticator {
	return &Authenticator{secret: []byte(secret), trustHeaders: trustGatewayHeaders}
}

// Identify accepts a bearer token from the Authorization header or the
// token query parameter. With gateway headers trusted, X-User-Id wins.
func (a *Authenticator) Identify(r *http.Request) (string, error) {
	return a.Resolve(r.Header.Get("X-User-Id"), r.Header.Get("Authorization"), r.URL.Query().Get("token"))
}

// Resolve is Identify over raw header and query values.
func (a *Authenticator) Resolve(userHeader, authorization, queryToken string) (string, error) {
	if a.trustHeaders {
		if id := strings.TrimSpace(userHeader); id != "" {
			return id, nil
		}
	}
	raw := strings.TrimSpace(queryToken)
	if strings.HasPrefix(authorization, "Bearer ") {
		raw = strings.TrimSpace(strings.TrimPrefix(authorization, "Bearer "))
	}
	if raw == "" || len(a.secret) == 0 {
		return "", domain.ErrNotAuthenticated
	}
	return a.parse(raw)
}

func (a *Authenticator) parse(raw string) (string, error) {
	tok, err := jwt.Parse(raw, func(*jwt.Token) (any, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrNotAuthenticated, err)
	}
	sub, err := tok.Claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return "", fmt.Errorf("%w: missing subject", domain.ErrNotAuthenticated)
	}
	return sub, nil
}

// IssueToken signs a token for playerID valid for ttl.
func IssueToken(secret, playerID string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("empty signing secret")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   playerID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
