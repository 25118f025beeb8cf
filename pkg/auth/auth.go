// Package auth issues and validates the bearer tokens that admit peers to the websocket endpoint.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// Issuer is the issuer claim of generated tokens.
	Issuer = "amnesia"
	// TokenQueryParam carries the token for clients that cannot set headers, like browsers
	// opening a websocket.
	TokenQueryParam = "token"
)

var (
	// ErrUnauthorized is returned for missing or invalid tokens.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrReadOnly is returned when a read-only peer submits a change request.
	ErrReadOnly = errors.New("peer is read-only")
)

// Claims represents the JWT claims we use.
type Claims struct {
	Username string `json:"username"`
	// ReadOnly peers receive diffs but may not submit change requests.
	ReadOnly bool `json:"readOnly,omitempty"`
	jwt.RegisteredClaims
}

// TokenGenerator signs tokens with a shared HMAC secret.
type TokenGenerator struct {
	secret []byte
}

// NewTokenGenerator creates a token generator.
func NewTokenGenerator(secret []byte) *TokenGenerator {
	return &TokenGenerator{secret: secret}
}

// GenerateToken issues a token for the user. A zero ttl issues a token that never expires.
func (g *TokenGenerator) GenerateToken(username string, readOnly bool, ttl time.Duration) (string, error) {
	if len(g.secret) == 0 {
		return "", errors.New("empty signing secret")
	}

	now := time.Now()
	claims := &Claims{
		Username: username,
		ReadOnly: readOnly,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// Authenticator validates tokens signed with the shared secret.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator creates an authenticator.
func NewAuthenticator(secret []byte) *Authenticator {
	return &Authenticator{secret: secret}
}

// ParseToken validates a token and returns its claims.
func (a *Authenticator) ParseToken(token string) (*Claims, error) {
	claims := &Claims{}
	jwtToken, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithIssuer(Issuer))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid token: %w", ErrUnauthorized, err)
	}
	if !jwtToken.Valid {
		return nil, fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}

	return claims, nil
}

// AuthenticateRequest extracts the bearer token from the Authorization header, or failing that
// from the token query parameter, and validates it.
func (a *Authenticator) AuthenticateRequest(req *http.Request) (*Claims, error) {
	token := req.URL.Query().Get(TokenQueryParam)
	if authHeader := req.Header.Get("Authorization"); authHeader != "" {
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return nil, fmt.Errorf("%w: invalid authorization header format", ErrUnauthorized)
		}
		token = strings.TrimPrefix(authHeader, "Bearer ")
	}
	if token == "" {
		return nil, fmt.Errorf("%w: no token", ErrUnauthorized)
	}

	return a.ParseToken(token)
}
