// Package auth turns bearer tokens into Actors. Tokens are HMAC-signed
// JWTs carrying the agent id in `sub` and a `scopes` claim; credential
// management and token issuance belong to the deployment, not here.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ordinaut/ordinaut/internal/tasks"
)

// ErrInvalidToken covers every parse/verify failure; callers map it to
// a single 401 to avoid leaking why a token was rejected.
var ErrInvalidToken = errors.New("invalid or expired token")

// Claims is the JWT payload for agent tokens.
type Claims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes"`
}

// Verifier parses and verifies agent tokens.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier over a shared HMAC secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Parse verifies the token and returns the Actor it represents.
func (v *Verifier) Parse(tokenString string) (tasks.Actor, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return tasks.Actor{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return tasks.Actor{}, ErrInvalidToken
	}
	return tasks.Actor{AgentID: claims.Subject, Scopes: claims.Scopes}, nil
}

// SignToken mints a token for an agent. Used by operators and tests;
// the server itself never issues tokens.
func SignToken(secret, agentID string, scopes []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(), // lets deployments track or revoke individual tokens
		},
		Scopes: scopes,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
