// Package auth verifies the opaque credential a connection presents at
// accept time and maps it to a stable user identity.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/dkeye/Huddle/internal/domain"
)

var ErrInvalidToken = errors.New("invalid token")

// Verifier maps a credential to a verified identity, or fails. The hub only
// depends on this interface; swapping in a remote identity service is a
// wiring change.
type Verifier interface {
	Verify(ctx context.Context, token string) (*domain.User, error)
}

// Issuer signs tokens locally. Only the local verifier implements it; a
// remote identity service issues its own.
type Issuer interface {
	Issue(user *domain.User, ttl time.Duration) (string, error)
}

type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 tokens issued by the identity service.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(ctx context.Context, token string) (*domain.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" || len(claims.Subject) > domain.MaxUserIDLen {
		return nil, ErrInvalidToken
	}
	username := claims.Username
	if username == "" {
		username = claims.Subject
	}
	if len(username) > domain.MaxUsernameLen {
		username = username[:domain.MaxUsernameLen]
	}
	return &domain.User{ID: domain.UserID(claims.Subject), Username: username}, nil
}

// Issue signs a token for user, valid for ttl. Used by local tooling and
// tests; production tokens come from the external identity service.
func (v *JWTVerifier) Issue(user *domain.User, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Username: user.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   string(user.ID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
