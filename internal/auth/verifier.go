// Package auth verifies bearer tokens issued by the credential service.
//
// Only the verification outcome is consumed here; credential issuance lives
// in the auth service.
package auth

import (
	"context"
	"fmt"
	"strconv"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"

	"github.com/NoooNlIoN/kanban-backend/internal/domain"
)

// JWTVerifier validates HS256 bearer tokens against a shared signing secret.
type JWTVerifier struct {
	secret []byte
	clock  clockwork.Clock
}

// NewJWTVerifier constructs a verifier. The clock is injectable so expiry
// handling can be tested deterministically.
func NewJWTVerifier(secret []byte, clock clockwork.Clock) *JWTVerifier {
	return &JWTVerifier{secret: secret, clock: clock}
}

// Verify parses and validates the token, returning the authenticated identity.
// Any parse, signature, or expiry failure maps to domain.ErrTokenInvalid.
func (v *JWTVerifier) Verify(_ context.Context, tokenString string) (domain.Identity, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.clock.Now),
	)

	var claims jwt.RegisteredClaims
	_, err := parser.ParseWithClaims(tokenString, &claims, func(_ *jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %w", domain.ErrTokenInvalid, err)
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: non-numeric subject %q", domain.ErrTokenInvalid, claims.Subject)
	}

	return domain.Identity{
		UserID:    userID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
