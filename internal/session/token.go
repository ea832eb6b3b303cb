package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenClaims is what the client can learn from a token without the
// signing key. Tokens are opaque to the protocol; when one happens to be a
// JWT the claims are used for diagnostics and to skip a pointless
// validation round trip for an expired token.
type tokenClaims struct {
	jwt       bool
	userID    uint
	expiresAt time.Time
}

// inspectToken parses token as an unverified JWT. Non-JWT tokens yield the
// zero value.
func inspectToken(token string) tokenClaims {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return tokenClaims{}
	}

	tc := tokenClaims{jwt: true}

	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		tc.expiresAt = exp.Time
	}

	if id, ok := claims["user_id"].(float64); ok && id > 0 {
		tc.userID = uint(id)
	}

	return tc
}

// expired reports whether the token carries an expiry that has passed.
func (c tokenClaims) expired(now time.Time) bool {
	return !c.expiresAt.IsZero() && !now.Before(c.expiresAt)
}
