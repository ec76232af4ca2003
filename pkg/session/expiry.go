package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoExpiry is returned when an access token carries no exp claim.
var ErrNoExpiry = errors.New("access token has no exp claim")

// TokenTimes holds the time claims embedded in an access token.
type TokenTimes struct {
	IssuedAt  time.Time // zero when iat is absent
	ExpiresAt time.Time
}

// Lifetime returns exp - iat, or 0 when iat is absent.
func (t TokenTimes) Lifetime() time.Duration {
	if t.IssuedAt.IsZero() {
		return 0
	}
	return t.ExpiresAt.Sub(t.IssuedAt)
}

// tokenParser decodes claims only. Signatures are the server's concern.
var tokenParser = jwt.NewParser()

// ParseTokenTimes decodes the middle part of a compact access token.
func ParseTokenTimes(accessToken string) (TokenTimes, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := tokenParser.ParseUnverified(accessToken, &claims); err != nil {
		return TokenTimes{}, fmt.Errorf("decode access token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return TokenTimes{}, ErrNoExpiry
	}

	times := TokenTimes{ExpiresAt: claims.ExpiresAt.Time}
	if claims.IssuedAt != nil {
		times.IssuedAt = claims.IssuedAt.Time
	}
	return times, nil
}

// TokenExpiry returns the instant the access token expires.
func TokenExpiry(accessToken string) (time.Time, error) {
	times, err := ParseTokenTimes(accessToken)
	if err != nil {
		return time.Time{}, err
	}
	return times.ExpiresAt, nil
}
