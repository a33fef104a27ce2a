package sessionkit

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenStatus is the local classification of a stored access token.
type TokenStatus int

const (
	// TokenValid means the embedded expiry lies in the future. The server
	// remains authoritative; a locally valid token can still be rejected.
	TokenValid TokenStatus = iota

	// TokenExpired means the embedded expiry has passed.
	TokenExpired

	// TokenMalformed means the token could not be decoded or carries no
	// expiry claim. Callers treat it exactly like TokenExpired (fail closed).
	TokenMalformed
)

func (s TokenStatus) String() string {
	switch s {
	case TokenValid:
		return "valid"
	case TokenExpired:
		return "expired"
	default:
		return "malformed"
	}
}

// Classify decodes the token's payload without verifying its signature and
// reports whether it is still usable at the given instant. Signature
// verification is the backend's job; the client only needs the exp claim to
// avoid needless round-trips.
func Classify(raw string, now time.Time) TokenStatus {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return TokenMalformed
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return TokenMalformed
	}

	if now.After(exp.Time) {
		return TokenExpired
	}
	return TokenValid
}

// Subject returns the token's sub claim, or "" if the token cannot be
// decoded or carries no subject.
func Subject(raw string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return ""
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return ""
	}
	return sub
}
