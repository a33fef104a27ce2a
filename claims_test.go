package sessionkit

import (
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenSeq makes every signedToken unique: claims have second resolution, so
// without it two tokens signed within the same second would be identical.
var tokenSeq atomic.Uint64

// signedToken builds an HS256 token for tests. The signature is irrelevant
// to the classifier, which never verifies it.
func signedToken(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": sub, "exp": exp.Unix(), "iat": time.Now().Unix(), "jti": strconv.FormatUint(tokenSeq.Add(1), 10)}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return token
}

func tokenWithoutExpiry(t *testing.T, sub string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": sub}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return token
}

func TestClassify(t *testing.T) {
	now := time.Unix(1700000000, 0)

	tests := []struct {
		name string
		raw  string
		want TokenStatus
	}{
		{"valid", signedToken(t, "u1", now.Add(time.Hour)), TokenValid},
		{"expired", signedToken(t, "u1", now.Add(-time.Hour)), TokenExpired},
		{"expired one second ago", signedToken(t, "u1", now.Add(-time.Second)), TokenExpired},
		{"no expiry claim", tokenWithoutExpiry(t, "u1"), TokenMalformed},
		{"garbage", "not-a-token", TokenMalformed},
		{"empty", "", TokenMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.raw, now); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSubject(t *testing.T) {
	raw := signedToken(t, "func-042", time.Now().Add(time.Hour))
	if got := Subject(raw); got != "func-042" {
		t.Errorf("Subject() = %q, want func-042", got)
	}
	if got := Subject("garbage"); got != "" {
		t.Errorf("Subject(garbage) = %q, want empty", got)
	}
}
