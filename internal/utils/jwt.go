package utils // package utils holds small crypto helpers shared by clients and services

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ServiceIssuer is the "iss" claim on every token this backend signs for
// partner APIs.
const ServiceIssuer = "paylink"

// NewServiceToken builds and signs a short‑lived HS256 JWT that identifies
// this backend to a partner API.  The aggregator verifies it with the shared
// secret on every request, so a fresh token is minted per call.  The token
// carries iss, aud, iat and exp claims only; it never names an end user.
func NewServiceToken(secret, audience string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("utils: empty signing secret")
	}
	// Registered claims cover everything the partner checks.
	claims := jwt.RegisteredClaims{
		Issuer:    ServiceIssuer,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now.UTC()),
		ExpiresAt: jwt.NewNumericDate(now.UTC().Add(ttl)),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString([]byte(secret))
}

// ParseServiceToken validates a token produced by NewServiceToken and returns
// its claims.  Only HS256 is accepted.
func ParseServiceToken(secret, raw string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(ServiceIssuer))
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// HashCardNumber returns the SHA‑256 hash of a card number as a hex string.
// Only this fingerprint and a masked PAN are stored, so a leaked table does
// not expose card numbers while uniqueness checks still work.
func HashCardNumber(number string) string {
	sum := sha256.Sum256([]byte(number))
	return hex.EncodeToString(sum[:])
}

// MaskPAN keeps the first six and last four digits of a card number and
// replaces the rest with '*'.  Short inputs are fully masked.
func MaskPAN(number string) string {
	if len(number) < 12 {
		masked := make([]byte, len(number))
		for i := range masked {
			masked[i] = '*'
		}
		return string(masked)
	}
	b := []byte(number)
	for i := 6; i < len(b)-4; i++ {
		b[i] = '*'
	}
	return string(b)
}
