package challenge

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"math/big"
	"strings"
)

// Generator produces the secret a caller has to echo back.
type Generator func() (string, error)

// NumericCode returns a generator of zero-padded decimal codes.
func NumericCode(digits int) Generator {
	return func() (string, error) {
		if digits < 4 || digits > 10 {
			return "", errors.New("challenge: invalid code length")
		}
		var b strings.Builder
		b.Grow(digits)
		ten := big.NewInt(10)
		for i := 0; i < digits; i++ {
			n, err := rand.Int(rand.Reader, ten)
			if err != nil {
				return "", err
			}
			b.WriteByte(byte('0' + n.Int64()))
		}
		return b.String(), nil
	}
}

// KeyToken returns a generator of URL-safe random tokens built from n bytes.
func KeyToken(n int) Generator {
	return func() (string, error) {
		buf := make([]byte, n)
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		return base64.RawURLEncoding.EncodeToString(buf), nil
	}
}

// Fixed always returns code.  Only useful in tests and local development.
func Fixed(code string) Generator {
	return func() (string, error) { return code, nil }
}
