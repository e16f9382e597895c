package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/oauth2"
)

// UserCodeAlphabet excludes vowels and look-alike characters so user codes
// cannot spell words and survive being read aloud (RFC 8628 section 6.1).
const UserCodeAlphabet = "BCDFGHJKLMNPQRSTVWXZ"

// UserCodeLength is the number of significant characters in a user code.
// 20^8 gives about 34 bits of entropy, sufficient with the device code TTL
// and per-IP rate limiting on the approval endpoint.
const UserCodeLength = 8

// GenerateToken returns a 256-bit random URL-safe token. It backs
// authorization codes, refresh tokens, device codes, invite tokens and
// correlation IDs.
func GenerateToken() string {
	return oauth2.GenerateVerifier()
}

// HashToken returns the hex SHA-256 of a secret. Only hashes of long-lived
// secrets (refresh tokens, device codes, invite tokens) are persisted.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// TokenHashEqual compares two hashes in constant time.
func TokenHashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// GenerateUserCode returns a normalized user code (no separator).
func GenerateUserCode() (string, error) {
	max := big.NewInt(int64(len(UserCodeAlphabet)))
	var b strings.Builder
	b.Grow(UserCodeLength)
	for i := 0; i < UserCodeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate user code: %w", err)
		}
		b.WriteByte(UserCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// FormatUserCode renders a normalized user code as XXXX-XXXX.
func FormatUserCode(code string) string {
	if len(code) != UserCodeLength {
		return code
	}
	return code[:UserCodeLength/2] + "-" + code[UserCodeLength/2:]
}

// NormalizeUserCode upper-cases user input and strips separators and
// whitespace, so "bcdf-ghjk", "BCDF GHJK" and "BCDFGHJK" are equivalent.
func NormalizeUserCode(input string) string {
	var b strings.Builder
	b.Grow(len(input))
	for _, r := range strings.ToUpper(input) {
		switch {
		case r == '-' || r == ' ' || r == '\t':
			continue
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
