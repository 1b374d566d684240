package license

import (
	"crypto/rand"
	"regexp"
	"strings"
)

const (
	keyAlphabet   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	keyGroups    = 4
	keyGroupSize = 5

	// TokenLength is the length of every nonce and session token.
	TokenLength = 32
)

var keyPattern = regexp.MustCompile(`^[A-Z0-9]{5}-[A-Z0-9]{5}-[A-Z0-9]{5}-[A-Z0-9]{5}$`)

// ValidKey reports whether s is a license key of the form XXXXX-XXXXX-XXXXX-XXXXX
// made of uppercase letters and digits.
func ValidKey(s string) bool {
	return keyPattern.MatchString(s)
}

// Normalize returns the canonical storage form of a license key.
func Normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func NewKey() (string, error) {
	s, err := randomString(keyAlphabet, keyGroups*keyGroupSize)
	if err != nil {
		return "", err
	}
	// group by 5 chars
	parts := make([]string, 0, keyGroups)
	for i := 0; i < len(s); i += keyGroupSize {
		parts = append(parts, s[i:i+keyGroupSize])
	}
	return strings.Join(parts, "-"), nil
}

// NewToken returns a random 32 character string over a 62 symbol alphabet.
// It is used for both nonces and session tokens.
func NewToken() (string, error) {
	return randomString(tokenAlphabet, TokenLength)
}

func randomString(alphabet string, n int) (string, error) {
	// Reject bytes past the largest multiple of len(alphabet) so every symbol is equally likely.
	limit := 256 - 256%len(alphabet)
	out := make([]byte, 0, n)
	buf := make([]byte, n*2)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}
