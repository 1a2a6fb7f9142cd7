// Package secrets generates and verifies license credential secrets.
//
// Secrets are random printable strings guaranteed to contain all four
// character classes. Hashes are salted PBKDF2-SHA256 derivations encoded as
// a single storable blob; verification is constant time.
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// hashScheme identifies the encoding of stored hash blobs.
	hashScheme = "pbkdf2-sha256"

	// MinIterations is the lowest permitted PBKDF2 iteration count.
	MinIterations = 100000

	// DefaultIterations is used when no explicit count is configured.
	DefaultIterations = 120000

	saltLength = 16
	keyLength  = 32

	lowerChars  = "abcdefghijklmnopqrstuvwxyz"
	upperChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digitChars  = "0123456789"
	symbolChars = "!@#$%^&*-_=+"
)

// ErrCorruptCredential indicates a stored hash blob that cannot be decoded.
// Callers treat it as a validation failure rather than crashing.
var ErrCorruptCredential = errors.New("corrupt credential hash")

// Codec generates secrets and derives/verifies their storage hashes.
type Codec struct {
	iterations int
}

// NewCodec creates a codec with the given PBKDF2 iteration count. Counts
// below MinIterations are raised to DefaultIterations.
func NewCodec(iterations int) *Codec {
	if iterations < MinIterations {
		iterations = DefaultIterations
	}
	return &Codec{iterations: iterations}
}

// Generate produces a cryptographically random secret of the given length.
// For length >= 4 the result contains at least one lowercase letter, one
// uppercase letter, one digit, and one symbol; positions are shuffled so
// class membership is not predictable from position.
func (c *Codec) Generate(length int) (string, error) {
	if length < 1 {
		return "", fmt.Errorf("secret length must be positive, got %d", length)
	}

	classes := []string{lowerChars, upperChars, digitChars, symbolChars}
	combined := lowerChars + upperChars + digitChars + symbolChars

	out := make([]byte, 0, length)

	if length >= len(classes) {
		for _, class := range classes {
			ch, err := randomChar(class)
			if err != nil {
				return "", err
			}
			out = append(out, ch)
		}
	}

	for len(out) < length {
		ch, err := randomChar(combined)
		if err != nil {
			return "", err
		}
		out = append(out, ch)
	}

	if err := shuffle(out); err != nil {
		return "", err
	}

	return string(out), nil
}

// Hash derives a salted key from the secret and returns the encoded blob:
// scheme$iterations$base64(salt)$base64(key).
func (c *Codec) Hash(secret string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := pbkdf2.Key([]byte(secret), salt, c.iterations, keyLength, sha256.New)

	return strings.Join([]string{
		hashScheme,
		strconv.Itoa(c.iterations),
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	}, "$"), nil
}

// Verify recomputes the derived key using the blob's stored salt and
// iteration count and compares in constant time. A malformed blob returns
// ErrCorruptCredential.
func (c *Codec) Verify(secret, blob string) (bool, error) {
	parts := strings.Split(blob, "$")
	if len(parts) != 4 || parts[0] != hashScheme {
		return false, ErrCorruptCredential
	}

	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations < 1 {
		return false, ErrCorruptCredential
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return false, ErrCorruptCredential
	}

	stored, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil || len(stored) == 0 {
		return false, ErrCorruptCredential
	}

	derived := pbkdf2.Key([]byte(secret), salt, iterations, len(stored), sha256.New)

	return subtle.ConstantTimeCompare(derived, stored) == 1, nil
}

func randomChar(alphabet string) (byte, error) {
	idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
	if err != nil {
		return 0, fmt.Errorf("read random: %w", err)
	}
	return alphabet[idx.Int64()], nil
}

// shuffle performs a Fisher-Yates shuffle with crypto/rand indices.
func shuffle(b []byte) error {
	for i := len(b) - 1; i > 0; i-- {
		j, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return fmt.Errorf("read random: %w", err)
		}
		b[i], b[j.Int64()] = b[j.Int64()], b[i]
	}
	return nil
}
