package secrets

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateContainsAllClasses(t *testing.T) {
	codec := NewCodec(DefaultIterations)

	for i := 0; i < 20; i++ {
		secret, err := codec.Generate(16)
		require.NoError(t, err)
		require.Len(t, secret, 16)

		assert.True(t, strings.ContainsAny(secret, lowerChars), "missing lowercase: %q", secret)
		assert.True(t, strings.ContainsAny(secret, upperChars), "missing uppercase: %q", secret)
		assert.True(t, strings.ContainsAny(secret, digitChars), "missing digit: %q", secret)
		assert.True(t, strings.ContainsAny(secret, symbolChars), "missing symbol: %q", secret)
	}
}

func TestGenerateShortSecrets(t *testing.T) {
	codec := NewCodec(DefaultIterations)

	secret, err := codec.Generate(2)
	require.NoError(t, err)
	assert.Len(t, secret, 2)

	_, err = codec.Generate(0)
	assert.Error(t, err)
}

func TestGenerateUnique(t *testing.T) {
	codec := NewCodec(DefaultIterations)

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		secret, err := codec.Generate(24)
		require.NoError(t, err)
		assert.False(t, seen[secret], "duplicate secret generated")
		seen[secret] = true
	}
}

func TestHashVerifyRoundTrip(t *testing.T) {
	codec := NewCodec(DefaultIterations)

	secret, err := codec.Generate(20)
	require.NoError(t, err)

	blob, err := codec.Hash(secret)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(blob, "pbkdf2-sha256$"))

	ok, err := codec.Verify(secret, blob)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyRejectsMutations(t *testing.T) {
	codec := NewCodec(DefaultIterations)

	secret, err := codec.Generate(12)
	require.NoError(t, err)

	blob, err := codec.Hash(secret)
	require.NoError(t, err)

	for i := 0; i < len(secret); i++ {
		mutated := []byte(secret)
		if mutated[i] == 'x' {
			mutated[i] = 'y'
		} else {
			mutated[i] = 'x'
		}
		ok, err := codec.Verify(string(mutated), blob)
		require.NoError(t, err)
		assert.False(t, ok, "mutation at position %d accepted", i)
	}
}

func TestHashProducesFreshSalt(t *testing.T) {
	codec := NewCodec(DefaultIterations)

	first, err := codec.Hash("same-secret")
	require.NoError(t, err)
	second, err := codec.Hash("same-secret")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)

	for _, blob := range []string{first, second} {
		ok, err := codec.Verify("same-secret", blob)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestVerifyCorruptBlob(t *testing.T) {
	codec := NewCodec(DefaultIterations)

	tests := []struct {
		name string
		blob string
	}{
		{"empty", ""},
		{"wrong scheme", "bcrypt$10$c2FsdA$a2V5"},
		{"missing parts", "pbkdf2-sha256$120000$c2FsdA"},
		{"bad iterations", "pbkdf2-sha256$abc$c2FsdA$a2V5"},
		{"bad salt encoding", "pbkdf2-sha256$120000$!!!$a2V5"},
		{"bad key encoding", "pbkdf2-sha256$120000$c2FsdA$!!!"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := codec.Verify("whatever", tt.blob)
			assert.False(t, ok)
			assert.ErrorIs(t, err, ErrCorruptCredential)
		})
	}
}

func TestNewCodecEnforcesMinimumIterations(t *testing.T) {
	codec := NewCodec(1000)
	assert.Equal(t, DefaultIterations, codec.iterations)

	codec = NewCodec(150000)
	assert.Equal(t, 150000, codec.iterations)
}
