package license

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"ABCDE-12345-FGHIJ-67890", true},
		{"AAAAA-AAAAA-AAAAA-AAAAA", true},
		{"abcde-12345-fghij-67890", false},
		{"ABCDE-12345-FGHIJ", false},
		{"ABCDE-12345-FGHIJ-678901", false},
		{"ABCDE_12345_FGHIJ_67890", false},
		{" ABCDE-12345-FGHIJ-67890", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidKey(tt.key))
		})
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "ABCDE-12345-FGHIJ-67890", Normalize("  abcde-12345-FGHIJ-67890\n"))
}

func TestNewKeyFormat(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		key, err := NewKey()
		require.NoError(t, err)
		require.True(t, ValidKey(key), "generated key %q", key)
		require.False(t, seen[key], "duplicate key %q", key)
		seen[key] = true
	}
}

func TestNewTokenAlphabet(t *testing.T) {
	tok, err := NewToken()
	require.NoError(t, err)
	require.Len(t, tok, TokenLength)
	for _, r := range tok {
		assert.True(t, strings.ContainsRune(tokenAlphabet, r), "unexpected symbol %q", r)
	}

	other, err := NewToken()
	require.NoError(t, err)
	assert.NotEqual(t, tok, other)
}
