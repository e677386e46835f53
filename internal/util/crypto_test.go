package util

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateToken(t *testing.T) {
	t.Run("generates 64 hex characters", func(t *testing.T) {
		token, err := GenerateToken()
		require.NoError(t, err)
		assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{64}$`), token)
	})

	t.Run("generates unique tokens", func(t *testing.T) {
		seen := make(map[string]bool)
		for i := 0; i < 100; i++ {
			token, err := GenerateToken()
			require.NoError(t, err)
			assert.False(t, seen[token], "duplicate token generated")
			seen[token] = true
		}
	})
}

func TestHashToken(t *testing.T) {
	t.Run("is deterministic", func(t *testing.T) {
		assert.Equal(t, HashToken("abc"), HashToken("abc"))
	})

	t.Run("differs per input", func(t *testing.T) {
		assert.NotEqual(t, HashToken("abc"), HashToken("abd"))
	})
}

func TestGeneratePIN(t *testing.T) {
	t.Run("generates 6 digits", func(t *testing.T) {
		for i := 0; i < 50; i++ {
			pin, err := GeneratePIN()
			require.NoError(t, err)
			assert.Regexp(t, regexp.MustCompile(`^[0-9]{6}$`), pin)
		}
	})
}

func TestPINHashing(t *testing.T) {
	t.Run("round trips", func(t *testing.T) {
		hash, err := HashPIN("123456")
		require.NoError(t, err)
		assert.True(t, CheckPIN("123456", hash))
	})

	t.Run("rejects wrong pin", func(t *testing.T) {
		hash, err := HashPIN("123456")
		require.NoError(t, err)
		assert.False(t, CheckPIN("654321", hash))
	})
}

func TestMaskCode(t *testing.T) {
	assert.Equal(t, "12****", MaskCode("123456"))
	assert.Equal(t, "****", MaskCode("12"))
}
