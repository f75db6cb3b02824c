package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPKCEChallengeIsHexSHA256OfVerifier(t *testing.T) {
	p, err := NewPKCE()
	require.NoError(t, err)

	assert.Len(t, p.Verifier, 64)
	sum := sha256.Sum256([]byte(p.Verifier))
	assert.Equal(t, hex.EncodeToString(sum[:]), p.Challenge)
	assert.NotEmpty(t, p.State)
}

func TestNewPKCEIsFreshEachTime(t *testing.T) {
	a, err := NewPKCE()
	require.NoError(t, err)
	b, err := NewPKCE()
	require.NoError(t, err)

	assert.NotEqual(t, a.Verifier, b.Verifier)
	assert.NotEqual(t, a.State, b.State)
	assert.NotEqual(t, a.Verifier, a.State)
}
