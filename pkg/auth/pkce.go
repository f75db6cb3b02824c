package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// PKCE is the verifier/challenge pair plus state bound to one login attempt.
// The challenge is the hex SHA-256 of the verifier, which is what the
// MiniMax endpoint expects for method S256.
type PKCE struct {
	Verifier  string
	Challenge string
	State     string
}

func NewPKCE() (PKCE, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return PKCE{}, fmt.Errorf("generate pkce verifier: %w", err)
	}
	verifier := hex.EncodeToString(buf)

	state, err := uuid.NewRandom()
	if err != nil {
		return PKCE{}, fmt.Errorf("generate pkce state: %w", err)
	}

	return PKCE{
		Verifier:  verifier,
		Challenge: challengeFor(verifier),
		State:     state.String(),
	}, nil
}

func challengeFor(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return hex.EncodeToString(sum[:])
}
