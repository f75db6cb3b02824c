package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenSourceReusesManagerToken(t *testing.T) {
	clock := newFakeClock()
	store := seedStore(t, clock, time.Hour)
	fa := newFakeAuthenticator()
	m := NewManager(fa, store, "cn", WithNow(clock.Now))

	ts := m.TokenSource(context.Background())
	tok, err := ts.Token()
	require.NoError(t, err)

	assert.Equal(t, "A-stored", tok.AccessToken)
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.Equal(t, "R-stored", tok.RefreshToken)
	assert.Equal(t, clock.Now().Add(time.Hour-ExpirySkew).Unix(), tok.Expiry.Unix())

	logins, refreshes := fa.counts()
	assert.Zero(t, logins)
	assert.Zero(t, refreshes)
}

func TestTokenSourceSurfacesInteractionRequired(t *testing.T) {
	m := NewManager(newFakeAuthenticator(), NewFileStore(t.TempDir()+"/token.json"), "cn")

	_, err := m.TokenSource(context.Background()).Token()
	require.ErrorIs(t, err, ErrInteractionRequired)
}
