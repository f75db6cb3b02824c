package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextPollIntervalGrowsToCapAndNeverShrinks(t *testing.T) {
	want := []time.Duration{
		3 * time.Second,
		4500 * time.Millisecond,
		6750 * time.Millisecond,
		10 * time.Second,
		10 * time.Second,
	}

	interval := 2 * time.Second
	for i, w := range want {
		next := nextPollInterval(interval)
		assert.GreaterOrEqual(t, next, interval, "step %d shrank", i)
		assert.Equal(t, w, next, "step %d", i)
		interval = next
	}

	assert.Equal(t, 15*time.Second, nextPollInterval(15*time.Second))
}

func TestLoginPendingThenSuccess(t *testing.T) {
	oauth, srv := newOAuthServer(t)
	oauth.pollReplies = []map[string]interface{}{
		{"status": "pending"},
		{"status": "pending"},
		{"status": "pending"},
		{"status": "success", "access_token": "A", "refresh_token": "R", "expired_in": 3600},
	}
	clock := newFakeClock()
	client := newTestClient(srv, clock)

	var shownURI, shownCode string
	tok, err := client.Login(context.Background(), "cn", func(uri, code string) error {
		shownURI, shownCode = uri, code
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, &Token{Access: "A", Refresh: "R", ExpiresIn: 3600, Region: "cn"}, tok)
	assert.Equal(t, "https://login.example.test/device", shownURI)
	assert.Equal(t, "ABCD-1234", shownCode)
	assert.Equal(t, []time.Duration{
		2 * time.Second,
		3 * time.Second,
		4500 * time.Millisecond,
		6750 * time.Millisecond,
	}, clock.Sleeps())

	codeCalls, pollCalls, _ := oauth.calls()
	assert.Equal(t, 1, codeCalls)
	assert.Equal(t, 4, pollCalls)

	// Every poll proves possession of the verifier behind the posted challenge.
	require.NotEmpty(t, oauth.verifiers)
	for _, v := range oauth.verifiers {
		sum := sha256.Sum256([]byte(v))
		assert.Equal(t, oauth.challenge, hex.EncodeToString(sum[:]))
	}
	for _, id := range oauth.clientIDs {
		assert.Equal(t, DefaultClientID, id)
	}
}

func TestLoginUsesFreshPKCEPerAttempt(t *testing.T) {
	oauth, srv := newOAuthServer(t)
	success := map[string]interface{}{"status": "success", "access_token": "A", "refresh_token": "R", "expired_in": 60}
	oauth.pollReplies = []map[string]interface{}{success}
	client := newTestClient(srv, newFakeClock())

	_, err := client.Login(context.Background(), "cn", noopPrompt)
	require.NoError(t, err)
	firstChallenge, firstState := oauth.challenge, oauth.state

	oauth.pollReplies = []map[string]interface{}{success}
	_, err = client.Login(context.Background(), "cn", noopPrompt)
	require.NoError(t, err)

	assert.NotEqual(t, firstChallenge, oauth.challenge)
	assert.NotEqual(t, firstState, oauth.state)
}

func TestLoginErrorStatusIsFinal(t *testing.T) {
	oauth, srv := newOAuthServer(t)
	oauth.pollReplies = []map[string]interface{}{
		{"status": "pending"},
		{"status": "error", "message": "access_denied"},
	}
	client := newTestClient(srv, newFakeClock())

	_, err := client.Login(context.Background(), "cn", noopPrompt)

	var oerr *OAuthError
	require.ErrorAs(t, err, &oerr)
	assert.Contains(t, oerr.Message, "access_denied")
	_, pollCalls, _ := oauth.calls()
	assert.Equal(t, 2, pollCalls)
}

func TestLoginTimesOutWhenCodeExpires(t *testing.T) {
	oauth, srv := newOAuthServer(t)
	oauth.codeBody["expires_in"] = 5
	client := newTestClient(srv, newFakeClock())

	_, err := client.Login(context.Background(), "cn", noopPrompt)

	require.ErrorIs(t, err, ErrLoginTimeout)
	_, pollCalls, _ := oauth.calls()
	assert.Equal(t, 2, pollCalls)
}

func TestLoginCodeRequestRejected(t *testing.T) {
	oauth, srv := newOAuthServer(t)
	oauth.codeStatus = http.StatusForbidden
	client := newTestClient(srv, newFakeClock())

	_, err := client.Login(context.Background(), "cn", noopPrompt)

	var oerr *OAuthError
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, http.StatusForbidden, oerr.StatusCode)
	_, pollCalls, _ := oauth.calls()
	assert.Zero(t, pollCalls)
}

func TestLoginPromptErrorAbortsBeforePolling(t *testing.T) {
	oauth, srv := newOAuthServer(t)
	client := newTestClient(srv, newFakeClock())
	boom := errors.New("terminal closed")

	_, err := client.Login(context.Background(), "cn", func(string, string) error { return boom })

	require.ErrorIs(t, err, boom)
	_, pollCalls, _ := oauth.calls()
	assert.Zero(t, pollCalls)
}

func TestInitiateRejectsStateMismatch(t *testing.T) {
	oauth, srv := newOAuthServer(t)
	oauth.codeBody["state"] = "someone-else"
	client := newTestClient(srv, newFakeClock())

	pkce, err := NewPKCE()
	require.NoError(t, err)
	_, err = client.Initiate(context.Background(), "cn", pkce)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "state mismatch")
}

func TestInitiateAppliesDefaults(t *testing.T) {
	oauth, srv := newOAuthServer(t)
	delete(oauth.codeBody, "expires_in")
	delete(oauth.codeBody, "interval")
	client := newTestClient(srv, newFakeClock())

	pkce, err := NewPKCE()
	require.NoError(t, err)
	code, err := client.Initiate(context.Background(), "cn", pkce)
	require.NoError(t, err)

	assert.Equal(t, defaultExpiresIn, code.ExpiresIn)
	assert.Equal(t, defaultPollInterval, code.Interval)
	assert.Equal(t, pkce.State, oauth.state)
}

func TestUnknownRegion(t *testing.T) {
	client := NewDeviceClient()

	_, err := client.Login(context.Background(), "mars", noopPrompt)
	require.ErrorIs(t, err, ErrUnknownRegion)

	_, err = client.Refresh(context.Background(), "mars", "R")
	require.ErrorIs(t, err, ErrUnknownRegion)
}

func TestRefresh(t *testing.T) {
	oauth, srv := newOAuthServer(t)
	client := newTestClient(srv, newFakeClock())

	tok, err := client.Refresh(context.Background(), "cn", "R-old")
	require.NoError(t, err)

	assert.Equal(t, "access-refreshed", tok.Access)
	assert.Equal(t, "refresh-refreshed", tok.Refresh)
	assert.EqualValues(t, 7200, tok.ExpiresIn)
	assert.Equal(t, "R-old", oauth.refreshToken)
}

func TestRefreshNon2xxIsError(t *testing.T) {
	oauth, srv := newOAuthServer(t)
	oauth.refreshCode = http.StatusUnauthorized
	client := newTestClient(srv, newFakeClock())

	_, err := client.Refresh(context.Background(), "cn", "R")

	var oerr *OAuthError
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, http.StatusUnauthorized, oerr.StatusCode)
	assert.Contains(t, oerr.Message, "invalid refresh token")
}

func TestLoginHonoursContextCancel(t *testing.T) {
	_, srv := newOAuthServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	client := NewDeviceClient(
		WithHTTPClient(srv.Client()),
		WithEndpoint("cn", Endpoint{BaseURL: srv.URL}),
	)

	_, err := client.Login(ctx, "cn", func(string, string) error {
		cancel()
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
}
