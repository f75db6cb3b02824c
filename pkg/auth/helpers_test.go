package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// oauthServer fakes the MiniMax /oauth/code and /oauth/token endpoints.
type oauthServer struct {
	mu sync.Mutex

	codeStatus   int
	codeBody     map[string]interface{}
	pollReplies  []map[string]interface{}
	refreshCode  int
	refreshReply map[string]interface{}

	codeCalls    int
	pollCalls    int
	refreshCalls int
	challenge    string
	state        string
	verifiers    []string
	refreshToken string
	clientIDs    []string
}

func newOAuthServer(t *testing.T) (*oauthServer, *httptest.Server) {
	t.Helper()
	s := &oauthServer{
		codeStatus: http.StatusOK,
		codeBody: map[string]interface{}{
			"verification_uri": "https://login.example.test/device",
			"user_code":        "ABCD-1234",
			"expires_in":       300,
			"interval":         2,
		},
		refreshCode: http.StatusOK,
		refreshReply: map[string]interface{}{
			"access_token":  "access-refreshed",
			"refresh_token": "refresh-refreshed",
			"expired_in":    7200,
		},
	}
	srv := httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(srv.Close)
	return s, srv
}

func (s *oauthServer) serve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientIDs = append(s.clientIDs, r.PostForm.Get("client_id"))

	switch r.URL.Path {
	case "/oauth/code":
		s.codeCalls++
		s.challenge = r.PostForm.Get("code_challenge")
		s.state = r.PostForm.Get("state")
		if s.codeStatus != http.StatusOK {
			http.Error(w, "code denied", s.codeStatus)
			return
		}
		writeJSON(w, http.StatusOK, s.codeBody)
	case "/oauth/token":
		switch r.PostForm.Get("grant_type") {
		case GrantTypeUserCode:
			s.pollCalls++
			s.verifiers = append(s.verifiers, r.PostForm.Get("code_verifier"))
			if len(s.pollReplies) == 0 {
				writeJSON(w, http.StatusOK, map[string]interface{}{"status": "pending"})
				return
			}
			reply := s.pollReplies[0]
			s.pollReplies = s.pollReplies[1:]
			writeJSON(w, http.StatusOK, reply)
		case GrantTypeRefresh:
			s.refreshCalls++
			s.refreshToken = r.PostForm.Get("refresh_token")
			if s.refreshCode != http.StatusOK {
				http.Error(w, "invalid refresh token", s.refreshCode)
				return
			}
			writeJSON(w, http.StatusOK, s.refreshReply)
		default:
			http.Error(w, "bad grant", http.StatusBadRequest)
		}
	default:
		http.NotFound(w, r)
	}
}

func (s *oauthServer) calls() (code, poll, refresh int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codeCalls, s.pollCalls, s.refreshCalls
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(srv *httptest.Server, clock *fakeClock) *DeviceClient {
	return NewDeviceClient(
		WithHTTPClient(srv.Client()),
		WithEndpoint("cn", Endpoint{BaseURL: srv.URL}),
		WithClock(clock.Now, clock.Sleep),
	)
}

func noopPrompt(string, string) error { return nil }
