package auth

import (
	"context"

	"golang.org/x/oauth2"
)

type managerTokenSource struct {
	ctx     context.Context
	manager *Manager
}

// TokenSource adapts the Manager to oauth2.TokenSource so it can back an
// oauth2 HTTP client. The token's Expiry already has ExpirySkew applied, which
// makes the reuse wrapper come back for a new token before the Manager
// considers the old one expired.
func (m *Manager) TokenSource(ctx context.Context) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, &managerTokenSource{ctx: ctx, manager: m})
}

func (s *managerTokenSource) Token() (*oauth2.Token, error) {
	access, err := s.manager.AccessToken(s.ctx, false)
	if err != nil {
		return nil, err
	}

	tok := &oauth2.Token{
		AccessToken: access,
		TokenType:   "Bearer",
	}
	if cred, err := s.manager.Current(); err == nil {
		tok.RefreshToken = cred.Refresh
		tok.Expiry = cred.ExpiresAt.Add(-ExpirySkew)
	}
	return tok, nil
}
