package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"larkgate/pkg/logger"
)

type State int

const (
	StateNoToken State = iota
	StateValid
	StateExpiredRefreshable
	StateRefreshFailed
)

func (s State) String() string {
	switch s {
	case StateNoToken:
		return "NO_TOKEN"
	case StateValid:
		return "VALID"
	case StateExpiredRefreshable:
		return "EXPIRED_REFRESHABLE"
	case StateRefreshFailed:
		return "REFRESH_FAILED"
	default:
		return fmt.Sprintf("STATE(%d)", int(s))
	}
}

// Authenticator is the provider side of the Manager. DeviceClient satisfies it.
type Authenticator interface {
	Login(ctx context.Context, region string, prompt PromptFunc) (*Token, error)
	Refresh(ctx context.Context, region, refreshToken string) (*Token, error)
}

type ManagerOption func(*Manager)

// WithPrompt sets how the device code is shown to the operator. Without a
// prompt the Manager refuses to start a device login.
func WithPrompt(prompt PromptFunc) ManagerOption {
	return func(m *Manager) { m.prompt = prompt }
}

func WithNow(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager owns the credential for one region: it loads it from the Store on
// first use, keeps it in memory and writes it back after every change.
type Manager struct {
	auth   Authenticator
	store  Store
	region string
	prompt PromptFunc
	now    func() time.Time

	mu     sync.Mutex
	loaded bool
	cred   *Credential
	state  State
}

func NewManager(a Authenticator, store Store, region string, opts ...ManagerOption) *Manager {
	m := &Manager{
		auth:   a,
		store:  store,
		region: region,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred != nil && m.state == StateValid && m.cred.Expired(m.now()) {
		return StateExpiredRefreshable
	}
	return m.state
}

// Current returns a copy of the credential in memory, loading it if needed.
func (m *Manager) Current() (*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.loadLocked(); err != nil {
		return nil, err
	}
	if m.cred == nil {
		return nil, ErrNoCredential
	}
	c := *m.cred
	return &c, nil
}

// AccessToken returns a usable access token. A valid stored token is returned
// without any network call unless forceRefresh is set. Otherwise it makes at
// most one refresh attempt and, if that fails or there is nothing to refresh,
// at most one device login.
func (m *Manager) AccessToken(ctx context.Context, forceRefresh bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.loadLocked(); err != nil {
		return "", err
	}

	if m.cred != nil {
		if !forceRefresh && !m.cred.Expired(m.now()) {
			m.state = StateValid
			return m.cred.Access, nil
		}
		m.state = StateExpiredRefreshable

		access, err := m.refreshLocked(ctx)
		if err == nil {
			return access, nil
		}
		if ctx.Err() != nil {
			return "", err
		}
		logger.WarnCF("auth", "Token refresh failed, re-login required", map[string]interface{}{
			logger.FieldRegion: m.credRegionLocked(),
			logger.FieldError:  err.Error(),
		})
		m.state = StateRefreshFailed
	}

	return m.loginLocked(ctx)
}

// Login always runs a new device flow and replaces the stored credential.
func (m *Manager) Login(ctx context.Context) (*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.loginLocked(ctx); err != nil {
		return nil, err
	}
	c := *m.cred
	return &c, nil
}

// EnsureFresh refreshes the stored token when it expires within lead. It never
// starts a device login; ErrInteractionRequired is returned when one would be
// needed.
func (m *Manager) EnsureFresh(ctx context.Context, lead time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.loadLocked(); err != nil {
		return err
	}
	if m.cred == nil {
		return ErrInteractionRequired
	}
	if !m.cred.Expired(m.now().Add(lead)) {
		return nil
	}

	m.state = StateExpiredRefreshable
	if _, err := m.refreshLocked(ctx); err != nil {
		m.state = StateRefreshFailed
		return fmt.Errorf("%w: %v", ErrInteractionRequired, err)
	}
	return nil
}

func (m *Manager) loadLocked() error {
	if m.loaded {
		return nil
	}

	cred, err := m.store.Load()
	switch {
	case err == nil:
		m.cred = cred
		m.state = StateValid
	case errors.Is(err, ErrNoCredential):
		m.state = StateNoToken
	default:
		// An unreadable record is treated like a missing one; the next login
		// overwrites it.
		logger.WarnCF("auth", "Ignoring unreadable stored credential", map[string]interface{}{
			logger.FieldError: err.Error(),
		})
		m.state = StateNoToken
	}
	m.loaded = true
	return nil
}

func (m *Manager) credRegionLocked() string {
	if m.cred != nil && m.cred.Region != "" {
		return m.cred.Region
	}
	return m.region
}

func (m *Manager) refreshLocked(ctx context.Context) (string, error) {
	if m.cred.Refresh == "" {
		return "", fmt.Errorf("stored credential has no refresh token")
	}

	region := m.credRegionLocked()
	tok, err := m.auth.Refresh(ctx, region, m.cred.Refresh)
	if err != nil {
		return "", err
	}

	next := m.credentialFrom(tok, region)
	if next.Refresh == "" {
		next.Refresh = m.cred.Refresh
	}
	if err := m.store.Save(next); err != nil {
		return "", err
	}
	m.cred = next
	m.state = StateValid

	logger.InfoCF("auth", "Access token refreshed", map[string]interface{}{
		logger.FieldRegion: region,
		"expires_at":       next.ExpiresAt.UTC().Format(time.RFC3339),
	})
	return next.Access, nil
}

func (m *Manager) loginLocked(ctx context.Context) (string, error) {
	if m.prompt == nil {
		return "", ErrInteractionRequired
	}

	tok, err := m.auth.Login(ctx, m.region, m.prompt)
	if err != nil {
		return "", err
	}

	next := m.credentialFrom(tok, m.region)
	if err := m.store.Save(next); err != nil {
		return "", err
	}
	m.cred = next
	m.loaded = true
	m.state = StateValid
	return next.Access, nil
}

func (m *Manager) credentialFrom(tok *Token, region string) *Credential {
	if tok.Region != "" {
		region = tok.Region
	}
	return &Credential{
		Access:    tok.Access,
		Refresh:   tok.Refresh,
		ExpiresAt: m.now().Add(time.Duration(tok.ExpiresIn) * time.Second),
		Region:    region,
	}
}
