// Package auth implements the MiniMax OAuth device-authorization flow: a
// DeviceClient for the three HTTP calls, a Store for the persisted
// credential, and a Manager that hands out a valid access token, refreshing
// or logging in again only when it has to.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"larkgate/pkg/logger"
)

const (
	Scope               = "group_id profile model.completion"
	GrantTypeUserCode   = "urn:ietf:params:oauth:grant-type:user_code"
	GrantTypeRefresh    = "refresh_token"
	DefaultClientID     = "78257093-7e40-4613-99e0-527b14b39113"
	defaultExpiresIn    = 300
	defaultPollInterval = 2
	maxPollInterval     = 10 * time.Second
	maxResponseBytes    = 1 << 20
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// Endpoint is one provider variant. Regions share a client id but not a host.
type Endpoint struct {
	BaseURL  string
	ClientID string
}

var DefaultEndpoints = map[string]Endpoint{
	"cn":     {BaseURL: "https://api.minimaxi.com", ClientID: DefaultClientID},
	"global": {BaseURL: "https://api.minimax.io", ClientID: DefaultClientID},
}

// DeviceCode is the answer to the initiate call.
type DeviceCode struct {
	VerificationURI string `json:"verification_uri"`
	UserCode        string `json:"user_code"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
	State           string `json:"state,omitempty"`
}

type PollResponse struct {
	Status       string `json:"status"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiredIn    int64  `json:"expired_in"`
	Message      string `json:"message"`
}

// Token is the outcome of a login or refresh. ExpiresIn is relative, in
// seconds, exactly as the provider returned it.
type Token struct {
	Access    string
	Refresh   string
	ExpiresIn int64
	Region    string
}

// PromptFunc surfaces the verification URI and user code to the operator.
type PromptFunc func(verificationURI, userCode string) error

type ClientOption func(*DeviceClient)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *DeviceClient) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithEndpoint adds or replaces the endpoint for region. Empty fields keep the
// built-in value.
func WithEndpoint(region string, ep Endpoint) ClientOption {
	return func(c *DeviceClient) {
		cur := c.endpoints[region]
		if ep.BaseURL != "" {
			cur.BaseURL = strings.TrimRight(ep.BaseURL, "/")
		}
		if ep.ClientID != "" {
			cur.ClientID = ep.ClientID
		}
		if cur.ClientID == "" {
			cur.ClientID = DefaultClientID
		}
		c.endpoints[region] = cur
	}
}

// WithClock swaps the time source and the poll sleeper, for tests.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) ClientOption {
	return func(c *DeviceClient) {
		if now != nil {
			c.now = now
		}
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

type DeviceClient struct {
	endpoints  map[string]Endpoint
	httpClient *http.Client
	now        func() time.Time
	sleep      func(context.Context, time.Duration) error
	newPKCE    func() (PKCE, error)
}

func NewDeviceClient(opts ...ClientOption) *DeviceClient {
	c := &DeviceClient{
		endpoints:  make(map[string]Endpoint, len(DefaultEndpoints)),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
		sleep:      sleepContext,
		newPKCE:    NewPKCE,
	}
	for region, ep := range DefaultEndpoints {
		c.endpoints[region] = ep
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *DeviceClient) endpoint(region string) (Endpoint, error) {
	ep, ok := c.endpoints[region]
	if !ok || ep.BaseURL == "" {
		return Endpoint{}, fmt.Errorf("%w: %q", ErrUnknownRegion, region)
	}
	return ep, nil
}

// Initiate starts a device authorization and returns the code the user has to
// confirm.
func (c *DeviceClient) Initiate(ctx context.Context, region string, pkce PKCE) (*DeviceCode, error) {
	ep, err := c.endpoint(region)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("response_type", "code")
	form.Set("client_id", ep.ClientID)
	form.Set("scope", Scope)
	form.Set("code_challenge", pkce.Challenge)
	form.Set("code_challenge_method", "S256")
	form.Set("state", pkce.State)

	status, body, err := c.postForm(ctx, ep.BaseURL+"/oauth/code", form)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, &OAuthError{Op: "code request", StatusCode: status, Message: strings.TrimSpace(string(body))}
	}

	var code DeviceCode
	if err := json.Unmarshal(body, &code); err != nil {
		return nil, fmt.Errorf("decode oauth code response: %w", err)
	}
	if code.UserCode == "" || code.VerificationURI == "" {
		return nil, &OAuthError{Op: "code request", Message: "response missing user_code or verification_uri"}
	}
	if code.State != "" && code.State != pkce.State {
		return nil, &OAuthError{Op: "code request", Message: "state mismatch"}
	}
	if code.ExpiresIn <= 0 {
		code.ExpiresIn = defaultExpiresIn
	}
	if code.Interval <= 0 {
		code.Interval = defaultPollInterval
	}
	return &code, nil
}

// Poll asks once whether the user has approved userCode. A pending answer is
// not an error; callers look at Status.
func (c *DeviceClient) Poll(ctx context.Context, region, userCode, verifier string) (*PollResponse, error) {
	ep, err := c.endpoint(region)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", GrantTypeUserCode)
	form.Set("client_id", ep.ClientID)
	form.Set("user_code", userCode)
	form.Set("code_verifier", verifier)

	status, body, err := c.postForm(ctx, ep.BaseURL+"/oauth/token", form)
	if err != nil {
		return nil, err
	}

	var resp PollResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode oauth poll response (status %d): %w", status, err)
	}
	return &resp, nil
}

// Login runs one complete device flow: fresh PKCE, initiate, prompt, then
// poll with backoff until the provider reports success or error, or the code
// expires.
func (c *DeviceClient) Login(ctx context.Context, region string, prompt PromptFunc) (*Token, error) {
	if _, err := c.endpoint(region); err != nil {
		return nil, err
	}

	pkce, err := c.newPKCE()
	if err != nil {
		return nil, err
	}

	logger.InfoCF("auth", "Starting OAuth device login", map[string]interface{}{
		logger.FieldRegion: region,
	})

	code, err := c.Initiate(ctx, region, pkce)
	if err != nil {
		return nil, err
	}

	if prompt != nil {
		if err := prompt(code.VerificationURI, code.UserCode); err != nil {
			return nil, err
		}
	}

	deadline := c.now().Add(time.Duration(code.ExpiresIn) * time.Second)
	interval := time.Duration(code.Interval) * time.Second

	for c.now().Before(deadline) {
		if err := c.sleep(ctx, interval); err != nil {
			return nil, err
		}

		resp, err := c.Poll(ctx, region, code.UserCode, pkce.Verifier)
		if err != nil {
			return nil, err
		}

		switch resp.Status {
		case statusSuccess:
			if resp.AccessToken == "" {
				return nil, &OAuthError{Op: "token poll", Message: "success response without access_token"}
			}
			logger.InfoCF("auth", "OAuth device login succeeded", map[string]interface{}{
				logger.FieldRegion: region,
			})
			return &Token{
				Access:    resp.AccessToken,
				Refresh:   resp.RefreshToken,
				ExpiresIn: resp.ExpiredIn,
				Region:    region,
			}, nil
		case statusError:
			return nil, &OAuthError{Op: "token poll", Message: resp.Message}
		}

		interval = nextPollInterval(interval)
		logger.DebugCF("auth", "OAuth authorization pending", map[string]interface{}{
			"status":        resp.Status,
			"next_interval": interval.String(),
		})
	}

	return nil, ErrLoginTimeout
}

// Refresh exchanges a refresh token once. Any non-2xx answer is final.
func (c *DeviceClient) Refresh(ctx context.Context, region, refreshToken string) (*Token, error) {
	ep, err := c.endpoint(region)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", GrantTypeRefresh)
	form.Set("client_id", ep.ClientID)
	form.Set("refresh_token", refreshToken)

	status, body, err := c.postForm(ctx, ep.BaseURL+"/oauth/token", form)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, &OAuthError{Op: "token refresh", StatusCode: status, Message: strings.TrimSpace(string(body))}
	}

	var resp PollResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode oauth refresh response: %w", err)
	}
	if resp.AccessToken == "" {
		return nil, &OAuthError{Op: "token refresh", StatusCode: status, Message: "response missing access_token"}
	}

	return &Token{
		Access:    resp.AccessToken,
		Refresh:   resp.RefreshToken,
		ExpiresIn: resp.ExpiredIn,
		Region:    region,
	}, nil
}

func (c *DeviceClient) postForm(ctx context.Context, endpoint string, form url.Values) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("oauth request %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read oauth response: %w", err)
	}
	return resp.StatusCode, body, nil
}

// nextPollInterval grows the poll interval by half, capped at ten seconds.
// An interval already above the cap is kept rather than shortened.
func nextPollInterval(prev time.Duration) time.Duration {
	next := time.Duration(float64(prev) * 1.5)
	if next > maxPollInterval {
		next = maxPollInterval
	}
	if next < prev {
		return prev
	}
	return next
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
