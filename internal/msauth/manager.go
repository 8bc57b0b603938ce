// Package msauth obtains the first-stage Microsoft account bearer token,
// preferring the cache, then a silent refresh, then the interactive
// device-code flow.
package msauth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"gophersnake-go/internal/faults"
	"gophersnake-go/internal/tokencache"
)

const (
	// ClientID is the public client registration used for Xbox Live sign-in.
	ClientID = "93819583-abf7-4a5e-8b53-9526cf7e7ba9"

	// Authority is the MSA consumers tenant.
	Authority = "https://login.microsoftonline.com/consumers"

	DefaultTokenURL      = Authority + "/oauth2/v2.0/token"
	DefaultDeviceAuthURL = Authority + "/oauth2/v2.0/devicecode"
	DefaultAuthURL       = Authority + "/oauth2/v2.0/authorize"

	// DefaultAccessTTL applies when the provider omits expires_in.
	DefaultAccessTTL = time.Hour
)

// Scopes requested for Xbox Live sign-in.
var Scopes = []string{"XboxLive.signin", "XboxLive.offline_access"}

// PromptFunc surfaces the device-code instruction to the user. It must not
// block: the blocking wait happens in the token poll that follows.
type PromptFunc func(verificationURI, userCode string)

// ManagerOption customizes Manager creation.
type ManagerOption func(*Manager)

// Manager acquires and refreshes the primary-identity token. It holds no
// state beyond what the cache persists.
type Manager struct {
	clientID    string
	scopes      []string
	cache       tokencache.Store
	httpClient  *http.Client
	endpoint    oauth2.Endpoint
	prompt      PromptFunc
	interactive bool
	accessTTL   time.Duration
	now         func() time.Time
}

// NewManager creates a manager backed by the given cache.
func NewManager(cache tokencache.Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		clientID:   ClientID,
		scopes:     append([]string(nil), Scopes...),
		cache:      cache,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		endpoint: oauth2.Endpoint{
			AuthURL:       DefaultAuthURL,
			TokenURL:      DefaultTokenURL,
			DeviceAuthURL: DefaultDeviceAuthURL,
		},
		prompt: func(verificationURI, userCode string) {
			log.Infof("To sign in, use a web browser to open %s and enter the code %s", verificationURI, userCode)
		},
		interactive: true,
		accessTTL:   DefaultAccessTTL,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// WithHTTPClient overrides the HTTP client used for outbound calls.
func WithHTTPClient(client *http.Client) ManagerOption {
	return func(m *Manager) {
		if client != nil {
			m.httpClient = client
		}
	}
}

// WithEndpoint overrides the OAuth endpoints (testing).
func WithEndpoint(endpoint oauth2.Endpoint) ManagerOption {
	return func(m *Manager) {
		if endpoint.TokenURL != "" {
			m.endpoint = endpoint
		}
	}
}

// WithPrompt overrides how the device-code instruction reaches the user.
func WithPrompt(prompt PromptFunc) ManagerOption {
	return func(m *Manager) {
		if prompt != nil {
			m.prompt = prompt
		}
	}
}

// WithInteractive controls whether the device-code fallback is allowed. When
// disabled, a cache/refresh miss yields an AuthRequired error instead of
// blocking on user input.
func WithInteractive(enabled bool) ManagerOption {
	return func(m *Manager) { m.interactive = enabled }
}

// WithNowFunc overrides the clock used for expiry checks (testing).
func WithNowFunc(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// AccessToken returns a valid primary-identity access token. Resolution
// order: unexpired cached token (no network), silent refresh with the cached
// refresh token, interactive device-code flow. Every failure is terminal for
// this call; retry policy belongs to the caller.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	if rec, ok := m.cache.Get(ctx, tokencache.StageMSAAccess); ok && rec.Valid(m.now()) {
		log.Debug("msa access token served from cache")
		return rec.Secret, nil
	}

	if rec, ok := m.cache.Get(ctx, tokencache.StageMSARefresh); ok && rec.Secret != "" {
		token, err := m.refresh(ctx, rec.Secret)
		if err == nil {
			return token, nil
		}
		log.WithError(err).Warn("silent token refresh failed")
	}

	if !m.interactive {
		return "", faults.New(faults.AuthRequired, "no valid cached credential and interactive flow disabled")
	}
	return m.deviceCodeFlow(ctx)
}

// refresh exchanges the cached refresh token for a new access token.
func (m *Manager) refresh(ctx context.Context, refreshToken string) (string, error) {
	data := url.Values{
		"client_id":     {m.clientID},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"scope":         {strings.Join(m.scopes, " ")},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return "", faults.Wrap(faults.NetworkFailure, err, "create refresh request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", faults.Wrap(faults.NetworkFailure, err, "token refresh request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", faults.Wrap(faults.NetworkFailure, err, "read refresh response")
	}

	var tokenResp TokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return "", faults.Wrap(faults.ProtocolError, err, "decode refresh response")
	}
	if resp.StatusCode != http.StatusOK || tokenResp.Error != "" {
		return "", faults.New(faults.AuthRequired, "token refresh rejected (%d): %s", resp.StatusCode, firstNonEmpty(tokenResp.ErrorDescription, tokenResp.Error, "unknown error"))
	}
	if tokenResp.AccessToken == "" {
		return "", faults.New(faults.ProtocolError, "refresh response missing access_token")
	}

	m.persistTokens(ctx, tokenResp.AccessToken, tokenResp.RefreshToken, tokenResp.ExpiresIn)
	log.Info("msa access token refreshed")
	return tokenResp.AccessToken, nil
}

// deviceCodeFlow runs the interactive flow: request a device code, surface
// the instruction, then block polling until the user completes verification
// or the provider gives up.
func (m *Manager) deviceCodeFlow(ctx context.Context) (string, error) {
	cfg := &oauth2.Config{
		ClientID: m.clientID,
		Scopes:   m.scopes,
		Endpoint: m.endpoint,
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)

	deviceAuth, err := cfg.DeviceAuth(ctx)
	if err != nil {
		return "", classifyOAuthErr(err, "initiate device-code flow")
	}
	if deviceAuth.UserCode == "" || deviceAuth.VerificationURI == "" {
		return "", faults.New(faults.ProtocolError, "device authorization response missing user_code or verification_uri")
	}

	m.prompt(deviceAuth.VerificationURI, deviceAuth.UserCode)
	log.WithField("expires", deviceAuth.Expiry).Info("waiting for device-code verification")

	token, err := cfg.DeviceAccessToken(ctx, deviceAuth)
	if err != nil {
		return "", classifyOAuthErr(err, "device-code token exchange")
	}
	if token.AccessToken == "" {
		return "", faults.New(faults.ProtocolError, "device-code response missing access_token")
	}

	expiresIn := int64(0)
	if !token.Expiry.IsZero() {
		expiresIn = int64(token.Expiry.Sub(m.now()) / time.Second)
	}
	m.persistTokens(ctx, token.AccessToken, token.RefreshToken, expiresIn)
	log.Info("device-code authentication successful")
	return token.AccessToken, nil
}

// persistTokens writes the fresh records. Persistence degradation is logged
// and never fails token acquisition.
func (m *Manager) persistTokens(ctx context.Context, accessToken, refreshToken string, expiresIn int64) {
	ttl := m.accessTTL
	if expiresIn > 0 {
		ttl = time.Duration(expiresIn) * time.Second
	}
	if err := m.cache.Put(ctx, tokencache.StageMSAAccess, tokencache.Record{
		Secret:    accessToken,
		ExpiresOn: tokencache.ExpiryIn(m.now(), ttl),
	}); err != nil {
		log.WithError(err).Warn("could not persist msa access token")
	}
	if refreshToken != "" {
		if err := m.cache.Put(ctx, tokencache.StageMSARefresh, tokencache.Record{Secret: refreshToken}); err != nil {
			log.WithError(err).Warn("could not persist msa refresh token")
		}
	}
}

// classifyOAuthErr maps oauth2 failures onto the shared taxonomy: a provider
// rejection (declined, expired code) is distinct from a transport failure.
func classifyOAuthErr(err error, op string) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return faults.Wrap(faults.AuthDeclinedOrExpired, err, "%s", op)
	}
	return faults.Wrap(faults.NetworkFailure, err, "%s", op)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
