package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	tokenEndpoint    = "/rest/oauth/token"
	defaultExpiresIn = 3600 * time.Second
)

// Credentials are the user's portal username/password, used for full
// password-grant authentication.
type Credentials struct {
	Username string
	Password string
}

// Manager owns the access/refresh token pair and its lifecycle state
// machine. The token is replaced wholesale on every transition; the swap is
// guarded by a mutex since scheduler jobs run on separate goroutines. The
// lock is held across the exchange request so two jobs can never race a
// double refresh.
type Manager struct {
	baseURL   string
	client    *http.Client
	extractor *Extractor
	creds     *Credentials
	logger    *logrus.Logger
	now       func() time.Time

	mu    sync.Mutex
	token *TokenInfo
}

// NewManager creates a token manager. creds may be nil when only a stored
// token blob is available; refresh then has no full-login fallback.
func NewManager(baseURL string, client *http.Client, extractor *Extractor, creds *Credentials, logger *logrus.Logger) *Manager {
	if client == nil {
		client = http.DefaultClient
	}
	return &Manager{
		baseURL:   baseURL,
		client:    client,
		extractor: extractor,
		creds:     creds,
		logger:    logger,
		now:       time.Now,
	}
}

// RestoreTokenData loads a previously stored token blob. Malformed data is
// ignored; the manager simply starts with no token.
func (m *Manager) RestoreTokenData(data map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = TokenFromStorage(data)
	if m.token == nil && data != nil {
		m.logger.Warn("stored token data was malformed, full login will be required")
	}
}

// TokenData returns the current token as a storage mapping, or nil when no
// token is held.
func (m *Manager) TokenData() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == nil {
		return nil
	}
	return m.token.StorageMap()
}

// CustomerID returns the customer id carried by the current token, or ""
// when no token is held.
func (m *Manager) CustomerID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == nil {
		return ""
	}
	return m.token.CustomerID
}

// State reports the derived lifecycle state of the managed token.
func (m *Manager) State() TokenState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token.StateAt(m.now())
}

// Login performs a full password-grant authentication.
func (m *Manager) Login(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loginLocked(ctx)
}

// Token returns a valid access token, transparently performing whichever
// transition the current state requires: full login from NoToken (when
// credentials are configured), refresh from Expired, with a full-login
// fallback when the refresh is rejected as an auth failure.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.token.StateAt(m.now()) {
	case StateNoToken:
		if m.creds == nil {
			return "", &AuthError{Message: "no token available and no credentials configured"}
		}
		if err := m.loginLocked(ctx); err != nil {
			return "", err
		}
	case StateExpired:
		expiresAt := m.token.ExpiresAt
		if err := m.refreshLocked(ctx); err != nil {
			var authErr *AuthError
			if errors.As(err, &authErr) && m.creds != nil {
				m.logger.WithError(err).WithField("expires_at", expiresAt).
					Warn("token refresh rejected, falling back to full login")
				if loginErr := m.loginLocked(ctx); loginErr != nil {
					return "", loginErr
				}
				break
			}
			return "", err
		}
	}

	return m.token.AccessToken, nil
}

// ProactiveRefresh refreshes the token when its remaining lifetime is below
// minRemaining, regardless of whether it is technically expired yet. The
// server may reject refresh grants made after the access token has already
// expired, so refreshing well ahead of expiry is the safe window. Reports
// whether a refresh was performed.
func (m *Manager) ProactiveRefresh(ctx context.Context, minRemaining time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token == nil {
		m.logger.Debug("proactive refresh: no token held, skipping")
		return false, nil
	}

	remaining := m.token.RemainingAt(m.now())
	if remaining >= minRemaining {
		m.logger.WithFields(logrus.Fields{
			"remaining": remaining.Round(time.Second),
			"threshold": minRemaining,
		}).Debug("proactive refresh: token still fresh")
		return false, nil
	}

	if err := m.refreshLocked(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) loginLocked(ctx context.Context) error {
	if m.creds == nil {
		return &AuthError{Message: "no credentials configured"}
	}

	m.logger.WithField("username", m.creds.Username).Debug("starting full login")

	form := url.Values{
		"grant_type": {"password"},
		"username":   {m.creds.Username},
		"password":   {m.creds.Password},
	}

	result, err := m.exchange(ctx, form)
	if err != nil {
		return err
	}

	if result.RefreshToken == "" {
		m.logger.Warn("no refresh_token in login response, token refresh will not be possible")
	}

	m.token = &TokenInfo{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		ExpiresAt:    m.now().Add(result.expiresIn()),
		CustomerID:   result.User.CustomerID,
	}
	m.logger.WithFields(logrus.Fields{
		"expires_at":        m.token.ExpiresAt,
		"has_refresh_token": m.token.RefreshToken != "",
	}).Info("login successful")
	return nil
}

func (m *Manager) refreshLocked(ctx context.Context) error {
	if m.token == nil || m.token.RefreshToken == "" {
		return &AuthError{Message: "no refresh token available"}
	}

	remaining := m.token.RemainingAt(m.now())
	m.logger.WithField("remaining", remaining.Round(time.Second)).Debug("refreshing token")

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {m.token.RefreshToken},
	}

	result, err := m.exchange(ctx, form)
	if err != nil {
		return err
	}

	// The server may omit customerId and refresh_token in refresh
	// responses; carry the previous values forward.
	customerID := result.User.CustomerID
	if customerID == "" {
		customerID = m.token.CustomerID
	}
	refreshToken := result.RefreshToken
	if refreshToken == "" {
		refreshToken = m.token.RefreshToken
	}

	m.token = &TokenInfo{
		AccessToken:  result.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    m.now().Add(result.expiresIn()),
		CustomerID:   customerID,
	}
	m.logger.WithField("expires_at", m.token.ExpiresAt).Info("token refresh successful")
	return nil
}

type tokenResponse struct {
	AccessToken  string  `json:"access_token"`
	RefreshToken string  `json:"refresh_token"`
	ExpiresIn    float64 `json:"expires_in"`
	User         struct {
		CustomerID string `json:"customerId"`
	} `json:"user"`
}

func (r *tokenResponse) expiresIn() time.Duration {
	if r.ExpiresIn <= 0 {
		return defaultExpiresIn
	}
	return time.Duration(r.ExpiresIn * float64(time.Second))
}

// exchange POSTs a grant to the token endpoint using the scraped Basic
// credential and classifies failures: >= 500 is a ServerError, 4xx or a
// response missing access_token an AuthError.
func (m *Manager) exchange(ctx context.Context, form url.Values) (*tokenResponse, error) {
	basic, err := m.extractor.BasicToken(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Basic "+basic)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token exchange request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("token exchange response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		m.logger.WithFields(logrus.Fields{
			"status":     resp.StatusCode,
			"grant_type": form.Get("grant_type"),
		}).Error("token exchange failed")
		return nil, classifyExchangeFailure(resp.StatusCode, string(body))
	}

	var result tokenResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &AuthError{Message: fmt.Sprintf("malformed token response: %v", err), Err: err}
	}
	if result.AccessToken == "" {
		return nil, &AuthError{Message: "no access_token in token response"}
	}
	return &result, nil
}
