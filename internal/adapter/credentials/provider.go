package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/vertextoedge/offline-media-cache/internal/port"
)

// Static serves a fixed token and never refreshes
type Static struct {
	token string
}

// Ensure Static implements port.CredentialsProvider
var _ port.CredentialsProvider = (*Static)(nil)

// NewStatic creates a Static provider. An empty token means anonymous.
func NewStatic(token string) *Static {
	return &Static{token: token}
}

// CurrentToken returns the fixed token
func (s *Static) CurrentToken() (string, bool) {
	return s.token, s.token != ""
}

// Refresh always fails
func (s *Static) Refresh(ctx context.Context) bool {
	return false
}

// RefresherConfig holds token refresh settings
type RefresherConfig struct {
	RefreshURL   string
	RefreshToken string
	AccessToken  string // initial token, may be empty
	Timeout      time.Duration
}

// Refresher exchanges a refresh token for access tokens at an OAuth-style
// endpoint. Concurrent refreshes collapse into one request.
type Refresher struct {
	config     RefresherConfig
	httpClient *http.Client
	logger     *zap.Logger

	mu           sync.RWMutex
	accessToken  string
	refreshToken string

	group singleflight.Group
}

// Ensure Refresher implements port.CredentialsProvider
var _ port.CredentialsProvider = (*Refresher)(nil)

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// NewRefresher creates a new Refresher
func NewRefresher(config RefresherConfig, logger *zap.Logger) *Refresher {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &Refresher{
		config:       config,
		httpClient:   &http.Client{Timeout: config.Timeout},
		logger:       logger,
		accessToken:  config.AccessToken,
		refreshToken: config.RefreshToken,
	}
}

// CurrentToken returns the latest access token
func (r *Refresher) CurrentToken() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.accessToken, r.accessToken != ""
}

// Refresh obtains a new access token
func (r *Refresher) Refresh(ctx context.Context) bool {
	_, err, shared := r.group.Do("refresh", func() (interface{}, error) {
		return nil, r.refresh(ctx)
	})
	if err != nil {
		r.logger.Warn("token refresh failed", zap.Error(err), zap.Bool("shared", shared))
		return false
	}
	return true
}

func (r *Refresher) refresh(ctx context.Context) error {
	r.mu.RLock()
	refreshToken := r.refreshToken
	r.mu.RUnlock()

	if refreshToken == "" || r.config.RefreshURL == "" {
		return fmt.Errorf("no refresh token configured")
	}

	body, err := json.Marshal(tokenRequest{GrantType: "refresh_token", RefreshToken: refreshToken})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.config.RefreshURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("refresh endpoint returned status %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return fmt.Errorf("failed to decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return fmt.Errorf("token response has no access_token")
	}

	r.mu.Lock()
	r.accessToken = tr.AccessToken
	if tr.RefreshToken != "" {
		r.refreshToken = tr.RefreshToken
	}
	r.mu.Unlock()

	r.logger.Debug("access token refreshed")
	return nil
}
