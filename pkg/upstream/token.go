package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/jsonutil"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/logging"
)

// DefaultTokenMargin is subtracted from the token lifetime so a cached token
// is never handed out moments before it expires.
const DefaultTokenMargin = 60 * time.Second

// TokenConfig holds the client-credential exchange parameters.
type TokenConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scope        string
	Margin       time.Duration
}

// tokenResponse represents the response from the identity endpoint
type tokenResponse struct {
	AccessToken string               `json:"access_token"`
	TokenType   string               `json:"token_type"`
	ExpiresIn   jsonutil.FlexibleInt `json:"expires_in"`
}

// TokenSource obtains and caches the bearer token used for every upstream call.
// Concurrent callers that find the cache empty or stale share one exchange.
type TokenSource struct {
	cfg        TokenConfig
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time

	mu        sync.RWMutex
	token     string
	expiresAt time.Time

	group     singleflight.Group
	exchanges atomic.Int64
}

// NewTokenSource creates a token source for the given identity endpoint.
func NewTokenSource(cfg TokenConfig, httpClient *http.Client, logger *zap.Logger) *TokenSource {
	if cfg.Margin <= 0 {
		cfg.Margin = DefaultTokenMargin
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &TokenSource{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger.Named("token-source"),
		now:        time.Now,
	}
}

// Token returns a valid bearer token, exchanging credentials if the cached
// one is missing or inside the safety margin.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	if tok, ok := s.cached(); ok {
		return tok, nil
	}

	v, err, _ := s.group.Do("token", func() (any, error) {
		// Another caller may have refreshed while we waited on the group.
		if tok, ok := s.cached(); ok {
			return tok, nil
		}
		// The exchange result is shared; one caller's cancellation must not fail the rest.
		return s.exchange(context.WithoutCancel(ctx))
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached token so the next call performs a fresh exchange.
func (s *TokenSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.expiresAt = time.Time{}
}

// Exchanges returns how many client-credential exchanges have been performed.
func (s *TokenSource) Exchanges() int64 {
	return s.exchanges.Load()
}

func (s *TokenSource) cached() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" || !s.now().Before(s.expiresAt) {
		return "", false
	}
	return s.token, true
}

func (s *TokenSource) exchange(ctx context.Context) (string, error) {
	s.exchanges.Add(1)

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", s.cfg.ClientID)
	form.Set("client_secret", s.cfg.ClientSecret)
	if s.cfg.Scope != "" {
		form.Set("scope", s.cfg.Scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %s", logging.SanitizeError(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		s.logger.Error("Token exchange rejected",
			zap.Int("status", resp.StatusCode),
			zap.String("body", logging.SanitizeText(string(body))))
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return "", fmt.Errorf("token endpoint returned status %d: %w", resp.StatusCode, apperrors.ErrMissingCredentials)
		}
		return "", fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, logging.SanitizeText(string(body)))
	}

	var result tokenResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if result.AccessToken == "" {
		return "", fmt.Errorf("token response missing access_token")
	}

	now := s.now()
	ttl := time.Duration(result.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = ttlFromJWT(result.AccessToken, now)
	}
	expiresAt := now.Add(ttl - s.cfg.Margin)

	s.mu.Lock()
	s.token = result.AccessToken
	s.expiresAt = expiresAt
	s.mu.Unlock()

	s.logger.Debug("Obtained upstream token",
		zap.Duration("ttl", ttl),
		zap.Time("expires_at", expiresAt))

	return result.AccessToken, nil
}

// ttlFromJWT reads the exp claim of an access token without verifying it.
// We trust the identity endpoint that just issued it. Returns 0 for opaque
// tokens, which leaves the token cached for no time at all.
func ttlFromJWT(token string, now time.Time) time.Duration {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	parsed, _, err := parser.ParseUnverified(token, &jwt.RegisteredClaims{})
	if err != nil {
		return 0
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return 0
	}
	return exp.Sub(now)
}
