// token.go manages KIS OAuth2 access tokens.
//
// Tokens are valid for 24 hours and are re-issued 1 hour before expiry.
// Issued tokens are cached in a JSON file (atomic tmp+rename write) so a
// restart does not burn the broker's token issuance quota — KIS throttles
// token requests aggressively.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	tokenEndpoint  = "/oauth2/tokenP"
	refreshMargin  = time.Hour // re-issue this long before expiry
	tokenCacheFile = "token_cache.json"
)

// kisTimeLayout is the expiry format returned by /oauth2/tokenP.
const kisTimeLayout = "2006-01-02 15:04:05"

// TokenManager issues and renews KIS access tokens.
// Safe for concurrent use; GetToken re-issues lazily when needed.
type TokenManager struct {
	appKey    string
	appSecret string
	http      *resty.Client
	cachePath string
	logger    *slog.Logger

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewTokenManager creates a token manager. cacheDir may be empty to use
// the working directory.
func NewTokenManager(appKey, appSecret, baseURL, cacheDir string, logger *slog.Logger) *TokenManager {
	if cacheDir == "" {
		cacheDir = "."
	}
	return &TokenManager{
		appKey:    appKey,
		appSecret: appSecret,
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(10 * time.Second).
			SetHeader("Content-Type", "application/json; charset=utf-8"),
		cachePath: filepath.Join(cacheDir, tokenCacheFile),
		logger:    logger.With("component", "token"),
	}
}

// GetToken returns a valid access token, issuing a new one if the current
// token is missing or within the refresh margin of expiry.
func (tm *TokenManager) GetToken(ctx context.Context) (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.valid() {
		return tm.token, nil
	}

	// A cached token from a previous run may still be good.
	tm.loadCache()
	if tm.valid() {
		tm.logger.Info("token loaded from cache", "expires_at", tm.expiresAt)
		return tm.token, nil
	}

	return tm.issue(ctx)
}

// Run refreshes the token in the background until ctx is cancelled.
// It wakes up shortly before each token's refresh deadline.
func (tm *TokenManager) Run(ctx context.Context) {
	for {
		tm.mu.Lock()
		deadline := tm.expiresAt.Add(-refreshMargin)
		tm.mu.Unlock()

		wait := time.Until(deadline)
		if wait < time.Minute {
			wait = time.Minute
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		tm.mu.Lock()
		if !tm.valid() {
			if _, err := tm.issue(ctx); err != nil {
				tm.logger.Error("token auto-refresh failed", "error", err)
			}
		}
		tm.mu.Unlock()
	}
}

func (tm *TokenManager) valid() bool {
	if tm.token == "" || tm.expiresAt.IsZero() {
		return false
	}
	return time.Now().Before(tm.expiresAt.Add(-refreshMargin))
}

// issue requests a new token. Caller must hold tm.mu.
func (tm *TokenManager) issue(ctx context.Context) (string, error) {
	var result struct {
		AccessToken string `json:"access_token"`
		ExpiredAt   string `json:"access_token_token_expired"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int    `json:"expires_in"`
	}

	resp, err := tm.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"grant_type": "client_credentials",
			"appkey":     tm.appKey,
			"appsecret":  tm.appSecret,
		}).
		SetResult(&result).
		Post(tokenEndpoint)
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("issue token: status %d: %s", resp.StatusCode(), resp.String())
	}

	expiresAt, err := time.ParseInLocation(kisTimeLayout, result.ExpiredAt, time.Local)
	if err != nil {
		// Fall back to expires_in seconds if the timestamp is malformed.
		expiresAt = time.Now().Add(time.Duration(result.ExpiresIn) * time.Second)
	}

	tm.token = result.AccessToken
	tm.expiresAt = expiresAt
	tm.saveCache()

	tm.logger.Info("token issued", "expires_at", tm.expiresAt)
	return tm.token, nil
}

type tokenCache struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (tm *TokenManager) loadCache() {
	data, err := os.ReadFile(tm.cachePath)
	if err != nil {
		return
	}
	var cache tokenCache
	if err := json.Unmarshal(data, &cache); err != nil {
		tm.logger.Warn("token cache corrupted, ignoring", "error", err)
		return
	}
	tm.token = cache.AccessToken
	tm.expiresAt = cache.ExpiresAt
}

func (tm *TokenManager) saveCache() {
	data, err := json.Marshal(tokenCache{AccessToken: tm.token, ExpiresAt: tm.expiresAt})
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(tm.cachePath), 0o755); err != nil {
		tm.logger.Warn("token cache save failed", "error", err)
		return
	}
	tmp := tm.cachePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		tm.logger.Warn("token cache save failed", "error", err)
		return
	}
	if err := os.Rename(tmp, tm.cachePath); err != nil {
		tm.logger.Warn("token cache save failed", "error", err)
	}
}
