package account

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/yansir/claude-mux/internal/config"
	"github.com/yansir/claude-mux/internal/metrics"
	"github.com/yansir/claude-mux/internal/store"
)

const (
	refreshLookahead = 60 * time.Second
	refreshLockTTL   = 60 * time.Second
	refreshTimeout   = 30 * time.Second
	contendedWait    = 2 * time.Second
)

// ErrRefreshInFlight is returned when another worker holds the refresh lock
// and the token is still stale after the contended wait. Callers may retry.
var ErrRefreshInFlight = errors.New("token refresh in progress by another worker")

// ErrRefreshFailed wraps upstream OAuth failures.
var ErrRefreshFailed = errors.New("token refresh failed")

// HTTPTransportProvider supplies proxy transports for accounts that carry one.
type HTTPTransportProvider interface {
	GetHTTPTransport(acct *Account) http.RoundTripper
}

// TokenManager keeps per-account access tokens fresh. Refresh is
// single-flight across replicas via the distributed CAS lock.
type TokenManager struct {
	store     store.Store
	registry  *Registry
	cfg       *config.Config
	client    *http.Client // default client (no proxy)
	transport HTTPTransportProvider
}

func NewTokenManager(s store.Store, r *Registry, cfg *config.Config, tp HTTPTransportProvider) *TokenManager {
	return &TokenManager{
		store:     s,
		registry:  r,
		cfg:       cfg,
		client:    &http.Client{Timeout: refreshTimeout},
		transport: tp,
	}
}

// tokenResponse is the OAuth refresh response.
type tokenResponse struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	ExpiresIn    int      `json:"expires_in"`
	Scope        string   `json:"scope"`
	Scopes       []string `json:"scopes"`
}

// GetValidAccessToken returns a fresh access token for the account,
// refreshing it when expiry is within the look-ahead window.
func (tm *TokenManager) GetValidAccessToken(ctx context.Context, accountID string) (string, error) {
	acct, err := tm.registry.Get(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("get account: %w", err)
	}
	if acct == nil || acct.OAuth == nil {
		return "", fmt.Errorf("account %s has no oauth blob", accountID)
	}

	if tokenFresh(acct.OAuth) {
		return acct.OAuth.AccessToken, nil
	}

	return tm.refresh(ctx, acct)
}

// ForceRefresh refreshes regardless of expiry (e.g. after an upstream 401).
func (tm *TokenManager) ForceRefresh(ctx context.Context, accountID string) (string, error) {
	acct, err := tm.registry.Get(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("get account: %w", err)
	}
	if acct == nil || acct.OAuth == nil {
		return "", fmt.Errorf("account %s has no oauth blob", accountID)
	}
	return tm.refresh(ctx, acct)
}

func tokenFresh(blob *OAuthBlob) bool {
	if blob.ExpiresAtMS <= 0 || blob.AccessToken == "" {
		return false
	}
	return time.Now().Add(refreshLookahead).UnixMilli() < blob.ExpiresAtMS
}

func (tm *TokenManager) refresh(ctx context.Context, acct *Account) (string, error) {
	lockKey := store.KeyTokenRefreshLock + acct.ID
	holder := uuid.New().String()

	acquired, err := tm.store.Acquire(ctx, lockKey, holder, refreshLockTTL)
	if err != nil {
		return "", fmt.Errorf("acquire refresh lock: %w", err)
	}

	if !acquired {
		// Another worker is refreshing. Wait once and re-read.
		slog.Info("token refresh locked, waiting", "accountId", acct.ID)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(contendedWait):
		}

		reloaded, err := tm.registry.Get(ctx, acct.ID)
		if err != nil {
			return "", fmt.Errorf("reload account after wait: %w", err)
		}
		if reloaded != nil && reloaded.OAuth != nil && tokenFresh(reloaded.OAuth) {
			return reloaded.OAuth.AccessToken, nil
		}
		return "", ErrRefreshInFlight
	}

	defer func() {
		if _, err := tm.store.Release(ctx, lockKey, holder); err != nil {
			slog.Error("release refresh lock failed", "accountId", acct.ID, "error", err)
		}
	}()

	if acct.OAuth.RefreshToken == "" {
		tm.markError(ctx, acct.ID, "empty refresh token")
		return "", fmt.Errorf("%w: empty refresh token for account %s", ErrRefreshFailed, acct.ID)
	}

	slog.Info("refreshing token", "accountId", acct.ID)

	resp, err := tm.callOAuthRefresh(ctx, acct)
	if err != nil {
		metrics.TokenRefreshTotal.WithLabelValues("error").Inc()
		tm.markError(ctx, acct.ID, err.Error())
		return "", fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	blob := &OAuthBlob{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAtMS:  time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second).UnixMilli(),
		Scopes:       resp.scopes(),
	}
	if blob.RefreshToken == "" {
		blob.RefreshToken = acct.OAuth.RefreshToken
	}

	if err := tm.registry.StoreOAuth(ctx, acct.ID, blob); err != nil {
		return "", fmt.Errorf("store oauth blob: %w", err)
	}

	metrics.TokenRefreshTotal.WithLabelValues("ok").Inc()
	slog.Info("token refreshed", "accountId", acct.ID, "expiresIn", resp.ExpiresIn)
	return blob.AccessToken, nil
}

func (tr *tokenResponse) scopes() []string {
	if len(tr.Scopes) > 0 {
		return tr.Scopes
	}
	if tr.Scope == "" {
		return nil
	}
	return strings.Fields(tr.Scope)
}

func (tm *TokenManager) callOAuthRefresh(ctx context.Context, acct *Account) (*tokenResponse, error) {
	body, _ := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": acct.OAuth.RefreshToken,
		"client_id":     tm.cfg.Upstream.OAuthClientID,
	})

	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tm.cfg.Upstream.OAuthTokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "claude-cli/1.0.57 (external, cli)")

	client := tm.client
	if tm.transport != nil && acct.Proxy != nil {
		if rt := tm.transport.GetHTTPTransport(acct); rt != nil {
			client = &http.Client{Transport: rt, Timeout: refreshTimeout}
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oauth returned %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(respBody, &tokenResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return nil, errors.New("empty access_token in response")
	}

	return &tokenResp, nil
}

func (tm *TokenManager) markError(ctx context.Context, accountID, msg string) {
	slog.Error("token refresh failed", "accountId", accountID, "error", msg)
	_ = tm.registry.Update(ctx, accountID, map[string]string{
		"errorMessage": msg,
	})
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
