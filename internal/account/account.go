package account

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/yansir/claude-mux/internal/cache"
	"github.com/yansir/claude-mux/internal/metrics"
	"github.com/yansir/claude-mux/internal/store"
)

// RateLimitWindow is how long a rate-limit mark persists before the
// registry auto-clears it.
const RateLimitWindow = time.Hour

// Binding modes.
const (
	BindingShared    = "shared"
	BindingDedicated = "dedicated"
)

// StatusLimited is the only non-empty rate-limit status.
const StatusLimited = "limited"

// Account is an upstream OAuth account. Get and ListAll return it with the
// OAuth blob already decrypted.
type Account struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Active  bool   `json:"active"`
	Binding string `json:"binding"` // shared | dedicated

	Proxy *ProxyConfig `json:"proxy,omitempty"`
	OAuth *OAuthBlob   `json:"-"`

	CreatedAt     time.Time  `json:"createdAt"`
	LastUsedAt    *time.Time `json:"lastUsedAt,omitempty"`
	LastRefreshAt *time.Time `json:"lastRefreshAt,omitempty"`

	RateLimitedAt   *time.Time `json:"rateLimitedAt,omitempty"`
	RateLimitStatus string     `json:"rateLimitStatus,omitempty"` // "" | limited

	ErrorMessage string `json:"errorMessage,omitempty"`
}

// OAuthBlob is the decrypted OAuth state. At most one per account.
type OAuthBlob struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	ExpiresAtMS  int64    `json:"expires_at_ms"`
	Scopes       []string `json:"scopes,omitempty"`
}

type ProxyConfig struct {
	Type     string `json:"type"` // socks5, http, https
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

const listCacheKey = "all"

// Registry manages upstream accounts and their rate-limit state.
type Registry struct {
	store  store.Store
	crypto *Crypto
	list   *cache.Cache[[]*Account]
}

func NewRegistry(s store.Store, c *Crypto) *Registry {
	return &Registry{
		store:  s,
		crypto: c,
		list:   cache.New[[]*Account]("account_list", 4, 60*time.Second),
	}
}

// Create adds a new account. The OAuth blob is encrypted before storage.
func (r *Registry) Create(ctx context.Context, name string, oauth *OAuthBlob, proxy *ProxyConfig, binding string) (*Account, error) {
	if binding == "" {
		binding = BindingShared
	}
	id := uuid.New().String()
	now := time.Now().UTC()

	fields := map[string]string{
		"id":              id,
		"name":            name,
		"active":          "true",
		"binding":         binding,
		"createdAt":       now.Format(time.RFC3339),
		"lastUsedAt":      "",
		"lastRefreshAt":   "",
		"rateLimitedAt":   "",
		"rateLimitStatus": "",
		"errorMessage":    "",
	}

	if oauth != nil {
		enc, err := r.encryptBlob(oauth)
		if err != nil {
			return nil, err
		}
		fields["oauth"] = enc
	}
	if proxy != nil {
		proxyJSON, _ := json.Marshal(proxy)
		fields["proxy"] = string(proxyJSON)
	}

	if err := r.store.SetAccount(ctx, id, fields); err != nil {
		return nil, err
	}
	r.Invalidate()

	return &Account{
		ID:        id,
		Name:      name,
		Active:    true,
		Binding:   binding,
		CreatedAt: now,
		Proxy:     proxy,
		OAuth:     oauth,
	}, nil
}

// Get returns an account with its OAuth blob decrypted, or nil if absent.
func (r *Registry) Get(ctx context.Context, id string) (*Account, error) {
	data, err := r.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	return r.fromMap(data)
}

// ListAll returns every account, served from the in-process snapshot when
// fresh. The TTL bounds staleness if an invalidation is missed.
func (r *Registry) ListAll(ctx context.Context) ([]*Account, error) {
	if cached, ok := r.list.Get(listCacheKey); ok {
		return cached, nil
	}

	ids, err := r.store.ListAccountIDs(ctx)
	if err != nil {
		return nil, err
	}

	accounts := make([]*Account, 0, len(ids))
	for _, id := range ids {
		data, err := r.store.GetAccount(ctx, id)
		if err != nil || len(data) == 0 {
			continue
		}
		acct, err := r.fromMap(data)
		if err != nil {
			slog.Warn("skipping undecodable account", "accountId", id, "error", err)
			continue
		}
		accounts = append(accounts, acct)
	}

	r.list.Set(listCacheKey, accounts)
	return accounts, nil
}

// Update modifies raw account fields and invalidates the list snapshot.
func (r *Registry) Update(ctx context.Context, id string, fields map[string]string) error {
	if err := r.store.SetAccountFields(ctx, id, fields); err != nil {
		return err
	}
	r.Invalidate()
	return nil
}

// Delete removes an account.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.store.DeleteAccount(ctx, id); err != nil {
		return err
	}
	r.Invalidate()
	return nil
}

// Invalidate drops the account-list snapshot.
func (r *Registry) Invalidate() {
	r.list.Delete(listCacheKey)
}

// StoreOAuth encrypts and persists a refreshed blob.
func (r *Registry) StoreOAuth(ctx context.Context, id string, blob *OAuthBlob) error {
	enc, err := r.encryptBlob(blob)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	return r.Update(ctx, id, map[string]string{
		"oauth":         enc,
		"lastRefreshAt": now.Format(time.RFC3339),
		"errorMessage":  "",
	})
}

// Touch records a selection.
func (r *Registry) Touch(ctx context.Context, id string) error {
	return r.Update(ctx, id, map[string]string{
		"lastUsedAt": time.Now().UTC().Format(time.RFC3339),
	})
}

// MarkRateLimited flips the account to limited and, when a session hash is
// given, evicts the sticky mapping so the next turn re-selects.
func (r *Registry) MarkRateLimited(ctx context.Context, id, sessionHash string) error {
	now := time.Now().UTC()
	err := r.Update(ctx, id, map[string]string{
		"rateLimitedAt":   now.Format(time.RFC3339),
		"rateLimitStatus": StatusLimited,
	})
	if err != nil {
		return err
	}
	metrics.RateLimitMarksTotal.Inc()
	slog.Warn("account rate limited", "accountId", id)

	if sessionHash != "" {
		if err := r.store.DeleteSessionMapping(ctx, sessionHash); err != nil {
			slog.Error("evict sticky mapping failed", "accountId", id, "error", err)
		}
	}
	return nil
}

// ClearRateLimit is idempotent; it is also called opportunistically on any
// 2xx response.
func (r *Registry) ClearRateLimit(ctx context.Context, id string) error {
	return r.Update(ctx, id, map[string]string{
		"rateLimitedAt":   "",
		"rateLimitStatus": "",
	})
}

// IsRateLimited reports whether the account is currently limited,
// auto-clearing marks older than RateLimitWindow.
func (r *Registry) IsRateLimited(ctx context.Context, acct *Account) bool {
	if acct == nil || acct.RateLimitStatus != StatusLimited || acct.RateLimitedAt == nil {
		return false
	}
	if time.Since(*acct.RateLimitedAt) >= RateLimitWindow {
		if err := r.ClearRateLimit(ctx, acct.ID); err != nil {
			slog.Error("auto-clear rate limit failed", "accountId", acct.ID, "error", err)
		}
		acct.RateLimitStatus = ""
		acct.RateLimitedAt = nil
		return false
	}
	return true
}

// RunRecoverySweep periodically clears expired rate-limit marks so that
// accounts recover even when nothing selects them.
func (r *Registry) RunRecoverySweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			accounts, err := r.ListAll(ctx)
			if err != nil {
				slog.Error("recovery sweep list failed", "error", err)
				continue
			}
			for _, acct := range accounts {
				r.IsRateLimited(ctx, acct)
			}
		}
	}
}

func (r *Registry) encryptBlob(blob *OAuthBlob) (string, error) {
	raw, err := json.Marshal(blob)
	if err != nil {
		return "", fmt.Errorf("marshal oauth blob: %w", err)
	}
	return r.crypto.Encrypt(string(raw))
}

func (r *Registry) fromMap(m map[string]string) (*Account, error) {
	a := &Account{
		ID:              m["id"],
		Name:            m["name"],
		Active:          m["active"] == "true",
		Binding:         m["binding"],
		RateLimitStatus: m["rateLimitStatus"],
		ErrorMessage:    m["errorMessage"],
	}
	if a.Binding == "" {
		a.Binding = BindingShared
	}

	if t, err := time.Parse(time.RFC3339, m["createdAt"]); err == nil {
		a.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, m["lastUsedAt"]); err == nil {
		a.LastUsedAt = &t
	}
	if t, err := time.Parse(time.RFC3339, m["lastRefreshAt"]); err == nil {
		a.LastRefreshAt = &t
	}
	if t, err := time.Parse(time.RFC3339, m["rateLimitedAt"]); err == nil {
		a.RateLimitedAt = &t
	}

	if proxyStr := m["proxy"]; proxyStr != "" {
		var p ProxyConfig
		if json.Unmarshal([]byte(proxyStr), &p) == nil && p.Host != "" {
			a.Proxy = &p
		}
	}

	if enc := m["oauth"]; enc != "" {
		raw, err := r.crypto.Decrypt(enc)
		if err != nil {
			return nil, fmt.Errorf("decrypt oauth blob: %w", err)
		}
		var blob OAuthBlob
		if err := json.Unmarshal([]byte(raw), &blob); err != nil {
			return nil, fmt.Errorf("decode oauth blob: %w", err)
		}
		a.OAuth = &blob
	}

	return a, nil
}
