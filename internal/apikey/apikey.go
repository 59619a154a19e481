package apikey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/yansir/claude-mux/internal/account"
	"github.com/yansir/claude-mux/internal/cache"
	"github.com/yansir/claude-mux/internal/persona"
	"github.com/yansir/claude-mux/internal/store"
)

// ErrNotFound means the presented token matches no active key.
var ErrNotFound = errors.New("api key not found")

// Key is a validated downstream API key record. Persona is assigned at
// creation and immutable.
type Key struct {
	ID      string
	Name    string
	Persona persona.Persona

	EnableModelRestriction bool
	RestrictedModels       []string

	BoundAccountID string

	// ClientRestriction, when set, is a regex the downstream user-agent
	// must match.
	ClientRestriction string
	clientPattern     *regexp.Regexp

	Active    bool
	CreatedAt time.Time
}

// ModelAllowed checks the closed model enumeration.
func (k *Key) ModelAllowed(model string) bool {
	if !k.EnableModelRestriction {
		return true
	}
	for _, m := range k.RestrictedModels {
		if m == model {
			return true
		}
	}
	return false
}

// ClientAllowed checks the user-agent restriction.
func (k *Key) ClientAllowed(userAgent string) bool {
	if k.clientPattern == nil {
		return true
	}
	return k.clientPattern.MatchString(userAgent)
}

// Store validates and manages API key records. Validation results are
// cached in-process; admin mutations invalidate, and the TTL bounds
// staleness when an invalidation is missed.
type Store struct {
	store  store.Store
	crypto *account.Crypto
	cache  *cache.Cache[*Key]
}

func NewStore(s store.Store, c *account.Crypto, cacheMax int, cacheTTL time.Duration) *Store {
	return &Store{
		store:  s,
		crypto: c,
		cache:  cache.New[*Key]("api_key", cacheMax, cacheTTL),
	}
}

// CreateOptions carries the optional policy fields.
type CreateOptions struct {
	RestrictedModels  []string
	BoundAccountID    string
	ClientRestriction string
}

// Create registers a new key and returns the record plus the secret token.
func (ks *Store) Create(ctx context.Context, name string, p persona.Persona, prefix string, opts CreateOptions) (*Key, string, error) {
	if opts.ClientRestriction != "" {
		if _, err := regexp.Compile(opts.ClientRestriction); err != nil {
			return nil, "", fmt.Errorf("client restriction regex: %w", err)
		}
	}

	id := uuid.New().String()
	token := prefix + uuid.New().String()
	now := time.Now().UTC()

	fields := map[string]string{
		"id":                id,
		"name":              name,
		"persona":           string(p),
		"active":            "true",
		"boundAccountId":    opts.BoundAccountID,
		"clientRestriction": opts.ClientRestriction,
		"createdAt":         now.Format(time.RFC3339),
	}
	if len(opts.RestrictedModels) > 0 {
		models, _ := json.Marshal(opts.RestrictedModels)
		fields["enableModelRestriction"] = "true"
		fields["restrictedModels"] = string(models)
	}

	if err := ks.store.SetAPIKey(ctx, id, fields); err != nil {
		return nil, "", err
	}
	if err := ks.store.SetAPIKeyHash(ctx, ks.crypto.HashAPIKey(token), id); err != nil {
		return nil, "", err
	}

	key, err := fromMap(fields)
	if err != nil {
		return nil, "", err
	}
	return key, token, nil
}

// Validate resolves a presented token to its key record.
func (ks *Store) Validate(ctx context.Context, token string) (*Key, error) {
	hash := ks.crypto.HashAPIKey(token)

	if key, ok := ks.cache.Get(hash); ok {
		return key, nil
	}

	id, err := ks.store.GetAPIKeyIDByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, ErrNotFound
	}

	data, err := ks.store.GetAPIKey(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || data["active"] != "true" {
		return nil, ErrNotFound
	}

	key, err := fromMap(data)
	if err != nil {
		return nil, err
	}

	ks.cache.Set(hash, key)
	return key, nil
}

// Invalidate drops a cached validation after an admin mutation.
func (ks *Store) Invalidate(token string) {
	ks.cache.Delete(ks.crypto.HashAPIKey(token))
}

func fromMap(m map[string]string) (*Key, error) {
	p, ok := persona.Parse(m["persona"])
	if !ok {
		return nil, fmt.Errorf("key %s has unknown persona %q", m["id"], m["persona"])
	}

	k := &Key{
		ID:                     m["id"],
		Name:                   m["name"],
		Persona:                p,
		EnableModelRestriction: m["enableModelRestriction"] == "true",
		BoundAccountID:         m["boundAccountId"],
		ClientRestriction:      m["clientRestriction"],
		Active:                 m["active"] == "true",
	}

	if t, err := time.Parse(time.RFC3339, m["createdAt"]); err == nil {
		k.CreatedAt = t
	}
	if models := m["restrictedModels"]; models != "" {
		if err := json.Unmarshal([]byte(models), &k.RestrictedModels); err != nil {
			return nil, fmt.Errorf("key %s restricted models: %w", m["id"], err)
		}
	}
	if k.ClientRestriction != "" {
		pattern, err := regexp.Compile(k.ClientRestriction)
		if err != nil {
			return nil, fmt.Errorf("key %s client restriction: %w", m["id"], err)
		}
		k.clientPattern = pattern
	}

	return k, nil
}
