package store

import (
	"context"
	"errors"
	"time"
)

// Key patterns for the shared KV backend.
const (
	KeyAccountPrefix    = "claude_account:"
	KeyAccountIndex     = "claude_account:index"
	KeyAPIKeyPrefix     = "api_key:"
	KeyAPIKeyHashMap    = "api_key:hash_map"
	KeySessionMapping   = "session_mapping:"
	KeyTokenRefreshLock = "token_refresh_lock:claude:"
	KeyHeaderSnapshot   = "claude_code_headers:"
)

// ErrUnavailable marks a KV transport failure. Callers treat it as
// retriable; it is never swallowed.
var ErrUnavailable = errors.New("kv unavailable")

// Store is the typed surface over the shared KV backend. All durable relay
// state lives behind this interface.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	// Account hashes. Field names are the wire names (e.g. "lastUsedAt").
	GetAccount(ctx context.Context, id string) (map[string]string, error)
	SetAccount(ctx context.Context, id string, fields map[string]string) error
	SetAccountFields(ctx context.Context, id string, fields map[string]string) error
	DeleteAccount(ctx context.Context, id string) error
	ListAccountIDs(ctx context.Context) ([]string, error)

	// API key hashes plus the hash→id lookup map.
	GetAPIKey(ctx context.Context, id string) (map[string]string, error)
	SetAPIKey(ctx context.Context, id string, fields map[string]string) error
	DeleteAPIKey(ctx context.Context, id string) error
	GetAPIKeyIDByHash(ctx context.Context, hash string) (string, error)
	SetAPIKeyHash(ctx context.Context, hash, keyID string) error

	// Sticky session mapping, content hash → account id.
	GetSessionMapping(ctx context.Context, hash string) (string, error)
	SetSessionMapping(ctx context.Context, hash, accountID string, ttl time.Duration) error
	DeleteSessionMapping(ctx context.Context, hash string) error

	// Per-account snapshot of genuine Claude-Code request headers.
	GetHeaderSnapshot(ctx context.Context, accountID string) (string, error)
	SetHeaderSnapshot(ctx context.Context, accountID, headersJSON string) error

	// Compare-and-set lock. Acquire succeeds only when the key is absent;
	// Release deletes only when the stored value equals holder.
	Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, holder string) (bool, error)
}
