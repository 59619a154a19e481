package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/yansir/claude-mux/internal/account"
	"github.com/yansir/claude-mux/internal/apikey"
	"github.com/yansir/claude-mux/internal/metrics"
	"github.com/yansir/claude-mux/internal/store"
)

// StickyTTL is how long a conversation stays pinned to its account.
const StickyTTL = time.Hour

// ErrNoAccounts means the pool is empty (not merely all limited).
var ErrNoAccounts = errors.New("no accounts in pool")

// Scheduler picks an account per request: bound, then sticky, then LRU over
// the available shared pool, then the degraded branch.
type Scheduler struct {
	store    store.Store
	registry *account.Registry
}

func New(s store.Store, r *account.Registry) *Scheduler {
	return &Scheduler{store: s, registry: r}
}

// Select returns the chosen account and whether the degraded branch fired.
func (s *Scheduler) Select(ctx context.Context, key *apikey.Key, sessionHash string) (*account.Account, bool, error) {
	// 1. Key-bound account wins unless it is rate-limited. A limited
	// bound account falls through to the shared pool; see the note in
	// scheduler_test.go about the fail-fast alternative.
	if key != nil && key.BoundAccountID != "" {
		acct, err := s.registry.Get(ctx, key.BoundAccountID)
		if err != nil {
			return nil, false, err
		}
		if acct != nil && acct.Active && !s.registry.IsRateLimited(ctx, acct) {
			s.record(ctx, acct, sessionHash)
			return acct, false, nil
		}
	}

	// 2. Sticky mapping keeps a conversation on one account.
	if sessionHash != "" {
		if id, err := s.store.GetSessionMapping(ctx, sessionHash); err == nil && id != "" {
			acct, err := s.registry.Get(ctx, id)
			if err == nil && acct != nil && acct.Active && !s.registry.IsRateLimited(ctx, acct) {
				_ = s.store.SetSessionMapping(ctx, sessionHash, id, StickyTTL)
				s.record(ctx, acct, "")
				return acct, false, nil
			}
		}
	}

	// 3. Partition the shared pool.
	all, err := s.registry.ListAll(ctx)
	if err != nil {
		return nil, false, err
	}

	var available, limited []*account.Account
	for _, acct := range all {
		if !acct.Active || acct.Binding != account.BindingShared {
			continue
		}
		if s.registry.IsRateLimited(ctx, acct) {
			limited = append(limited, acct)
		} else {
			available = append(available, acct)
		}
	}

	// 4. Least-recently-used among the available, ties by id.
	if len(available) > 0 {
		sort.Slice(available, func(i, j int) bool {
			ti := timeOrZero(available[i].LastUsedAt)
			tj := timeOrZero(available[j].LastUsedAt)
			if !ti.Equal(tj) {
				return ti.Before(tj)
			}
			return available[i].ID < available[j].ID
		})
		selected := available[0]
		s.record(ctx, selected, sessionHash)
		slog.Debug("account selected", "accountId", selected.ID, "name", selected.Name)
		return selected, false, nil
	}

	// 5. Degraded branch: everything is limited. Pick the account closest
	// to recovery so the caller can surface the upstream's own error.
	if len(limited) > 0 {
		sort.Slice(limited, func(i, j int) bool {
			ti := timeOrZero(limited[i].RateLimitedAt)
			tj := timeOrZero(limited[j].RateLimitedAt)
			if !ti.Equal(tj) {
				return ti.Before(tj)
			}
			return limited[i].ID < limited[j].ID
		})
		selected := limited[0]
		metrics.DegradedSelectionsTotal.Inc()
		slog.Warn("all accounts rate limited, selecting closest to recovery",
			"accountId", selected.ID, "rateLimitedAt", selected.RateLimitedAt)
		s.record(ctx, selected, sessionHash)
		return selected, true, nil
	}

	return nil, false, ErrNoAccounts
}

// record writes the sticky mapping and bumps last_used_at.
func (s *Scheduler) record(ctx context.Context, acct *account.Account, sessionHash string) {
	if sessionHash != "" {
		if err := s.store.SetSessionMapping(ctx, sessionHash, acct.ID, StickyTTL); err != nil {
			slog.Error("write sticky mapping failed", "accountId", acct.ID, "error", err)
		}
	}
	if err := s.registry.Touch(ctx, acct.ID); err != nil {
		slog.Error("touch account failed", "accountId", acct.ID, "error", err)
	}
}

// ComputeSessionHash fingerprints a conversation so successive turns hash
// identically. The key id is mixed in (not the key bytes) so identical
// first turns from two tenants stay on separate accounts.
func ComputeSessionHash(keyID string, body map[string]interface{}) string {
	model, _ := body["model"].(string)
	first := firstMessageSignature(body)
	if model == "" && first == "" {
		return ""
	}

	h := sha256.New()
	h.Write([]byte(keyID))
	h.Write([]byte{0})
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(first))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// firstMessageSignature extracts a stable prefix of the first user turn.
func firstMessageSignature(body map[string]interface{}) string {
	messages, _ := body["messages"].([]interface{})
	if len(messages) == 0 {
		return ""
	}
	m, ok := messages[0].(map[string]interface{})
	if !ok {
		return ""
	}

	switch content := m["content"].(type) {
	case string:
		return clip(content, 200)
	case []interface{}:
		for _, block := range content {
			if b, ok := block.(map[string]interface{}); ok && b["type"] == "text" {
				if text, ok := b["text"].(string); ok {
					return clip(text, 200)
				}
			}
		}
	}
	return ""
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
