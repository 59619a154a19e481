package scheduler

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/yansir/claude-mux/internal/account"
	"github.com/yansir/claude-mux/internal/apikey"
	"github.com/yansir/claude-mux/internal/persona"
	"github.com/yansir/claude-mux/internal/store"
)

func setup(t *testing.T) (*Scheduler, *account.Registry, *store.MemStore) {
	t.Helper()
	s := store.NewMem()
	r := account.NewRegistry(s, account.NewCrypto(strings.Repeat("k", 32)))
	return New(s, r), r, s
}

func seed(t *testing.T, r *account.Registry, name string, lastUsed time.Time) *account.Account {
	t.Helper()
	acct, err := r.Create(context.Background(), name, &account.OAuthBlob{
		AccessToken:  "at",
		RefreshToken: "rt",
		ExpiresAtMS:  time.Now().Add(time.Hour).UnixMilli(),
	}, nil, account.BindingShared)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !lastUsed.IsZero() {
		if err := r.Update(context.Background(), acct.ID, map[string]string{
			"lastUsedAt": lastUsed.UTC().Format(time.RFC3339),
		}); err != nil {
			t.Fatalf("set lastUsedAt: %v", err)
		}
	}
	return acct
}

func markLimitedAt(t *testing.T, r *account.Registry, id string, at time.Time) {
	t.Helper()
	if err := r.Update(context.Background(), id, map[string]string{
		"rateLimitedAt":   at.UTC().Format(time.RFC3339),
		"rateLimitStatus": account.StatusLimited,
	}); err != nil {
		t.Fatalf("mark limited: %v", err)
	}
}

func TestLRUSelection(t *testing.T) {
	sched, r, _ := setup(t)
	now := time.Now()

	older := seed(t, r, "older", now.Add(-2*time.Hour))
	seed(t, r, "newer", now.Add(-time.Minute))

	got, degraded, err := sched.Select(context.Background(), nil, "")
	if err != nil || degraded {
		t.Fatalf("select: err=%v degraded=%v", err, degraded)
	}
	if got.ID != older.ID {
		t.Fatalf("expected LRU account %s, got %s", older.Name, got.Name)
	}
}

func TestNeverUsedSortsFirst(t *testing.T) {
	sched, r, _ := setup(t)

	fresh := seed(t, r, "fresh", time.Time{})
	seed(t, r, "used", time.Now().Add(-time.Minute))

	got, _, err := sched.Select(context.Background(), nil, "")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got.ID != fresh.ID {
		t.Fatalf("never-used account should win, got %s", got.Name)
	}
}

func TestRateLimitRotationAndDegradedBranch(t *testing.T) {
	sched, r, _ := setup(t)
	ctx := context.Background()
	now := time.Now()

	// A: last used 2 h ago, limited 30 min ago. B: last used 1 h ago, unlimited.
	a := seed(t, r, "A", now.Add(-2*time.Hour))
	markLimitedAt(t, r, a.ID, now.Add(-30*time.Minute))
	b := seed(t, r, "B", now.Add(-time.Hour))

	got, degraded, err := sched.Select(ctx, nil, "")
	if err != nil || degraded {
		t.Fatalf("select: err=%v degraded=%v", err, degraded)
	}
	if got.ID != b.ID {
		t.Fatalf("unlimited B should win, got %s", got.Name)
	}

	// Mark B limited too (more recently than A). The degraded branch must
	// pick A, the one closest to its 1-hour recovery.
	markLimitedAt(t, r, a.ID, now.Add(-45*time.Minute))
	markLimitedAt(t, r, b.ID, now.Add(-5*time.Minute))

	got, degraded, err = sched.Select(ctx, nil, "")
	if err != nil {
		t.Fatalf("degraded select: %v", err)
	}
	if !degraded {
		t.Fatal("selection should report the degraded branch")
	}
	if got.ID != a.ID {
		t.Fatalf("degraded branch should pick oldest rateLimitedAt (A), got %s", got.Name)
	}
}

func TestBoundAccountWins(t *testing.T) {
	sched, r, _ := setup(t)

	seed(t, r, "pool", time.Time{})
	bound := seed(t, r, "bound", time.Now())

	key := &apikey.Key{ID: "k1", Persona: persona.CC, BoundAccountID: bound.ID}
	got, _, err := sched.Select(context.Background(), key, "")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got.ID != bound.ID {
		t.Fatalf("bound account should win, got %s", got.Name)
	}
}

func TestLimitedBoundAccountFallsThrough(t *testing.T) {
	// Open question: a bound key whose account is limited currently falls
	// through to the shared pool rather than failing fast.
	sched, r, _ := setup(t)

	pool := seed(t, r, "pool", time.Time{})
	bound := seed(t, r, "bound", time.Now())
	markLimitedAt(t, r, bound.ID, time.Now().Add(-time.Minute))

	key := &apikey.Key{ID: "k1", Persona: persona.CC, BoundAccountID: bound.ID}
	got, _, err := sched.Select(context.Background(), key, "")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got.ID != pool.ID {
		t.Fatalf("limited bound key should use the shared pool, got %s", got.Name)
	}
}

func TestStickySessionReuse(t *testing.T) {
	sched, r, s := setup(t)
	ctx := context.Background()

	first := seed(t, r, "first", time.Time{})
	seed(t, r, "second", time.Time{})

	got, _, err := sched.Select(ctx, nil, "hash-1")
	if err != nil {
		t.Fatalf("select: %v", err)
	}

	// The mapping is written on selection...
	if id, _ := s.GetSessionMapping(ctx, "hash-1"); id != got.ID {
		t.Fatalf("sticky mapping = %q, want %q", id, got.ID)
	}

	// ...and honored on the next turn even though the other account is
	// now the LRU choice.
	_ = r.Touch(ctx, got.ID)
	again, _, err := sched.Select(ctx, nil, "hash-1")
	if err != nil {
		t.Fatalf("second select: %v", err)
	}
	if again.ID != got.ID {
		t.Fatalf("sticky session should keep %s, got %s", got.ID, again.ID)
	}
	_ = first
}

func TestStickySkipsLimitedAccount(t *testing.T) {
	sched, r, s := setup(t)
	ctx := context.Background()

	pinned := seed(t, r, "pinned", time.Time{})
	other := seed(t, r, "other", time.Time{})

	_ = s.SetSessionMapping(ctx, "hash-1", pinned.ID, time.Hour)
	markLimitedAt(t, r, pinned.ID, time.Now().Add(-time.Minute))

	got, _, err := sched.Select(ctx, nil, "hash-1")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got.ID != other.ID {
		t.Fatalf("limited sticky account should be skipped, got %s", got.Name)
	}
}

func TestEmptyPoolErrors(t *testing.T) {
	sched, _, _ := setup(t)
	if _, _, err := sched.Select(context.Background(), nil, ""); err == nil {
		t.Fatal("empty pool should error")
	}
}

func TestSessionHashStableAcrossTurns(t *testing.T) {
	turn1 := map[string]interface{}{}
	_ = json.Unmarshal([]byte(`{"model":"claude-sonnet-4-20250514","messages":[{"role":"user","content":"hello there"}]}`), &turn1)
	turn2 := map[string]interface{}{}
	_ = json.Unmarshal([]byte(`{"model":"claude-sonnet-4-20250514","messages":[{"role":"user","content":"hello there"},{"role":"assistant","content":"hi"},{"role":"user","content":"more"}]}`), &turn2)

	h1 := ComputeSessionHash("key-1", turn1)
	h2 := ComputeSessionHash("key-1", turn2)
	if h1 == "" || h1 != h2 {
		t.Fatalf("hash should be stable across turns: %q vs %q", h1, h2)
	}
}

func TestSessionHashSeparatesTenants(t *testing.T) {
	body := map[string]interface{}{}
	_ = json.Unmarshal([]byte(`{"model":"m","messages":[{"role":"user","content":"identical first turn"}]}`), &body)

	if ComputeSessionHash("key-1", body) == ComputeSessionHash("key-2", body) {
		t.Fatal("identical turns from different keys must hash differently")
	}
}
