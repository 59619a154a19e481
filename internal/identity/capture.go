package identity

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/yansir/claude-mux/internal/store"
)

// Capture persists per-account snapshots of genuine Claude-Code request
// headers so later non-genuine calls present a plausible fingerprint.
type Capture struct {
	store store.Store
}

func NewCapture(s store.Store) *Capture {
	return &Capture{store: s}
}

// Snapshot stores the downstream headers of a genuine request, overwriting
// any prior snapshot. Sensitive headers are excluded.
func (c *Capture) Snapshot(ctx context.Context, accountID string, downstream http.Header) {
	captured := make(map[string]string)
	for key, vals := range downstream {
		lower := strings.ToLower(key)
		if strippedHeaders[lower] || len(vals) == 0 {
			continue
		}
		captured[lower] = vals[0]
	}
	if len(captured) == 0 {
		return
	}

	data, _ := json.Marshal(captured)
	if err := c.store.SetHeaderSnapshot(ctx, accountID, string(data)); err != nil {
		slog.Error("store header snapshot failed", "accountId", accountID, "error", err)
	}
}

// Load returns the captured headers for an account, or nil when none exist.
func (c *Capture) Load(ctx context.Context, accountID string) map[string]string {
	raw, err := c.store.GetHeaderSnapshot(ctx, accountID)
	if err != nil {
		slog.Error("load header snapshot failed", "accountId", accountID, "error", err)
		return nil
	}
	if raw == "" {
		return nil
	}
	var captured map[string]string
	if err := json.Unmarshal([]byte(raw), &captured); err != nil {
		return nil
	}
	return captured
}
