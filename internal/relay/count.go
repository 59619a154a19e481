package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/yansir/claude-mux/internal/account"
	"github.com/yansir/claude-mux/internal/auth"
	"github.com/yansir/claude-mux/internal/identity"
)

const countTimeout = 10 * time.Second

// charsPerToken is the character estimate divisor used when the upstream
// count call is unavailable.
const charsPerToken = 3.5

// CountInputTokens asks the upstream count-tokens endpoint for the shaped
// body's input size, falling back to a deterministic character estimate on
// any failure. It always yields a number.
func (c *Client) CountInputTokens(
	ctx context.Context,
	acct *account.Account,
	accessToken string,
	body map[string]interface{},
) int {
	reduced := map[string]interface{}{
		"model":    body["model"],
		"messages": body["messages"],
	}
	if sys, ok := body["system"]; ok {
		reduced["system"] = sys
	}
	if tools, ok := body["tools"]; ok {
		reduced["tools"] = tools
	}

	if n, ok := c.countUpstream(ctx, acct, accessToken, reduced); ok {
		return n
	}
	return EstimateTokens(body)
}

func (c *Client) countUpstream(
	ctx context.Context,
	acct *account.Account,
	accessToken string,
	reduced map[string]interface{},
) (int, bool) {
	payload, err := json.Marshal(reduced)
	if err != nil {
		return 0, false
	}

	ctx, cancel := context.WithTimeout(ctx, countTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Upstream.URL+"/count_tokens", bytes.NewReader(payload))
	if err != nil {
		return 0, false
	}
	identity.SetRequiredHeaders(req.Header, accessToken, c.cfg.Upstream.APIVersion, c.cfg.Upstream.BetaHeader)
	identity.EnsureUserAgent(req.Header)

	resp, err := c.transport.GetClient(acct).Do(req)
	if err != nil {
		slog.Debug("count_tokens call failed, using estimate", "error", err)
		return 0, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		slog.Debug("count_tokens non-200, using estimate", "status", resp.StatusCode)
		return 0, false
	}

	var result struct {
		InputTokens int `json:"input_tokens"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, false
	}
	return result.InputTokens, true
}

// EstimateTokens sums the character counts of every text payload in the
// messages and system fields and divides by charsPerToken, rounding up.
func EstimateTokens(body map[string]interface{}) int {
	total := 0

	if messages, ok := body["messages"].([]interface{}); ok {
		for _, msg := range messages {
			m, ok := msg.(map[string]interface{})
			if !ok {
				continue
			}
			switch content := m["content"].(type) {
			case string:
				total += utf8.RuneCountInString(content)
			case []interface{}:
				for _, block := range content {
					total += textChars(block)
				}
			}
		}
	}

	switch sys := body["system"].(type) {
	case string:
		total += utf8.RuneCountInString(sys)
	case []interface{}:
		for _, entry := range sys {
			total += textChars(entry)
		}
	}

	return int(math.Ceil(float64(total) / charsPerToken))
}

func textChars(block interface{}) int {
	b, ok := block.(map[string]interface{})
	if !ok || b["type"] != "text" {
		return 0
	}
	text, _ := b["text"].(string)
	return utf8.RuneCountInString(text)
}

// HandleCountTokens serves POST /v1/messages/count_tokens as a passthrough
// under the same key policies as the relay itself.
func (r *Relay) HandleCountTokens(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	key := auth.KeyFromContext(ctx)
	if key == nil {
		writeErrorJSON(w, http.StatusUnauthorized, "authentication_error", "not authenticated")
		return
	}

	req.Body = http.MaxBytesReader(w, req.Body, maxBodyBytes)
	rawBody, err := io.ReadAll(req.Body)
	if err != nil {
		writeErrorJSON(w, http.StatusBadRequest, "invalid_request_error", "failed to read body")
		return
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rawBody, &body); err != nil {
		writeErrorJSON(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
		return
	}

	model, _ := body["model"].(string)
	if !key.ModelAllowed(model) {
		writeErrorJSON(w, http.StatusForbidden, "forbidden",
			fmt.Sprintf("model %s is not permitted for this API key", model))
		return
	}

	acct, _, err := r.sched.Select(ctx, key, "")
	if err != nil {
		writeErrorJSON(w, http.StatusServiceUnavailable, "overloaded_error", "no available accounts")
		return
	}
	accessToken, err := r.tokens.GetValidAccessToken(ctx, acct.ID)
	if err != nil {
		writeErrorJSON(w, http.StatusServiceUnavailable, "api_error", "token unavailable")
		return
	}

	genuine := identity.IsGenuineClaudeCode(req.UserAgent(), body["system"])
	var shaped map[string]interface{}
	_ = json.Unmarshal(rawBody, &shaped)
	r.reqShaper.Shape(shaped, genuine)

	count := r.client.CountInputTokens(ctx, acct, accessToken, shaped)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]int{"input_tokens": count})
}
