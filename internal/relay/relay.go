package relay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yansir/claude-mux/internal/account"
	"github.com/yansir/claude-mux/internal/apikey"
	"github.com/yansir/claude-mux/internal/auth"
	"github.com/yansir/claude-mux/internal/cache"
	"github.com/yansir/claude-mux/internal/config"
	"github.com/yansir/claude-mux/internal/identity"
	"github.com/yansir/claude-mux/internal/metrics"
	"github.com/yansir/claude-mux/internal/persona"
	"github.com/yansir/claude-mux/internal/pricing"
	"github.com/yansir/claude-mux/internal/scheduler"
	"github.com/yansir/claude-mux/internal/usage"
)

const maxBodyBytes = 60 << 20

// Relay glues the pipeline together: policy checks → select → refresh →
// count → dispatch → shape → record.
type Relay struct {
	cfg        *config.Config
	registry   *account.Registry
	tokens     *account.TokenManager
	sched      *scheduler.Scheduler
	reqShaper  *identity.Shaper
	respShaper *persona.Shaper
	capture    *identity.Capture
	client     *Client
	bus        *usage.Bus
	dedup      *cache.Cache[struct{}]
}

func New(
	cfg *config.Config,
	registry *account.Registry,
	tokens *account.TokenManager,
	sched *scheduler.Scheduler,
	capture *identity.Capture,
	client *Client,
	bus *usage.Bus,
) *Relay {
	personaCfg := persona.DefaultConfig()
	personaCfg.UsageOffsetEnabled = cfg.Upstream.UsageOffsetEnabled

	return &Relay{
		cfg:        cfg,
		registry:   registry,
		tokens:     tokens,
		sched:      sched,
		reqShaper:  identity.NewShaper(cfg.Upstream.SystemPrompt),
		respShaper: persona.NewShaper(personaCfg),
		capture:    capture,
		client:     client,
		bus:        bus,
		dedup:      cache.New[struct{}]("dedup", cfg.Performance.Dedup.Max, cfg.Performance.Dedup.Window()),
	}
}

// HandleMessages serves POST /v1/messages.
func (r *Relay) HandleMessages(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	ctx := req.Context()

	key := auth.KeyFromContext(ctx)
	if key == nil {
		writeErrorJSON(w, http.StatusUnauthorized, "authentication_error", "not authenticated")
		return
	}

	requestID := req.Header.Get("x-request-id")
	if requestID == "" {
		requestID = uuid.New().String()
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
	isStream, _ := body["stream"].(bool)

	// 1. Model allow-list.
	if !key.ModelAllowed(model) {
		writeErrorJSON(w, http.StatusForbidden, "forbidden",
			fmt.Sprintf("model %s is not permitted for this API key", model))
		return
	}

	r.trackDedup(key.ID, rawBody, requestID)

	// 2. Conversation fingerprint and genuineness.
	sessionHash := scheduler.ComputeSessionHash(key.ID, body)
	genuine := identity.IsGenuineClaudeCode(req.UserAgent(), body["system"])

	rc := &requestCtx{
		key:         key,
		requestID:   requestID,
		sessionHash: sessionHash,
		genuine:     genuine,
		rawBody:     rawBody,
		model:       model,
		isStream:    isStream,
		downstream:  req.Header,
		start:       start,
	}

	err = withRetry(ctx, r.cfg.Proxy.MaxRetries, func() error {
		return r.attempt(ctx, w, rc)
	})
	if err != nil {
		r.writeFailure(w, rc, err)
	}

	mode := "json"
	if isStream {
		mode = "sse"
	}
	metrics.RequestDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
}

// requestCtx carries one request's immutable inputs through the attempts.
type requestCtx struct {
	key         *apikey.Key
	requestID   string
	sessionHash string
	genuine     bool
	rawBody     []byte
	model       string
	isStream    bool
	downstream  http.Header
	start       time.Time

	responded bool // a response reached the client; no retry, no error body
}

// attempt runs one full pass: select → refresh → shape → count → dispatch.
func (r *Relay) attempt(ctx context.Context, w http.ResponseWriter, rc *requestCtx) error {
	if ctx.Err() != nil {
		return newError(KindCancelled, ctx.Err())
	}

	acct, degraded, err := r.sched.Select(ctx, rc.key, rc.sessionHash)
	if err != nil {
		if errors.Is(err, scheduler.ErrNoAccounts) {
			return newError(KindConfig, err)
		}
		return newError(KindKVUnavailable, err)
	}
	if degraded {
		slog.Warn("degraded selection", "requestId", rc.requestID, "accountId", acct.ID)
	}

	accessToken, err := r.tokens.GetValidAccessToken(ctx, acct.ID)
	if err != nil {
		if errors.Is(err, account.ErrRefreshInFlight) {
			return newError(KindKVUnavailable, err)
		}
		return newError(KindTokenRefreshFailed, err)
	}

	// 3. Shape a fresh copy of the body so retries start clean.
	var shaped map[string]interface{}
	if err := json.Unmarshal(rc.rawBody, &shaped); err != nil {
		return newError(KindBodyShapeInvalid, err)
	}
	r.reqShaper.Shape(shaped, rc.genuine)

	// Minimum-input gate for the AWS-shaped personas.
	if rc.key.Persona.RequiresTokenFloor() {
		count := r.client.CountInputTokens(ctx, acct, accessToken, shaped)
		if count < persona.MinInputTokens {
			return &Error{Kind: KindTokenFloorNotMet, Tokens: count}
		}
	}

	upstreamBody, err := json.Marshal(shaped)
	if err != nil {
		return newError(KindBodyShapeInvalid, err)
	}

	if rc.isStream {
		return r.dispatchStream(ctx, w, rc, acct, accessToken, upstreamBody)
	}
	return r.dispatchJSON(ctx, w, rc, acct, accessToken, upstreamBody)
}

func (r *Relay) dispatchJSON(
	ctx context.Context,
	w http.ResponseWriter,
	rc *requestCtx,
	acct *account.Account,
	accessToken string,
	upstreamBody []byte,
) error {
	resp, err := r.client.DoJSON(ctx, acct, accessToken, upstreamBody, rc.downstream, rc.genuine)
	if err != nil {
		return err
	}

	if isRateLimitResponse(resp.Status, resp.Body) {
		_ = r.registry.MarkRateLimited(ctx, acct.ID, rc.sessionHash)
		// Forward the upstream status and body unchanged.
		rc.responded = true
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.Status)
		w.Write(resp.Body)
		metrics.RequestsTotal.WithLabelValues(string(rc.key.Persona), strconv.Itoa(resp.Status)).Inc()
		return nil
	}

	if resp.Status < 200 || resp.Status > 299 {
		return &Error{Kind: KindUpstreamStatus, Status: resp.Status, URL: r.cfg.Upstream.URL,
			Err: fmt.Errorf("upstream returned %d", resp.Status)}
	}

	// Success path: recover the account, refresh the fingerprint, shape,
	// and record.
	_ = r.registry.ClearRateLimit(ctx, acct.ID)
	if rc.genuine {
		r.capture.Snapshot(ctx, acct.ID, rc.downstream)
	}

	u := persona.ExtractUsage(resp.Body)
	shapedBody := r.respShaper.ShapeJSON(rc.key.Persona, resp.Body)

	rc.responded = true
	r.writeResponseHeaders(w, rc.key.Persona, resp.Headers, u)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)
	w.Write(shapedBody)

	r.emitUsage(rc, acct.ID, u)
	metrics.RequestsTotal.WithLabelValues(string(rc.key.Persona), strconv.Itoa(resp.Status)).Inc()
	return nil
}

func (r *Relay) dispatchStream(
	ctx context.Context,
	w http.ResponseWriter,
	rc *requestCtx,
	acct *account.Account,
	accessToken string,
	upstreamBody []byte,
) error {
	resp, err := r.client.DoStream(ctx, acct, accessToken, upstreamBody, rc.downstream, rc.genuine)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body)
		if isRateLimitResponse(resp.StatusCode, errBody) {
			_ = r.registry.MarkRateLimited(ctx, acct.ID, rc.sessionHash)
		}
		rc.responded = true
		writeSSEError(w, resp.StatusCode, errBody)
		metrics.RequestsTotal.WithLabelValues(string(rc.key.Persona), strconv.Itoa(resp.StatusCode)).Inc()
		return nil
	}

	flusher, _ := w.(http.Flusher)

	rc.responded = true
	r.writeResponseHeaders(w, rc.key.Persona, resp.Header, nil)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	emitted := false
	state, streamErr := relaySSE(ctx, w, flusher, resp.Body, r.respShaper, rc.key.Persona,
		func(u persona.Usage, model string) {
			emitted = true
			if model == "" {
				model = rc.model
			}
			rc.model = model
			r.emitUsage(rc, acct.ID, &u)
		})

	if state.RateLimited {
		_ = r.registry.MarkRateLimited(ctx, acct.ID, rc.sessionHash)
	} else if streamErr == nil {
		_ = r.registry.ClearRateLimit(ctx, acct.ID)
		if rc.genuine {
			r.capture.Snapshot(ctx, acct.ID, rc.downstream)
		}
	}

	// A stream that ended before message_delta still gets its one event.
	if !emitted && streamErr == nil && !state.RateLimited {
		r.emitUsage(rc, acct.ID, &state.Usage)
	}

	metrics.RequestsTotal.WithLabelValues(string(rc.key.Persona), "200").Inc()
	if streamErr != nil && KindOf(streamErr) != KindCancelled {
		slog.Warn("stream interrupted", "requestId", rc.requestID, "error", streamErr)
	}
	return nil
}

// emitUsage publishes exactly one token-accounting event per request.
func (r *Relay) emitUsage(rc *requestCtx, accountID string, u *persona.Usage) {
	if u == nil {
		u = &persona.Usage{}
	}
	r.bus.Publish(usage.Event{
		RequestID:           rc.requestID,
		KeyID:               rc.key.ID,
		AccountID:           accountID,
		Model:               rc.model,
		Persona:             string(rc.key.Persona),
		Stream:              rc.isStream,
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CacheReadTokens:     u.CacheReadInputTokens,
		CacheCreationTokens: u.CacheCreationInputTokens,
		CostUSD: pricing.Cost(rc.model, u.InputTokens, u.OutputTokens,
			u.CacheReadInputTokens, u.CacheCreationInputTokens),
	})
}

// writeResponseHeaders applies the persona's synthesized header set, or
// passes the upstream headers through for the native persona.
func (r *Relay) writeResponseHeaders(w http.ResponseWriter, p persona.Persona, upstream http.Header, u *persona.Usage) {
	if synthesized := r.respShaper.ResponseHeaders(p, u); synthesized != nil {
		for k, vals := range synthesized {
			for _, v := range vals {
				w.Header().Set(k, v)
			}
		}
		return
	}
	// cc: pass upstream headers through, minus hop-by-hop fields.
	for k, vals := range upstream {
		switch strings.ToLower(k) {
		case "content-length", "content-encoding", "transfer-encoding", "connection":
			continue
		}
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
}

// writeFailure maps a pipeline error to the downstream response.
func (r *Relay) writeFailure(w http.ResponseWriter, rc *requestCtx, err error) {
	kind := KindOf(err)

	if kind == KindCancelled {
		return // silent
	}
	if rc.responded {
		return
	}

	var re *Error
	errors.As(err, &re)

	switch kind {
	case KindTokenFloorNotMet:
		current := 0
		if re != nil {
			current = re.Tokens
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "60")
		w.Header().Set("X-Error-Type", "token_limit_error")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error":          "Too Few Tokens",
			"message":        fmt.Sprintf("input must be at least %d tokens, got %d", persona.MinInputTokens, current),
			"type":           "token_limit_error",
			"current_tokens": current,
			"minimum_tokens": persona.MinInputTokens,
			"retry_after":    60,
		})
		metrics.RequestsTotal.WithLabelValues(string(rc.key.Persona), "429").Inc()
		return

	case KindTokenRefreshFailed:
		r.logFailure(rc, err, http.StatusBadGateway)
		writeErrorJSON(w, http.StatusBadGateway, "api_error", "upstream authentication unavailable")
		metrics.RequestsTotal.WithLabelValues(string(rc.key.Persona), "502").Inc()
		return
	}

	status := 0
	if re != nil {
		status = re.Status
	}
	r.logFailure(rc, err, status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":     err.Error(),
		"requestId": rc.requestID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	metrics.RequestsTotal.WithLabelValues(string(rc.key.Persona), "500").Inc()
}

func (r *Relay) logFailure(rc *requestCtx, err error, status int) {
	url := ""
	var re *Error
	if errors.As(err, &re) {
		url = re.URL
	}
	slog.Error("relay failed",
		"request_id", rc.requestID,
		"error_kind", string(KindOf(err)),
		"url", url,
		"status", status,
		"duration_ms", time.Since(rc.start).Milliseconds(),
		"error", err,
	)
}

// trackDedup fingerprints the request within the configured window. The
// counters surface duplicate storms; duplicates are still forwarded.
func (r *Relay) trackDedup(keyID string, rawBody []byte, requestID string) {
	if !r.cfg.Performance.Dedup.Enabled {
		return
	}
	h := sha256.New()
	h.Write([]byte(keyID))
	h.Write([]byte{0})
	h.Write(rawBody)
	fp := hex.EncodeToString(h.Sum(nil)[:16])

	if _, dup := r.dedup.Get(fp); dup {
		slog.Debug("duplicate request within dedup window", "requestId", requestID)
		return
	}
	r.dedup.Set(fp, struct{}{})
}

// isRateLimitResponse detects an upstream rate limit by status or by the
// documented substring in the body.
func isRateLimitResponse(status int, body []byte) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	return strings.Contains(strings.ToLower(string(body)), rateLimitSignal)
}

func writeErrorJSON(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"type":"error","error":{"type":"%s","message":"%s"}}`, errType, msg)
}
