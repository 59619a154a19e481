package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/yansir/claude-mux/internal/account"
	"github.com/yansir/claude-mux/internal/apikey"
	"github.com/yansir/claude-mux/internal/auth"
	"github.com/yansir/claude-mux/internal/config"
	"github.com/yansir/claude-mux/internal/identity"
	"github.com/yansir/claude-mux/internal/persona"
	"github.com/yansir/claude-mux/internal/relay"
	"github.com/yansir/claude-mux/internal/scheduler"
	"github.com/yansir/claude-mux/internal/store"
	"github.com/yansir/claude-mux/internal/transport"
	"github.com/yansir/claude-mux/internal/usage"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()

	cfg := &config.Config{}
	cfg.Security.EncryptionKey = strings.Repeat("k", 32)
	cfg.Upstream.URL = "https://api.anthropic.com/v1/messages"
	cfg.Upstream.APIVersion = "2023-06-01"
	cfg.Proxy.TimeoutMS = 60000
	cfg.Proxy.MaxRetries = 1
	cfg.Performance.KeyCache.Max = 100
	cfg.Performance.KeyCache.TTLMS = 60000

	mem := store.NewMem()
	crypto := account.NewCrypto(cfg.Security.EncryptionKey)
	registry := account.NewRegistry(mem, crypto)
	tokens := account.NewTokenManager(mem, registry, cfg, nil)
	sched := scheduler.New(mem, registry)
	capture := identity.NewCapture(mem)
	tm := transport.NewManager(cfg.Proxy.Timeout())
	client := relay.NewClient(cfg, tm, capture)
	bus := usage.NewBus(10)
	r := relay.New(cfg, registry, tokens, sched, capture, client, bus)

	keys := apikey.NewStore(mem, crypto, 100, time.Minute)
	_, token, err := keys.Create(context.Background(), "test-key", persona.Anthropic, "cr_", apikey.CreateOptions{})
	if err != nil {
		t.Fatalf("create key: %v", err)
	}

	srv := New(cfg, mem, registry, r, auth.NewMiddleware(keys), tm, nil, bus, "test")
	return srv, token
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]interface{}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["status"] != "ok" || resp["uptime"] == nil {
		t.Fatalf("unexpected health body: %s", rec.Body.String())
	}
}

func TestKeyInfoRequiresAuth(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/v1/key-info", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestKeyInfoReturnsPersona(t *testing.T) {
	srv, token := newTestServer(t)

	req := httptest.NewRequest("GET", "/v1/key-info", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]interface{}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["persona"] != "anthropic" {
		t.Fatalf("persona = %v", resp["persona"])
	}
	if resp["name"] != "test-key" {
		t.Fatalf("name = %v", resp["name"])
	}
}

func TestMetricsEndpointServes(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
