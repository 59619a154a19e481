package main

import (
	"log/slog"
	"os"

	"github.com/yansir/claude-mux/internal/account"
	"github.com/yansir/claude-mux/internal/apikey"
	"github.com/yansir/claude-mux/internal/auth"
	"github.com/yansir/claude-mux/internal/config"
	"github.com/yansir/claude-mux/internal/identity"
	"github.com/yansir/claude-mux/internal/relay"
	"github.com/yansir/claude-mux/internal/scheduler"
	"github.com/yansir/claude-mux/internal/server"
	"github.com/yansir/claude-mux/internal/store"
	"github.com/yansir/claude-mux/internal/transport"
	"github.com/yansir/claude-mux/internal/usage"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	setupLogging(cfg)
	slog.Info("claude-mux starting", "version", version)

	kv, err := store.NewRedis(cfg.KV.Addr(), cfg.KV.Password, cfg.KV.DB, cfg.KV.PoolSize)
	if err != nil {
		slog.Error("kv store init failed", "error", err)
		os.Exit(1)
	}
	defer kv.Close()
	slog.Info("kv store ready", "addr", cfg.KV.Addr())

	crypto := account.NewCrypto(cfg.Security.EncryptionKey)
	if _, err := crypto.DeriveKey("startup-check"); err != nil {
		slog.Error("key derivation failed", "error", err)
		os.Exit(1)
	}

	registry := account.NewRegistry(kv, crypto)
	tm := transport.NewManager(cfg.Proxy.Timeout())
	defer tm.Close()

	tokens := account.NewTokenManager(kv, registry, cfg, tm)
	sched := scheduler.New(kv, registry)
	capture := identity.NewCapture(kv)
	client := relay.NewClient(cfg, tm, capture)
	bus := usage.NewBus(200)

	keys := apikey.NewStore(kv, crypto, cfg.Performance.KeyCache.Max, cfg.Performance.KeyCache.TTL())
	authMw := auth.NewMiddleware(keys)

	var recorder *usage.Recorder
	if cfg.UsageDBPath != "" {
		recorder, err = usage.NewRecorder(cfg.UsageDBPath)
		if err != nil {
			slog.Error("usage recorder init failed", "error", err)
			os.Exit(1)
		}
		defer recorder.Close()
	}

	r := relay.New(cfg, registry, tokens, sched, capture, client, bus)

	srv := server.New(cfg, kv, registry, r, authMw, tm, recorder, bus, version)
	if err := srv.Run(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func setupLogging(cfg *config.Config) {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}
