package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yansir/claude-mux/internal/account"
	"github.com/yansir/claude-mux/internal/auth"
	"github.com/yansir/claude-mux/internal/config"
	"github.com/yansir/claude-mux/internal/metrics"
	"github.com/yansir/claude-mux/internal/relay"
	"github.com/yansir/claude-mux/internal/store"
	"github.com/yansir/claude-mux/internal/transport"
	"github.com/yansir/claude-mux/internal/usage"
)

// Server wires the relay pipeline behind the HTTP surface.
type Server struct {
	cfg          *config.Config
	store        store.Store
	registry     *account.Registry
	relay        *relay.Relay
	authMw       *auth.Middleware
	transportMgr *transport.Manager
	recorder     *usage.Recorder
	bus          *usage.Bus
	httpServer   *http.Server
	startTime    time.Time
	version      string
}

func New(
	cfg *config.Config,
	s store.Store,
	registry *account.Registry,
	r *relay.Relay,
	authMw *auth.Middleware,
	tm *transport.Manager,
	recorder *usage.Recorder,
	bus *usage.Bus,
	version string,
) *Server {
	srv := &Server{
		cfg:          cfg,
		store:        s,
		registry:     registry,
		relay:        r,
		authMw:       authMw,
		transportMgr: tm,
		recorder:     recorder,
		bus:          bus,
		startTime:    time.Now(),
		version:      version,
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(metrics.All()...)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	router.Group(func(gr chi.Router) {
		gr.Use(authMw.Authenticate)
		gr.Post("/v1/messages", r.HandleMessages)
		gr.Post("/v1/messages/count_tokens", r.HandleCountTokens)
		gr.Get("/v1/key-info", srv.handleKeyInfo)
	})

	router.Get("/health", srv.handleHealth)
	router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	srv.httpServer = &http.Server{
		Addr:           cfg.ListenAddr(),
		Handler:        router,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   cfg.Proxy.Timeout() + 30*time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	return srv
}

func (s *Server) handleKeyInfo(w http.ResponseWriter, r *http.Request) {
	key := auth.KeyFromContext(r.Context())
	if key == nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":                key.ID,
		"name":              key.Name,
		"persona":           string(key.Persona),
		"model_restriction": key.EnableModelRestriction,
		"restricted_models": key.RestrictedModels,
		"bound_account":     key.BoundAccountID != "",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if err := s.store.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "error",
			"store":  err.Error(),
		})
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
	})
}

// Run starts the background loops and the listener, blocking until a
// shutdown signal drains the server.
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.registry.RunRecoverySweep(ctx, s.cfg.System.CleanupInterval())
	go s.transportMgr.RunCleanup(ctx)
	if s.recorder != nil {
		go s.recorder.Pump(ctx, s.bus)
		go s.recorder.RunRetention(ctx, s.cfg.System.CleanupInterval(), s.cfg.System.TokenUsageRetention())
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig.String())
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}
