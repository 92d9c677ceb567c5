package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cpu-gm/canonical-deal-os-sub000/internal/actions"
	"github.com/cpu-gm/canonical-deal-os-sub000/internal/audit"
	"github.com/cpu-gm/canonical-deal-os-sub000/internal/authority"
	"github.com/cpu-gm/canonical-deal-os-sub000/internal/cache"
	"github.com/cpu-gm/canonical-deal-os-sub000/internal/ledger"
	"github.com/cpu-gm/canonical-deal-os-sub000/internal/orchestrator"
	"github.com/cpu-gm/canonical-deal-os-sub000/internal/platform"
	"github.com/cpu-gm/canonical-deal-os-sub000/pkg/db"
	"github.com/cpu-gm/canonical-deal-os-sub000/pkg/httpx"
)

type config struct {
	Port          string
	DatabaseURL   string
	AuthorityBase string
	GatewayID     string
	GatewaySecret string
	LedgerTTL     time.Duration
	WorkspaceTTL  time.Duration
	DevMode       bool
}

func loadConfig() config {
	return config{
		Port:          envStrDefault("SERVICE_PORT", "8084"),
		DatabaseURL:   strings.TrimSpace(os.Getenv("DATABASE_URL")),
		AuthorityBase: strings.TrimSpace(os.Getenv("AUTHORITY_BASE_URL")),
		GatewayID:     strings.TrimSpace(os.Getenv("AUTHORITY_GATEWAY_ID")),
		GatewaySecret: strings.TrimSpace(os.Getenv("AUTHORITY_GATEWAY_SECRET")),
		LedgerTTL:     time.Duration(envIntDefault("ACTION_LEDGER_TTL_SECONDS", 60)) * time.Second,
		WorkspaceTTL:  time.Duration(envIntDefault("WORKSPACE_CACHE_TTL_SECONDS", 15)) * time.Second,
		DevMode:       strings.EqualFold(strings.TrimSpace(os.Getenv("BFF_DEV_MODE")), "true"),
	}
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	cfg := loadConfig()
	if cfg.AuthorityBase == "" {
		log.Fatal().Msg("AUTHORITY_BASE_URL is required")
	}

	pool := db.MustConnect(cfg.DatabaseURL)
	defer pool.Close()

	gateway := authority.New(cfg.AuthorityBase)
	gateway.GatewayID = cfg.GatewayID
	gateway.Secret = cfg.GatewaySecret

	dealCache := cache.New()
	ledgerStore := ledger.NewPG(pool)
	auditStore := audit.NewPG(pool)
	auditService := audit.NewService(auditStore, gateway)
	sideStore := platform.NewStore(pool)

	orch := orchestrator.New(ledgerStore, gateway, auditStore, dealCache, cfg.LedgerTTL,
		log.With().Str("component", "orchestrator").Logger())

	workspaces := &platform.WorkspaceReader{
		Store: sideStore,
		Audit: auditStore,
		Cache: dealCache,
		TTL:   cfg.WorkspaceTTL,
	}

	resolve := func(r *http.Request) (*platform.Identity, error) {
		return platform.ResolveActor(r, pool, cfg.DevMode)
	}
	handler := actions.NewHandler(orch, workspaces, auditService, sideStore, dealCache, resolve,
		log.With().Str("component", "http").Logger())
	handler.DevMode = cfg.DevMode

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context(), pool); err != nil {
			httpx.WriteError(w, 503, "DB_UNAVAILABLE", err.Error(), nil)
			return
		}
		w.WriteHeader(200)
	})
	r.Route("/bff/v1", handler.Routes)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Bool("devMode", cfg.DevMode).Msg("deal gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

func envStrDefault(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntDefault(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if v <= 0 {
		return def
	}
	return v
}
