package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ignite/softban/internal/api"
	"github.com/ignite/softban/internal/config"
	"github.com/ignite/softban/internal/pkg/httpretry"
	"github.com/ignite/softban/internal/pkg/logger"
	"github.com/ignite/softban/internal/service/softban"
	"github.com/ignite/softban/internal/session"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		logger.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	logger.SetRedactIdentities(!cfg.Log.ShowIdentities)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		logger.Error("failed to open block store", "driver", cfg.Storage.Driver, "error", err)
		os.Exit(1)
	}
	defer backend.Close()

	manager, err := softban.NewManager(backend.Repo, softban.Config{
		Duration:     cfg.Block.Duration(),
		StoreTimeout: cfg.Block.StoreTimeout(),
	})
	if err != nil {
		logger.Error("failed to create block manager", "error", err)
		os.Exit(1)
	}

	var sessions api.CacheStore
	if cfg.Session.Enabled {
		client, err := backend.redisClient(ctx, cfg.Redis)
		if err != nil {
			logger.Warn("session cache disabled: redis unavailable", "error", err)
		} else {
			sessions = session.NewStore(client, cfg.Session.KeyPrefix, cfg.Session.TTL())
			logger.Info("session cache enabled", "ttl", cfg.Session.TTL().String())
		}
	}

	deps := api.Deps{
		Blocks:   manager,
		Records:  backend.Repo,
		Sessions: sessions,
		Health:   backend.healthChecker(),
		Identity: api.IdentityResolver{
			Header:       cfg.Block.IdentityHeader,
			Cookie:       cfg.Block.SessionCookie,
			SecureCookie: cfg.Block.SecureCookies,
		},
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AdminToken:     cfg.Admin.Token,
	}
	if cfg.Admin.Token == "" {
		logger.Warn("admin API disabled: no admin token configured")
	}

	if cfg.Decision.Enabled() {
		client := httpretry.NewRetryClient(&http.Client{Timeout: cfg.Decision.Timeout()}, cfg.Decision.MaxRetries)
		deps.Relay = api.NewRelay(client, cfg.Decision.URL, cfg.Decision.RejectionCodes, manager).
			WithStatusRetry(cfg.Decision.RetryOnStatus)
		logger.Info("decision relay enabled", "rejection_codes", len(cfg.Decision.RejectionCodes),
			"max_retries", cfg.Decision.MaxRetries, "retry_on_status", cfg.Decision.RetryOnStatus)
	}

	server := api.NewServer(api.SetupRoutes(deps))

	// Setup graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := cfg.Server.Addr()
		logger.Info("starting server", "addr", addr, "driver", cfg.Storage.Driver,
			"block_duration", cfg.Block.Duration().String())
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	logger.Info("server stopped")
}
