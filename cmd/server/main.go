package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tirs/engine/internal/api"
	"github.com/tirs/engine/internal/audit"
	"github.com/tirs/engine/internal/config"
	"github.com/tirs/engine/internal/engine"
	"github.com/tirs/engine/internal/fabric"
	"github.com/tirs/engine/internal/infra"
	"github.com/tirs/engine/internal/metrics"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("[Server] no .env file, using environment as-is")
	}

	cfg := loadConfig()

	// Port from environment wins over config (Cloud Run convention).
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Port = port
	}

	store, err := openAuditStore(cfg)
	if err != nil {
		slog.Error("[Server] audit store init failed", "driver", cfg.Audit.Driver, "error", err)
		os.Exit(1)
	}

	bus := openEventBus(cfg)
	defer bus.Close()

	eng, err := engine.New(cfg, engine.Options{
		Store:   store,
		Bus:     bus,
		Metrics: metrics.NewMetrics(prometheus.DefaultRegisterer),
	})
	if err != nil {
		slog.Error("[Server] engine init failed", "error", err)
		os.Exit(1)
	}
	defer eng.Close()

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      api.NewServer(cfg, eng, bus).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown (Cloud Run sends SIGTERM).
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("[Server] shutdown signal received, draining connections")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			slog.Error("[Server] shutdown error", "error", err)
		}
	}()

	slog.Info("[Server] TIRS engine starting",
		"port", cfg.Server.Port,
		"env", cfg.Server.Env,
		"audit_driver", cfg.Audit.Driver,
	)

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("[Server] listen failed", "error", err)
		os.Exit(1)
	}

	slog.Info("[Server] stopped")
}

func loadConfig() *config.Config {
	path := os.Getenv("TIRS_CONFIG")
	if path == "" {
		return config.Default()
	}
	cfg, err := config.Load(path)
	if err != nil {
		slog.Error("[Server] config load failed", "path", path, "error", err)
		os.Exit(1)
	}
	slog.Info("[Server] config loaded", "path", path)
	return cfg
}

// openAuditStore picks the persistence backend. Postgres is for
// multi-instance deployments; the append-only file is the default.
func openAuditStore(cfg *config.Config) (audit.Store, error) {
	switch cfg.Audit.Driver {
	case "postgres":
		return audit.NewPostgresStore(cfg.Audit.DSN)
	case "memory":
		return audit.NewMemoryStore(), nil
	default:
		return audit.NewFileStore(cfg.Audit.Path)
	}
}

// openEventBus connects to Redis when an address is configured and
// falls back to in-process delivery when it is not reachable. The
// engine never depends on the fabric being up.
func openEventBus(cfg *config.Config) fabric.EventBus {
	if cfg.Fabric.RedisAddr == "" {
		slog.Info("[Server] no redis configured, using local event bus")
		return fabric.NewLocalEventBus()
	}

	client, err := infra.NewGoRedisAdapter(cfg.Fabric.RedisAddr, cfg.Fabric.RedisPassword, cfg.Fabric.RedisDB)
	if err != nil {
		slog.Warn("[Server] redis unreachable, falling back to local event bus",
			"addr", cfg.Fabric.RedisAddr, "error", err)
		return fabric.NewLocalEventBus()
	}

	slog.Info("[Server] redis event fabric connected", "addr", cfg.Fabric.RedisAddr)
	return fabric.NewRedisEventBus(client, cfg.Fabric.ChannelPrefix)
}
