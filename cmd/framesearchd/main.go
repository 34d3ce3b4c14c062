// Framesearchd is the tenant-isolated video frame search daemon.
//
// It serves natural-language frame search over per-tenant embedding
// indexes, brokers per-tenant credentials for upstream source-management
// services, and ingests frame embeddings over NATS and HTTP.
//
// Configuration comes from a YAML file (-config) overridden by
// FRAMESEARCH_* environment variables. See internal/config for details.
//
// Usage:
//
//	# Start with defaults plus a config file
//	framesearchd -config /etc/framesearch/config.yaml
//
//	# Configure via environment
//	FRAMESEARCH_SERVER_PORT=9090 framesearchd
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/framesearch/internal/api"
	"github.com/fyrsmithlabs/framesearch/internal/config"
	"github.com/fyrsmithlabs/framesearch/internal/encoder"
	"github.com/fyrsmithlabs/framesearch/internal/index"
	"github.com/fyrsmithlabs/framesearch/internal/ingest"
	"github.com/fyrsmithlabs/framesearch/internal/logging"
	"github.com/fyrsmithlabs/framesearch/internal/search"
	"github.com/fyrsmithlabs/framesearch/internal/tenant"
	"github.com/fyrsmithlabs/framesearch/internal/token"
	"github.com/fyrsmithlabs/framesearch/internal/upstream"
	"github.com/fyrsmithlabs/framesearch/internal/vault"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("framesearchd\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
		os.Exit(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

// run starts the daemon and blocks until ctx is cancelled.
//
// Startup order: configuration, logger, durable store, index warm-up from
// the store, upstream/encoder clients, NATS consumer, HTTP server.
// Returns http.ErrServerClosed on graceful shutdown.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("Starting framesearchd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.Int("dimension", cfg.Index.Dimension),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout.Duration()))

	// Durable store, shared by record and tenant buckets.
	store, err := index.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	tenantStore, err := tenant.NewBoltStore(store.DB())
	if err != nil {
		return err
	}
	tenantIDs, err := tenantStore.List()
	if err != nil {
		return fmt.Errorf("listing tenants: %w", err)
	}
	logger.Info("Tenant store opened", zap.Int("tenants", len(tenantIDs)))

	ix := index.New(store, cfg.Index, logger)

	// Graphs rebuild lazily on first use; the flag front-loads the full
	// rebuild so the first query after a restart pays no build cost.
	if cfg.Index.RecreateOnStartup {
		warmStart := time.Now()
		if err := ix.ReindexAll(ctx); err != nil {
			return fmt.Errorf("index warm-up: %w", err)
		}
		logger.Info("Index recreated", zap.Duration("elapsed", time.Since(warmStart)))
	}

	v := vault.New(cfg.Vault)
	issuer, err := token.NewIssuer(cfg.Token)
	if err != nil {
		return fmt.Errorf("initializing token issuer: %w", err)
	}
	logger.Info("Token issuer ready",
		logging.Secret("signing_key", cfg.Token.SigningKey),
		zap.Duration("ttl", cfg.Token.TTL.Duration()))

	clients := upstream.NewFactory(cfg.Upstream, logger)
	tenants := tenant.NewManager(tenantStore, v, issuer, clients, cfg.Auth, logger)

	enc := encoder.New(cfg.Encoder, logger)
	pipeline := search.NewPipeline(enc, ix, logger)

	// NATS ingestion is optional; HTTP push stays available without it.
	if cfg.NATS.Enabled {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(5),
			nats.ReconnectWait(1*time.Second),
		)
		if err != nil {
			return fmt.Errorf("connecting to NATS at %s: %w", cfg.NATS.URL, err)
		}
		defer nc.Close()
		logger.Info("Connected to NATS", zap.String("url", cfg.NATS.URL))

		consumer := ingest.NewConsumer(nc, ix, logger)
		if err := consumer.Start(); err != nil {
			return err
		}
		defer consumer.Stop()
	}

	srv, err := api.NewServer(cfg.Server, tenants, pipeline, ix, issuer, logger)
	if err != nil {
		return fmt.Errorf("initializing server: %w", err)
	}

	logger.Info("Server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)),
		zap.String("api_prefix", "/api/v1"),
		zap.String("metrics_endpoint", "/metrics"))

	return srv.Start(ctx)
}
