// Command storage-gateway serves a multi-tenant content API over
// heterogeneous physical storage backends.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	gateway "github.com/quarkstore/gateway"
	"github.com/quarkstore/gateway/backbone"
	"github.com/quarkstore/gateway/content"
	"github.com/quarkstore/gateway/lock"
	"github.com/quarkstore/gateway/metadata"
	"github.com/quarkstore/gateway/server"
	"github.com/quarkstore/gateway/store"
	"github.com/quarkstore/gateway/telemetry"
	"github.com/quarkstore/gateway/upload"
)

var version = "dev"

type cli struct {
	Address string `help:"Address to listen on." default:":8080"`
	DataDir string `help:"Directory for the metadata database and upload scratch space." default:"./data"`
	Tenants string `help:"Path to the tenant configuration JSON file." type:"existingfile" optional:""`

	AuthToken string `help:"Bearer token protecting the API. Empty disables authentication." env:"GATEWAY_AUTH_TOKEN"`

	SessionTTL      time.Duration `help:"How long abandoned upload sessions are kept." default:"24h"`
	CleanupInterval time.Duration `help:"How often to run the session and scratch cleanup pass." default:"1h"`

	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics export." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Prometheus   bool   `help:"Expose Prometheus metrics on /metrics."`

	LogLevel  string `help:"Log level." enum:"debug,info,warn,error" default:"info"`
	LogFormat string `help:"Log format." enum:"text,json" default:"text"`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	var flags cli
	kctx := kong.Parse(&flags,
		kong.Name("storage-gateway"),
		kong.Description("Multi-tenant storage gateway."),
		kong.Vars{"version": version},
	)
	kctx.FatalIfErrorf(run(flags))
}

func run(flags cli) error {
	logger := newLogger(flags.LogLevel, flags.LogFormat)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "storage-gateway",
		ServiceVersion:   version,
		OTLPEndpoint:     flags.OTLPEndpoint,
		EnablePrometheus: flags.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	scratchDir := filepath.Join(flags.DataDir, "scratch")
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	db := store.NewBolt(store.WithLogger(logger.With("component", "store")))
	if err := db.Open(filepath.Join(flags.DataDir, "gateway.db")); err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn("closing store failed", "error", err)
		}
	}()

	registry, err := loadRegistry(flags.Tenants)
	if err != nil {
		return err
	}

	engine := content.NewEngine(
		backbone.NewManager(backbone.WithLogger(logger.With("component", "backbone"))),
		db, registry, registry,
		content.WithLogger(logger.With("component", "content")),
		content.WithScratchDir(scratchDir),
	)
	locks := lock.NewManager(lock.WithLogger(logger.With("component", "lock")))
	uploads := upload.NewManager(engine, locks, db, registry, registry, scratchDir,
		upload.WithLogger(logger.With("component", "upload")))

	reaper := upload.NewReaper(db, scratchDir, upload.ReaperConfig{
		SessionTTL:    flags.SessionTTL,
		CheckInterval: flags.CleanupInterval,
		Logger:        logger.With("component", "cleanup"),
	})
	reaper.Start(ctx)
	defer reaper.Stop()

	srv, err := server.New(server.Config{
		Address:   flags.Address,
		AuthToken: flags.AuthToken,
		Logger:    logger.With("component", "server"),
	}, server.Components{
		Engine:  engine,
		Uploads: uploads,
		Shares:  db,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("gateway started",
		"version", version,
		"address", srv.Address(),
		"data_dir", flags.DataDir,
		"auth", flags.AuthToken != "",
		"prometheus", flags.Prometheus,
	)

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: lvl}))
}

// tenantSpec is the on-disk tenant configuration shape. Encryption key
// material is read here once and lives only in the in-memory registry.
type tenantSpec struct {
	ID         string                  `json:"id"`
	Backbone   metadata.BackboneConfig `json:"backbone"`
	Encryption struct {
		Algorithm string `json:"algorithm"`
		Recipient string `json:"recipient"`
		Identity  string `json:"identity"`
	} `json:"encryption"`
	Hashes []gateway.Algorithm `json:"hashes"`
	Nodes  []metadata.Node     `json:"nodes"`
}

// loadRegistry builds the tenant/node registry from a configuration file.
// An empty path yields an empty registry.
func loadRegistry(path string) (*metadata.Registry, error) {
	registry := metadata.NewRegistry()
	if path == "" {
		return registry, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tenant configuration: %w", err)
	}

	var specs []tenantSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("parsing tenant configuration: %w", err)
	}

	for _, spec := range specs {
		registry.AddTenant(&metadata.Tenant{
			ID:       spec.ID,
			Backbone: spec.Backbone,
			Encryption: metadata.EncryptionConfig{
				Algorithm: spec.Encryption.Algorithm,
				Recipient: spec.Encryption.Recipient,
				Identity:  spec.Encryption.Identity,
			},
			Hashes: spec.Hashes,
		})
		for i := range spec.Nodes {
			node := spec.Nodes[i]
			node.TenantID = spec.ID
			registry.AddNode(&node)
		}
	}

	return registry, nil
}
