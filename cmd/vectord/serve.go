package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vectord/internal/audit"
	"github.com/fyrsmithlabs/vectord/internal/config"
	"github.com/fyrsmithlabs/vectord/internal/crypto"
	"github.com/fyrsmithlabs/vectord/internal/embeddings"
	httpapi "github.com/fyrsmithlabs/vectord/internal/http"
	"github.com/fyrsmithlabs/vectord/internal/ingest"
	"github.com/fyrsmithlabs/vectord/internal/logging"
	"github.com/fyrsmithlabs/vectord/internal/milvus"
	"github.com/fyrsmithlabs/vectord/internal/schema"
	"github.com/fyrsmithlabs/vectord/internal/telemetry"
	"github.com/fyrsmithlabs/vectord/internal/vectorstore"
	"github.com/fyrsmithlabs/vectord/internal/workflows"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the vectord HTTP server",
	Long: `Start the vectord daemon: connects to Milvus and (optionally) NATS,
then serves collection admin, search, and ingestion over HTTP.

Examples:
  # Start with defaults
  vectord serve

  # Start with a config file
  vectord serve --config /etc/vectord/config.yaml`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return run(ctx)
}

// run initializes all dependencies, starts the HTTP server, and blocks
// until the context is cancelled or the server fails.
func run(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		_ = logging.Sync(logger)
	}()

	logger.Info("starting vectord",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("milvus", cfg.Milvus.Address))

	tel, err := telemetry.New(ctx, &cfg.Observability)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	if tel.Degraded() {
		logger.Warn("telemetry degraded, continuing without exporters")
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	client, err := milvus.NewGRPCClient(ctx, &milvus.ClientConfig{
		Address:  cfg.Milvus.Address,
		Database: cfg.Milvus.Database,
	}, logger)
	if err != nil {
		return fmt.Errorf("connecting to milvus: %w", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("milvus close failed", zap.Error(err))
		}
	}()

	registry := schema.NewRegistry(client, logger)

	gateway, err := crypto.NewAESGateway(crypto.Config{
		Keys:           cfg.Encryption.Keys,
		CurrentVersion: cfg.Encryption.CurrentVersion,
	})
	if err != nil {
		return fmt.Errorf("initializing encryption gateway: %w", err)
	}

	metrics := embeddings.NewMetrics(logger)
	provider, err := embeddings.NewHTTPProvider(embeddings.HTTPConfig{
		BaseURL: cfg.Embedding.BaseURL,
		APIKey:  cfg.Embedding.APIKey,
		Timeout: cfg.Embedding.Timeout,
	}, metrics)
	if err != nil {
		return fmt.Errorf("initializing embedding provider: %w", err)
	}

	var backend embeddings.Backend
	if cfg.Cache.NATSURL != "" {
		natsBackend, err := embeddings.NewNATSBackend(ctx, embeddings.NATSConfig{
			URL:    cfg.Cache.NATSURL,
			Bucket: cfg.Cache.Bucket,
			TTL:    cfg.Cache.TTL,
		}, logger)
		if err != nil {
			return fmt.Errorf("initializing embedding cache: %w", err)
		}
		defer natsBackend.Close()
		backend = natsBackend
	} else {
		logger.Info("using in-process embedding cache")
		backend = embeddings.NewMemoryBackend()
	}
	cache := embeddings.NewCache(backend, provider, cfg.Cache.TTL, logger, metrics)

	// The ingestion pipeline and workflow registry need NATS. Without it
	// the server still offers collection admin and search; the embed
	// endpoint reports service unavailable.
	var (
		ingestor    httpapi.Ingestor
		workflowReg vectorstore.WorkflowRegistry
		auditSink   audit.Sink = audit.NewZapSink(logger)
	)
	marshaler := vectorstore.NewMarshaler(gateway, logger)

	if cfg.Ingest.NATSURL != "" {
		nc, err := nats.Connect(cfg.Ingest.NATSURL,
			nats.Name("vectord"),
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(time.Second),
		)
		if err != nil {
			return fmt.Errorf("connecting to nats: %w", err)
		}
		defer nc.Close()

		js, err := jetstream.New(nc)
		if err != nil {
			return fmt.Errorf("creating jetstream context: %w", err)
		}

		repo, err := ingest.NewKVDocumentRepository(ctx, js, cfg.Ingest.DocumentsBucket, logger)
		if err != nil {
			return fmt.Errorf("opening document bucket: %w", err)
		}
		blobs, err := ingest.NewObjectBlobStore(ctx, js, cfg.Ingest.BlobsBucket, logger)
		if err != nil {
			return fmt.Errorf("opening processed blob store: %w", err)
		}
		kvWorkflows, err := workflows.NewKVRegistry(ctx, js, cfg.Ingest.WorkflowsBucket, logger)
		if err != nil {
			return fmt.Errorf("opening workflow bucket: %w", err)
		}
		workflowReg = kvWorkflows

		if cfg.Ingest.AuditSubject != "" {
			auditSink = audit.NewNATSSink(nc, cfg.Ingest.AuditSubject)
		}

		notifier := ingest.NewNATSNotifier(nc, cfg.Ingest.StatusSubject)

		engine := vectorstore.NewEngine(client, registry, provider, gateway, auditSink, workflowReg, logger)
		ingestor = ingest.NewOrchestrator(repo, blobs, engine, registry, marshaler, cache, gateway, notifier, ingest.Options{
			MaxContextTokens:     cfg.Embedding.MaxContextTokens,
			DefaultModelCategory: cfg.Embedding.DefaultModelCategory,
			DefaultModelName:     cfg.Embedding.DefaultModelName,
		}, logger)

		return serve(ctx, cfg, engine, ingestor, client, logger)
	}

	logger.Info("nats not configured, ingestion pipeline disabled")
	engine := vectorstore.NewEngine(client, registry, provider, gateway, auditSink, workflowReg, logger)
	return serve(ctx, cfg, engine, nil, client, logger)
}

// serve starts the HTTP server and blocks until shutdown.
func serve(ctx context.Context, cfg *config.Config, engine httpapi.Engine, ingestor httpapi.Ingestor, health httpapi.HealthChecker, logger *zap.Logger) error {
	srv, err := httpapi.NewServer(engine, ingestor, health, logger, &httpapi.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
