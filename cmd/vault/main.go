// Command vault serves the knowledge vault over HTTP and a chat websocket.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/WessleyAI/rag-vault/cmd/internal/backend"
	"github.com/WessleyAI/rag-vault/engine/ingest"
	"github.com/WessleyAI/rag-vault/engine/rag"
	"github.com/WessleyAI/rag-vault/pkg/config"
	"github.com/WessleyAI/rag-vault/pkg/metrics"
	"github.com/WessleyAI/rag-vault/pkg/natsutil"
	"github.com/WessleyAI/rag-vault/pkg/resilience"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	logger := cfg.Logger()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.New()
	b, err := backend.Open(ctx, cfg, logger, reg)
	if err != nil {
		return err
	}
	defer b.Close()

	gen, err := backend.Generator(cfg, logger, reg)
	if err != nil {
		return err
	}
	ingestSvc, err := b.Ingest()
	if err != nil {
		return err
	}

	srv := &server{
		catalog:      b.Catalog,
		ingest:       ingestSvc,
		rag:          rag.New(b.Embedder, b.Store, gen, rag.DefaultOptions(), logger, reg),
		embedder:     b.Embedder,
		primary:      gen.Primary(),
		metrics:      reg,
		limiter:      resilience.NewKeyed(resilience.LimiterOpts{Rate: cfg.IngestRate, Burst: cfg.IngestBurst}),
		log:          logger,
		uploadDir:    cfg.UploadDir,
		maxUpload:    cfg.MaxUploadMB << 20,
		corsOrigin:   cfg.CORSOrigin,
		readyTimeout: cfg.ProviderTimeout,
	}

	if cfg.AsyncIngest {
		nc, err := natsutil.Connect(cfg.NATSURL, "vault", logger)
		if err != nil {
			return err
		}
		defer nc.Drain()
		srv.enqueue = func(ctx context.Context, req ingest.Request) error {
			return ingest.Enqueue(ctx, nc, req)
		}
		logger.Info("uploads are queued", "subject", ingest.Subject, "nats", nc.ConnectedUrl())
	}

	go sweep(ctx, srv.limiter, time.Minute)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("vault server starting", "port", cfg.Port, "version", version, "providers", gen.Providers())
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutCtx)
}

// sweep drops idle rate limit buckets until ctx ends.
func sweep(ctx context.Context, k *resilience.Keyed, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			k.Sweep()
		}
	}
}

