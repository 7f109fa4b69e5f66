// Command ingest indexes documents into the vault. The worker subcommand
// consumes queued uploads from NATS; file indexes local files directly,
// enqueue hands them to running workers and watch follows a directory.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/WessleyAI/rag-vault/cmd/internal/backend"
	"github.com/WessleyAI/rag-vault/engine/catalog"
	"github.com/WessleyAI/rag-vault/engine/ingest"
	"github.com/WessleyAI/rag-vault/engine/parser"
	"github.com/WessleyAI/rag-vault/pkg/config"
	"github.com/WessleyAI/rag-vault/pkg/metrics"
	"github.com/WessleyAI/rag-vault/pkg/natsutil"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type app struct {
	cfg config.Config
	log *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "ingest",
		Short:         "Index documents into the vault",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			a.cfg, a.log = cfg, cfg.Logger()
			slog.SetDefault(a.log)
			return nil
		},
	}
	root.SetErrPrefix("ingest:")

	var (
		queue       string
		metricsAddr string
	)
	worker := &cobra.Command{
		Use:   "worker",
		Short: "Consume queued uploads from NATS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := a.runWorker(cmd.Context(), queue, metricsAddr)
			a.report(err)
			return err
		},
	}
	worker.Flags().StringVar(&queue, "queue", "vault-ingest", "NATS queue group shared by workers")
	worker.Flags().StringVar(&metricsAddr, "metrics-addr", ":9091", "address serving /metrics, empty to disable")

	var collection string
	file := &cobra.Command{
		Use:   "file PATH...",
		Short: "Index local files into a collection",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := a.runFiles(cmd, collection, args)
			a.report(err)
			return err
		},
	}
	enqueue := &cobra.Command{
		Use:   "enqueue PATH...",
		Short: "Register files and queue them for the workers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := a.runEnqueue(cmd, collection, args)
			a.report(err)
			return err
		},
	}
	for _, c := range []*cobra.Command{file, enqueue} {
		c.Flags().StringVarP(&collection, "collection", "c", "", "collection id (default collection when empty)")
	}

	root.AddCommand(worker, file, enqueue, a.newWatchCmd())
	return root
}

func (a *app) report(err error) {
	if err != nil && a.log != nil {
		a.log.Error("command failed", "err", err)
	}
}

func (a *app) runWorker(ctx context.Context, queue, metricsAddr string) error {
	reg := metrics.New()
	b, err := backend.Open(ctx, a.cfg, a.log, reg)
	if err != nil {
		return err
	}
	defer b.Close()
	svc, err := b.Ingest()
	if err != nil {
		return err
	}

	nc, err := natsutil.Connect(a.cfg.NATSURL, "vault-ingest", a.log)
	if err != nil {
		return err
	}
	defer nc.Drain()

	sub, err := ingest.StartConsumer(nc, svc, queue)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", ingest.Subject, err)
	}
	defer sub.Unsubscribe()

	dead := reg.Counter("vault_ingest_dead_letters_total", "Jobs given up on")
	dlq, err := natsutil.Subscribe(nc, ingest.DLQSubject, a.log, func(ctx context.Context, dl ingest.DeadLetter) {
		dead.Inc()
		a.log.WarnContext(ctx, "dead letter", "doc_id", dl.Job.DocumentID, "retries", dl.Retries, "err", dl.Error)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", ingest.DLQSubject, err)
	}
	defer dlq.Unsubscribe()

	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: reg.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("metrics server failed", "err", err)
			}
		}()
		defer srv.Close()
	}

	a.log.Info("ingest worker started", "subject", ingest.Subject, "queue", queue, "nats", nc.ConnectedUrl())
	<-ctx.Done()
	a.log.Info("shutting down")
	return nil
}

// target resolves the collection flag, falling back to the default
// collection.
func target(ctx context.Context, c *catalog.Catalog, id string) (string, error) {
	if id == "" {
		def, err := c.EnsureDefault(ctx)
		if err != nil {
			return "", err
		}
		return def.ID, nil
	}
	if _, err := c.GetCollection(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}

func (a *app) runFiles(cmd *cobra.Command, collection string, paths []string) error {
	ctx := cmd.Context()
	b, err := backend.Open(ctx, a.cfg, a.log, nil)
	if err != nil {
		return err
	}
	defer b.Close()
	svc, err := b.Ingest()
	if err != nil {
		return err
	}
	colID, err := target(ctx, b.Catalog, collection)
	if err != nil {
		return err
	}

	var errs []error
	for _, path := range paths {
		req, err := register(ctx, b.Catalog, colID, path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		rep, err := svc.Ingest(ctx, req)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d chunks\n", req.DocumentID, req.Filename, rep.Chunks)
	}
	return errors.Join(errs...)
}

func (a *app) runEnqueue(cmd *cobra.Command, collection string, paths []string) error {
	ctx := cmd.Context()
	b, err := backend.Open(ctx, a.cfg, a.log, nil)
	if err != nil {
		return err
	}
	defer b.Close()
	colID, err := target(ctx, b.Catalog, collection)
	if err != nil {
		return err
	}
	nc, err := natsutil.Connect(a.cfg.NATSURL, "vault-enqueue", a.log)
	if err != nil {
		return err
	}
	defer nc.Drain()

	var errs []error
	for _, path := range paths {
		req, err := register(ctx, b.Catalog, colID, path)
		if err == nil {
			err = ingest.Enqueue(ctx, nc, req)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tqueued\n", req.DocumentID, req.Filename)
	}
	return errors.Join(errs...)
}

// register records path as a pending document. Workers read the file from
// the same path, so it is made absolute.
func register(ctx context.Context, c *catalog.Catalog, colID, path string) (ingest.Request, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return ingest.Request{}, err
	}
	name := filepath.Base(abs)
	if _, err := parser.KindFor(name); err != nil {
		return ingest.Request{}, err
	}
	doc, err := c.RegisterDocument(ctx, colID, name, parser.FileType(name))
	if err != nil {
		return ingest.Request{}, err
	}
	return ingest.Request{CollectionID: colID, DocumentID: doc.ID, Filename: name, Path: abs}, nil
}
