package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/WessleyAI/rag-vault/cmd/internal/backend"
	"github.com/WessleyAI/rag-vault/engine/catalog"
	"github.com/WessleyAI/rag-vault/engine/ingest"
	"github.com/WessleyAI/rag-vault/engine/parser"
	"github.com/WessleyAI/rag-vault/engine/semantic"
)

type change int

const (
	changeNone change = iota
	changeIndex
	changeRemove
	changeDir
)

// classify maps a filesystem event to what the watcher does with it. Hidden
// entries and unsupported formats are ignored.
func classify(ev fsnotify.Event) change {
	if strings.HasPrefix(filepath.Base(ev.Name), ".") {
		return changeNone
	}
	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		return changeRemove
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		info, err := os.Stat(ev.Name)
		if err != nil {
			return changeNone
		}
		if info.IsDir() {
			if ev.Has(fsnotify.Create) {
				return changeDir
			}
			return changeNone
		}
		if _, err := parser.KindFor(ev.Name); err != nil {
			return changeNone
		}
		return changeIndex
	}
	return changeNone
}

// watcher keeps one collection in step with a directory tree. Each file keeps
// its document id across edits; its vectors are replaced on every change.
type watcher struct {
	svc     *ingest.Service
	catalog *catalog.Catalog
	store   semantic.Store
	colID   string
	log     *slog.Logger
	out     io.Writer
	docs    map[string]string
}

func newWatcher(svc *ingest.Service, c *catalog.Catalog, store semantic.Store, colID string, log *slog.Logger, out io.Writer) *watcher {
	return &watcher{svc: svc, catalog: c, store: store, colID: colID, log: log, out: out, docs: map[string]string{}}
}

// index (re)indexes one file. A failure is reported and leaves the watcher
// running.
func (w *watcher) index(ctx context.Context, path string) {
	name := filepath.Base(path)
	docID, ok := w.docs[path]
	if ok {
		if err := w.store.DeleteByDocID(ctx, w.colID, docID); err != nil {
			w.log.Warn("watch: drop stale chunks", "path", path, "err", err)
		}
	} else {
		doc, err := w.catalog.RegisterDocument(ctx, w.colID, name, parser.FileType(name))
		if err != nil {
			w.log.Error("watch: register", "path", path, "err", err)
			return
		}
		docID = doc.ID
		w.docs[path] = docID
	}
	rep, err := w.svc.Ingest(ctx, ingest.Request{CollectionID: w.colID, DocumentID: docID, Filename: name, Path: path})
	if err != nil {
		fmt.Fprintf(w.out, "%s\t%s\tfailed: %v\n", docID, name, err)
		return
	}
	fmt.Fprintf(w.out, "%s\t%s\t%d chunks\n", docID, name, rep.Chunks)
}

func (w *watcher) remove(ctx context.Context, path string) {
	docID, ok := w.docs[path]
	if !ok {
		return
	}
	delete(w.docs, path)
	if err := w.store.DeleteByDocID(ctx, w.colID, docID); err != nil {
		w.log.Error("watch: remove", "path", path, "err", err)
		return
	}
	fmt.Fprintf(w.out, "%s\t%s\tremoved\n", docID, filepath.Base(path))
}

// scan indexes every supported file under dir and returns the directories
// to watch.
func (w *watcher) scan(ctx context.Context, dir string) ([]string, error) {
	var dirs []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			dirs = append(dirs, path)
			return nil
		}
		if _, err := parser.KindFor(path); err == nil {
			w.index(ctx, path)
		}
		return ctx.Err()
	})
	return dirs, err
}

// run scans dir, then follows changes until ctx is done. Bursts of events on
// one file are collapsed into one index after the debounce interval.
func (w *watcher) run(ctx context.Context, dir string, debounce time.Duration) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	defer fsw.Close()

	// The root is watched before the scan so files written meanwhile are seen.
	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("watch: add %s: %w", dir, err)
	}
	dirs, err := w.scan(ctx, dir)
	if err != nil {
		return fmt.Errorf("watch: scan %s: %w", dir, err)
	}
	for _, d := range dirs[1:] {
		if err := fsw.Add(d); err != nil {
			return fmt.Errorf("watch: add %s: %w", d, err)
		}
	}
	w.log.Info("watching", "dir", dir, "dirs", len(dirs), "files", len(w.docs), "collection_id", w.colID)

	pending := map[string]change{}
	timer := time.NewTimer(debounce)
	timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch: fsnotify", "err", err)
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			switch c := classify(ev); c {
			case changeDir:
				sub, err := w.scan(ctx, ev.Name)
				if err != nil && !errors.Is(err, context.Canceled) {
					w.log.Warn("watch: scan", "dir", ev.Name, "err", err)
				}
				for _, d := range sub {
					if err := fsw.Add(d); err != nil {
						w.log.Warn("watch: add", "dir", d, "err", err)
					}
				}
			case changeIndex, changeRemove:
				pending[ev.Name] = c
				timer.Reset(debounce)
			}
		case <-timer.C:
			for path, c := range pending {
				if c == changeRemove {
					w.remove(ctx, path)
				} else {
					w.index(ctx, path)
				}
			}
			clear(pending)
		}
	}
}

func (a *app) newWatchCmd() *cobra.Command {
	var (
		collection string
		debounce   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch DIR",
		Short: "Index a directory and keep it in step with its files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := a.runWatch(cmd, collection, args[0], debounce)
			a.report(err)
			return err
		},
	}
	cmd.Flags().StringVarP(&collection, "collection", "c", "", "collection id (default collection when empty)")
	cmd.Flags().DurationVar(&debounce, "debounce", 500*time.Millisecond, "quiet period before a changed file is indexed")
	return cmd
}

func (a *app) runWatch(cmd *cobra.Command, collection, dir string, debounce time.Duration) error {
	ctx := cmd.Context()
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	if info, err := os.Stat(abs); err != nil {
		return err
	} else if !info.IsDir() {
		return fmt.Errorf("%s: not a directory", dir)
	}

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
	return newWatcher(svc, b.Catalog, b.Store, colID, a.log, cmd.OutOrStdout()).run(ctx, abs, debounce)
}
