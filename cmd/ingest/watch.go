package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dvloznov/finance-ingest/internal/jobs"
	"github.com/dvloznov/finance-ingest/internal/jobs/inmemory"
	"github.com/dvloznov/finance-ingest/internal/logger"
	"github.com/fsnotify/fsnotify"
)

const (
	// Editors and uploaders often write a file in several steps.
	debounceDelay   = 200 * time.Millisecond
	shutdownTimeout = 30 * time.Second
)

type WatchCmd struct {
	StoreFlags `embed:""`

	Dir      string `arg:"" type:"existingdir" help:"Directory to watch for statements."`
	Existing bool   `help:"Also ingest statements already in the directory."`
}

func (c *WatchCmd) Run(a *app) error {
	ing, closeAll, err := a.ingester(&c.StoreFlags, nil)
	if err != nil {
		return err
	}
	defer closeAll()

	store := inmemory.NewStore()
	queue := inmemory.NewQueue(a.cfg.QueueBuffer, store, inmemory.WithWorkers(a.cfg.Workers))
	if err := queue.Start(a.ctx, ing.JobHandler()); err != nil {
		return err
	}

	publish := func(ctx context.Context, path string) error {
		return queue.PublishIngestDocument(ctx, &jobs.IngestDocumentJob{
			Location:   path,
			MaxRetries: a.cfg.MaxRetries,
		})
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: creating watcher: %w", err)
	}
	if err := fw.Add(c.Dir); err != nil {
		fw.Close()
		return fmt.Errorf("watch: %s: %w", c.Dir, err)
	}

	if c.Existing {
		if err := publishExisting(a.ctx, c.Dir, publish); err != nil {
			fw.Close()
			return err
		}
	}

	a.log.Info().Str("dir", c.Dir).Int("workers", a.cfg.Workers).Msg("Watching for statements")
	w := newDropWatcher(debounceDelay, publish)
	w.run(a.ctx, fw)

	a.log.Info().Msg("Shutting down, waiting for in-flight jobs")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := queue.Stop(shutdownCtx); err != nil {
		a.log.Error().Err(err).Msg("Error during graceful shutdown")
	}
	if err := queue.Close(); err != nil {
		a.log.Error().Err(err).Msg("Failed to close job queue")
	}

	summary, err := store.ListJobs(shutdownCtx, jobs.JobFilter{})
	if err != nil {
		return err
	}
	return a.printJSON(summary)
}

// isStatement reports whether name looks like a statement document.
// Hidden and temporary files are ignored.
func isStatement(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
		return false
	}
	return strings.EqualFold(filepath.Ext(base), ".json")
}

func publishExisting(ctx context.Context, dir string, publish func(context.Context, string) error) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("publishExisting: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !isStatement(e.Name()) {
			continue
		}
		if err := publish(ctx, filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("publishExisting: %w", err)
		}
	}
	return nil
}

// dropWatcher turns file system events into one publish call per file,
// after writes to that file have settled.
type dropWatcher struct {
	delay   time.Duration
	publish func(ctx context.Context, path string) error

	mu      sync.Mutex
	pending map[string]*time.Timer
}

func newDropWatcher(delay time.Duration, publish func(context.Context, string) error) *dropWatcher {
	return &dropWatcher{
		delay:   delay,
		publish: publish,
		pending: make(map[string]*time.Timer),
	}
}

// run consumes events until ctx is done or the watcher closes. It closes fw.
func (w *dropWatcher) run(ctx context.Context, fw *fsnotify.Watcher) {
	log := logger.FromContext(ctx)
	defer func() {
		w.mu.Lock()
		for _, t := range w.pending {
			t.Stop()
		}
		w.mu.Unlock()
		_ = fw.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 || !isStatement(event.Name) {
				continue
			}
			w.schedule(ctx, event.Name)

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("File watcher error")
		}
	}
}

func (w *dropWatcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(w.delay, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		if err := w.publish(ctx, path); err != nil {
			log := logger.FromContext(ctx)
			log.Error().Err(err).Str("document", path).Msg("Failed to enqueue statement")
		}
	})
}
