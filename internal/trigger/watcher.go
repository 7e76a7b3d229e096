package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher feeds trigger files from a folder into a Processor.
//
// # Behavior
//
// Files present when Run starts are processed once (startup sweep). After
// that, Create and Write events for *.json files in the folder start a
// handler goroutine; the processor's in-flight set drops duplicate events
// for a file that is already being handled. The processed/ subdirectory is
// not watched.
//
// # Thread Safety
//
// Run must be called once.
type Watcher struct {
	processor *Processor
	watcher   *fsnotify.Watcher

	wg sync.WaitGroup
}

// NewWatcher creates a watcher over the processor's folder.
func NewWatcher(p *Processor) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := fw.Add(p.Folder()); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching %s: %w", p.Folder(), err)
	}
	return &Watcher{processor: p, watcher: fw}, nil
}

// Run watches until ctx is cancelled, then waits for every started handler
// to return.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	slog.Info("trigger watcher started", "folder", w.processor.Folder())

	if err := w.sweep(ctx); err != nil {
		slog.Error("startup sweep failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			slog.Info("trigger watcher stopped")
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				w.wg.Wait()
				return errors.New("file watcher closed unexpectedly")
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isTriggerFile(event.Name) {
				continue
			}
			w.handle(ctx, event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				continue
			}
			slog.Warn("file watcher error", "error", err)
		}
	}
}

// sweep processes trigger files that arrived while the service was down.
func (w *Watcher) sweep(ctx context.Context) error {
	entries, err := os.ReadDir(w.processor.Folder())
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(w.processor.Folder(), e.Name())
		if isTriggerFile(path) {
			w.handle(ctx, path)
		}
	}
	return nil
}

func (w *Watcher) handle(ctx context.Context, path string) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		_, err := w.processor.Process(ctx, path)
		switch {
		case err == nil:
		case errors.Is(err, ErrAlreadyProcessing), errors.Is(err, os.ErrNotExist):
			slog.Debug("ignoring trigger event", "path", path, "reason", err)
		case errors.Is(err, context.Canceled):
			slog.Info("trigger file left for next start", "path", path)
		default:
			slog.Warn("trigger file processed with error", "path", path, "error", err)
		}
	}()
}

func isTriggerFile(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}
