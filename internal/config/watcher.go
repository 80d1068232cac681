package config

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent signals that the watched route table file changed on disk.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher watches the route table JSON file for changes so the gateway can
// reload routing overrides without a restart.
type Watcher struct {
	routesPath string
	logger     *slog.Logger
	events     chan ReloadEvent
}

// NewWatcher creates a Watcher for the given route table path. An empty
// routesPath makes Start a no-op (no file to watch).
func NewWatcher(routesPath string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		routesPath: routesPath,
		logger:     logger,
		events:     make(chan ReloadEvent, 16),
	}
}

// Events returns the channel reload notifications are delivered on.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start begins watching in a background goroutine until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	if w.routesPath == "" {
		close(w.events)
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.routesPath); err != nil {
		w.logger.Warn("route table watch target missing, reload disabled", "path", w.routesPath, "error", err)
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
				default:
				}
				w.logger.Info("route table changed", "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("route table watcher error", "error", err)
			}
		}
	}()
	return nil
}
