package config

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent signals that the watched config file changed.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher watches the agent-model config file and emits ReloadEvent on
// writes, so a running process can pick up routing changes without a
// restart.
type Watcher struct {
	path   string
	logger *slog.Logger
	events chan ReloadEvent
}

// NewWatcher creates a Watcher for path. path may be empty, in which
// case Start is a no-op (no file to watch).
func NewWatcher(path string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{path: path, logger: logger, events: make(chan ReloadEvent, 8)}
}

// Events returns the channel of reload signals.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start begins watching in a background goroutine until ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	if w.path == "" {
		close(w.events)
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.path); err != nil {
		fsw.Close()
		return err
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
				w.logger.Info("agent model config changed", slog.String("path", ev.Name), slog.String("op", ev.Op.String()))
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", slog.Any("error", err))
			}
		}
	}()
	return nil
}
