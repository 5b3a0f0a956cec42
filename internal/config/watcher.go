package config

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 100 * time.Millisecond

// ReloadEvent carries the re-read configuration after config.yaml changed.
// Err is set when the new file does not load; Config is then unusable.
type ReloadEvent struct {
	Path   string
	Op     fsnotify.Op
	Config Config
	Err    error
}

// Watcher reloads config.yaml when it changes so a running daemon can apply
// the new settings. Bursts of writes within the debounce window produce a
// single event.
type Watcher struct {
	homeDir  string
	logger   *slog.Logger
	debounce time.Duration
	events   chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir:  homeDir,
		logger:   logger,
		debounce: defaultDebounce,
		events:   make(chan ReloadEvent, 4),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start watches the home directory (editors replace files by rename, which
// drops a watch placed on the file itself) and filters for config.yaml.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	go w.loop(ctx, fsw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()
	defer close(w.events)

	target := ConfigPath(w.homeDir)
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	var pending fsnotify.Op
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Name != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending == 0 {
				timer.Reset(w.debounce)
			}
			pending |= ev.Op
		case <-timer.C:
			cfg, err := LoadFrom(w.homeDir)
			w.logger.Info("config file changed", "path", target, "op", pending.String(), "valid", err == nil)
			select {
			case w.events <- ReloadEvent{Path: target, Op: pending, Config: cfg, Err: err}:
			default:
				w.logger.Warn("config reload dropped; consumer is behind", "path", target)
			}
			pending = 0
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}
