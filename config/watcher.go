package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	mgerrors "github.com/c360/mediagraph/errors"
)

// DefaultDebounce is how long file events must settle before a reload.
const DefaultDebounce = 250 * time.Millisecond

// Watcher reloads the layers of a Loader when one of their files changes and
// publishes valid results into a SafeConfig. Invalid reloads are logged and
// leave the current configuration in place.
type Watcher struct {
	loader   *Loader
	target   *SafeConfig
	onChange func(*Config)
	debounce time.Duration
	logger   *slog.Logger
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

func WithWatchLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = logger }
}

// WithOnChange is called with every configuration that replaced the
// current one.
func WithOnChange(fn func(*Config)) WatcherOption {
	return func(w *Watcher) { w.onChange = fn }
}

func NewWatcher(loader *Loader, target *SafeConfig, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		loader:   loader,
		target:   target,
		debounce: DefaultDebounce,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "config-watcher")
	return w
}

// Run watches until ctx ends. The directories holding the layers are
// watched so that editors replacing a file by rename are noticed.
func (w *Watcher) Run(ctx context.Context) error {
	if len(w.loader.layers) == 0 {
		<-ctx.Done()
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return mgerrors.WrapFatal(err, "Watcher", "Run", "create file watcher")
	}
	defer fw.Close()

	files := make(map[string]bool, len(w.loader.layers))
	dirs := make(map[string]bool)
	for _, layer := range w.loader.layers {
		abs, err := filepath.Abs(layer)
		if err != nil {
			return mgerrors.WrapInvalid(err, "Watcher", "Run", "resolve "+layer)
		}
		files[abs] = true
		dir := filepath.Dir(abs)
		if dirs[dir] {
			continue
		}
		if err := fw.Add(dir); err != nil {
			return mgerrors.WrapInvalid(err, "Watcher", "Run", "watch "+dir)
		}
		dirs[dir] = true
	}

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if abs, _ := filepath.Abs(ev.Name); !files[abs] {
				continue
			}
			w.logger.Debug("config file changed", "file", ev.Name, "op", ev.Op.String())

			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				if ctx.Err() == nil {
					w.reload()
				}
			})
			mu.Unlock()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load()
	if err == nil {
		err = w.target.Update(cfg)
	}
	if err != nil {
		w.logger.Warn("config reload rejected", "error", err)
		return
	}
	w.logger.Info("config reloaded", "layers", w.loader.layers)
	if w.onChange != nil {
		w.onChange(w.target.Get())
	}
}
