package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"tierline/internal/config"
)

// Watcher republishes the store whenever the config file on disk changes.
// Edits that fail validation are logged and the previous snapshot stays live.
// With an apply hook set, the hook persists and publishes instead.
type Watcher struct {
	mu       sync.Mutex
	path     string
	store    *Store
	log      *zap.Logger
	fw       *fsnotify.Watcher
	debounce time.Duration
	apply    func(*config.Config) error
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
}

func NewWatcher(path string, store *Store, log *zap.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{
		path:     abs,
		store:    store,
		log:      log,
		fw:       fw,
		debounce: 200 * time.Millisecond,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// SetDebounce changes how long the watcher waits for writes to settle.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	w.debounce = d
	w.mu.Unlock()
}

// OnReload hands each valid config to fn instead of publishing it directly.
// fn owns persisting and publishing; when it fails the live snapshot is kept.
func (w *Watcher) OnReload(fn func(*config.Config) error) {
	w.mu.Lock()
	w.apply = fn
	w.mu.Unlock()
}

// Start watches the file's directory, since editors often replace files by rename.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", w.path, err)
	}
	w.log.Info("watching config", zap.String("path", w.path))
	go w.run(ctx)
	return nil
}

// Stop ends the watch loop and releases the fsnotify handle.
func (w *Watcher) Stop() {
	w.mu.Lock()
	running := w.running
	w.running = false
	w.mu.Unlock()
	if running {
		close(w.stopCh)
		<-w.doneCh
	}
	if err := w.fw.Close(); err != nil {
		w.log.Error("close config watcher", zap.Error(err))
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	var pending bool
	var last time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.log.Debug("config event", zap.String("op", ev.Op.String()))
			pending = true
			last = time.Now()
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.log.Error("config watcher", zap.Error(err))
		case <-ticker.C:
			w.mu.Lock()
			debounce := w.debounce
			w.mu.Unlock()
			if pending && time.Since(last) >= debounce {
				pending = false
				if err := w.Reload(); err != nil {
					w.log.Warn("config reload rejected", zap.String("path", w.path), zap.Error(err))
				}
			}
		}
	}
}

// Reload reads the file now and applies it when valid.
func (w *Watcher) Reload() error {
	cfg, err := config.FromFile(w.path)
	if err != nil {
		return err
	}
	c, err := FromConfig(cfg)
	if err != nil {
		return err
	}
	w.mu.Lock()
	fn := w.apply
	w.mu.Unlock()
	if fn != nil {
		if err := fn(cfg); err != nil {
			return fmt.Errorf("apply %s: %w", w.path, err)
		}
	} else {
		w.store.Publish(c)
	}
	w.log.Info("config reloaded", zap.String("path", w.path), zap.String("org", cfg.Organization.ID))
	return nil
}
