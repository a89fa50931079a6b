// Package assets announces static asset deploys to connected browsers.
package assets

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/lorrc/service-desk-realtime/internal/core/domain"
	"github.com/lorrc/service-desk-realtime/pkg/debounce"
	"github.com/lorrc/service-desk-realtime/pkg/eventstream"
)

// Publisher fans an event out to a room in every namespace.
type Publisher interface {
	PublishAll(room domain.RoomID, eventType domain.EventType, payload any)
}

// Config controls what is watched and how changes are batched.
type Config struct {
	Dir         string
	URLPrefix   string
	BatchWindow time.Duration
}

// Watcher publishes static_update to the all room when files under Dir
// change. A deploy touching many files produces one event per batch window.
type Watcher struct {
	cfg       Config
	publisher Publisher
	fsw       *fsnotify.Watcher
	debouncer *debounce.Debouncer
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]struct{}
}

// NewWatcher watches cfg.Dir and every directory below it.
func NewWatcher(cfg Config, publisher Publisher, logger *slog.Logger) (*Watcher, error) {
	w := &Watcher{
		cfg:       cfg,
		publisher: publisher,
		logger:    logger.With("component", "asset_watcher"),
		pending:   make(map[string]struct{}),
	}

	d, err := debounce.New(cfg.BatchWindow, w.flush)
	if err != nil {
		return nil, fmt.Errorf("asset batch window: %w", err)
	}
	if !d.InRecommendedRange() {
		w.logger.Warn("asset batch window outside recommended range",
			"window", cfg.BatchWindow,
			"min", debounce.MinRecommendedWindow,
			"max", debounce.MaxRecommendedWindow,
		)
	}
	w.debouncer = d

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	w.fsw = fsw

	if err := w.addTree(cfg.Dir); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// Run processes file events until ctx is done or the watcher is closed.
// Changes still waiting for their batch are discarded on exit.
func (w *Watcher) Run(ctx context.Context) {
	defer w.debouncer.Stop()

	w.logger.Info("watching static assets", "dir", w.cfg.Dir, "window", w.cfg.BatchWindow)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("asset watcher error", "error", err)
		}
	}
}

// Close stops the file watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
		return
	}
	if ignored(event.Name) {
		return
	}

	// New directories are watched so later writes inside them are seen.
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				w.logger.Warn("failed to watch new directory", "dir", event.Name, "error", err)
			}
			return
		}
	}

	asset, ok := w.assetPath(event.Name)
	if !ok {
		return
	}

	w.mu.Lock()
	w.pending[asset] = struct{}{}
	w.mu.Unlock()
	w.debouncer.Trigger()
}

func (w *Watcher) flush() {
	w.mu.Lock()
	assets := make([]string, 0, len(w.pending))
	for a := range w.pending {
		assets = append(assets, a)
	}
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	if len(assets) == 0 {
		return
	}
	slices.Sort(assets)

	w.logger.Info("static assets changed", "count", len(assets))
	w.publisher.PublishAll(domain.RoomAll, domain.EventStaticUpdate, eventstream.StaticUpdate{Assets: assets})
}

// assetPath maps a file under Dir to the URL it is served at.
func (w *Watcher) assetPath(name string) (string, bool) {
	rel, err := filepath.Rel(w.cfg.Dir, name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return path.Join("/", w.cfg.URLPrefix, filepath.ToSlash(rel)), true
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && ignored(p) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(p); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
		return nil
	})
}

// ignored skips editor swap files and dot files.
func ignored(name string) bool {
	base := filepath.Base(name)
	return strings.HasPrefix(base, ".") ||
		strings.HasSuffix(base, "~") ||
		strings.HasSuffix(base, ".swp") ||
		strings.HasSuffix(base, ".tmp")
}
