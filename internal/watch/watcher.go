// Package watch raises early warnings for staged patches whose target file
// changes on disk before the patch is reviewed. It never blocks or alters an
// apply; the staging layer re-checks at commit time regardless.
package watch

import (
	"context"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/avi3tal/agentcore/internal/staging"
)

// Layer is the part of the staging layer the watcher reads
type Layer interface {
	ActiveSessions(ctx context.Context) []staging.PatchView
	Verify(ctx context.Context, id string) (staging.VerifyResult, error)
}

// Alert reports a pending session whose target no longer matches
type Alert struct {
	SessionID string
	FilePath  string
	Reason    string
	Time      time.Time
}

// AlertHandler receives alerts from the watcher goroutine
type AlertHandler func(Alert)

// Watcher watches the directories of every pending patch target.
// Directories rather than files are watched so atomic replacements by
// editors are still seen.
type Watcher struct {
	layer    Layer
	handler  AlertHandler
	logger   *slog.Logger
	debounce time.Duration
	refresh  time.Duration

	fs *fsnotify.Watcher

	mu       sync.Mutex
	targets  map[string][]string // path -> pending session ids
	dirs     map[string]int
	reported map[string]bool
}

type Option func(*Watcher)

// WithDebounce sets how long events are collected before verifying.
// Default: 100ms
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithRefreshInterval sets how often new sessions are picked up.
// Default: 2s
func WithRefreshInterval(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.refresh = d
		}
	}
}

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func New(layer Layer, handler AlertHandler, opts ...Option) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create file watcher")
	}
	w := &Watcher{
		layer:    layer,
		handler:  handler,
		logger:   slog.Default(),
		debounce: 100 * time.Millisecond,
		refresh:  2 * time.Second,
		fs:       fw,
		targets:  make(map[string][]string),
		dirs:     make(map[string]int),
		reported: make(map[string]bool),
	}
	for _, o := range opts {
		o(w)
	}
	return w, nil
}

// Targets returns the number of files currently watched
func (w *Watcher) Targets() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.targets)
}

// Refresh syncs the watched set with the layer's pending sessions
func (w *Watcher) Refresh(ctx context.Context) error {
	active := w.layer.ActiveSessions(ctx)

	w.mu.Lock()
	defer w.mu.Unlock()

	next := make(map[string][]string, len(active))
	live := make(map[string]bool, len(active))
	for _, v := range active {
		next[v.FilePath] = append(next[v.FilePath], v.SessionID)
		live[v.SessionID] = true
	}
	for id := range w.reported {
		if !live[id] {
			delete(w.reported, id)
		}
	}

	for path := range w.targets {
		if _, ok := next[path]; ok {
			continue
		}
		delete(w.targets, path)
		dir := filepath.Dir(path)
		if w.dirs[dir]--; w.dirs[dir] <= 0 {
			delete(w.dirs, dir)
			_ = w.fs.Remove(dir)
		}
	}

	for path, ids := range next {
		if _, ok := w.targets[path]; ok {
			w.targets[path] = ids
			continue
		}
		dir := filepath.Dir(path)
		if w.dirs[dir] == 0 {
			if err := w.fs.Add(dir); err != nil {
				return errors.Wrapf(err, "failed to watch %s", dir)
			}
		}
		w.dirs[dir]++
		w.targets[path] = ids
	}
	return nil
}

// Run watches until ctx is cancelled. It verifies every session once at
// start so targets that changed while nobody was watching are reported.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fs.Close()

	if err := w.Refresh(ctx); err != nil {
		return err
	}
	w.verify(ctx, w.snapshotIDs())

	ticker := time.NewTicker(w.refresh)
	defer ticker.Stop()

	pending := make(map[string]bool)
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			w.mu.Lock()
			ids, tracked := w.targets[filepath.Clean(event.Name)]
			w.mu.Unlock()
			if !tracked {
				continue
			}
			for _, id := range ids {
				pending[id] = true
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case <-timerC:
			ids := make([]string, 0, len(pending))
			for id := range pending {
				ids = append(ids, id)
			}
			clear(pending)
			timer, timerC = nil, nil
			w.verify(ctx, ids)

		case <-ticker.C:
			if err := w.Refresh(ctx); err != nil {
				w.logger.Warn("failed to refresh watched patches", slog.String("error", err.Error()))
			}

		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) snapshotIDs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var all []string
	for _, ids := range w.targets {
		all = append(all, ids...)
	}
	return all
}

func (w *Watcher) verify(ctx context.Context, ids []string) {
	for _, id := range ids {
		res, err := w.layer.Verify(ctx, id)
		if err != nil {
			if !errors.Is(err, staging.ErrSessionNotFound) {
				w.logger.Warn("failed to verify patch", slog.String("session_id", id), slog.String("error", err.Error()))
			}
			continue
		}

		w.mu.Lock()
		already := w.reported[id]
		if res.Conflict {
			w.reported[id] = true
		} else {
			delete(w.reported, id)
		}
		path := ""
		for p, sids := range w.targets {
			if slices.Contains(sids, id) {
				path = p
				break
			}
		}
		w.mu.Unlock()

		if !res.Conflict || already {
			continue
		}
		w.logger.Warn("staged patch target changed", slog.String("session_id", id), slog.String("path", path), slog.String("reason", res.Reason))
		if w.handler != nil {
			w.handler(Alert{SessionID: id, FilePath: path, Reason: res.Reason, Time: time.Now()})
		}
	}
}
