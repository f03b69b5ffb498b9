package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ReloadFunc receives the previous and the newly loaded config together with
// their [Diff]. It runs on the goroutine that noticed the change.
type ReloadFunc func(old, new *Config, d ConfigDiff)

// Watcher keeps a config in step with its file. The file is polled for mtime
// changes, and [Watcher.Reload] forces a re-read (cmd/ellie wires it to
// SIGHUP). Content that fails to parse or validate is logged and the
// previous config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onReload ReloadFunc
	log      *slog.Logger

	// reloadMu serialises re-reads so callbacks observe changes in order.
	reloadMu sync.Mutex

	mu      sync.Mutex
	current *Config
	mtime   time.Time
	sum     [sha256.Size]byte

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds. A
// negative interval disables polling; only [Watcher.Reload] re-reads.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d != 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger used for reload messages.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads path and, unless polling is disabled, starts polling it.
// Call [Watcher.Stop] when done.
func NewWatcher(path string, onReload ReloadFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onReload: onReload,
		log:      slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	snap, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.sum, w.mtime = snap.cfg, snap.sum, snap.mtime

	if w.interval > 0 {
		go w.poll()
	}
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload re-reads the file now, whatever its mtime says. It reports whether
// the content changed; the reload callback runs before Reload returns. An
// invalid file leaves the current config in place and is returned as error.
func (w *Watcher) Reload() (bool, error) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	snap, err := w.read()
	if err != nil {
		return false, fmt.Errorf("config: reload %s: %w", w.path, err)
	}
	return w.apply(snap), nil
}

// Stop ends polling. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.pollOnce()
		}
	}
}

// pollOnce re-reads the file when its mtime moved.
func (w *Watcher) pollOnce() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("config: cannot stat watched file", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	seen := info.ModTime().Equal(w.mtime)
	w.mu.Unlock()
	if seen {
		return
	}

	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()
	snap, err := w.read()
	if err != nil {
		// Remember the mtime so a broken file is reported once per edit.
		w.mu.Lock()
		w.mtime = info.ModTime()
		w.mu.Unlock()
		w.log.Warn("config: ignoring invalid edit, keeping previous config", "path", w.path, "err", err)
		return
	}
	w.apply(snap)
}

// apply installs snap if its content differs from the current config and
// fires the callback. Callers hold reloadMu.
func (w *Watcher) apply(snap snapshot) bool {
	w.mu.Lock()
	w.mtime = snap.mtime
	if snap.sum == w.sum {
		w.mu.Unlock()
		return false
	}
	old := w.current
	w.current, w.sum = snap.cfg, snap.sum
	w.mu.Unlock()

	d := Diff(old, snap.cfg)
	w.log.Info("config: reloaded",
		"path", w.path,
		"hot_reloadable", d.Changed(),
		"restart_required", d.RestartRequired,
	)
	if w.onReload != nil {
		w.onReload(old, snap.cfg, d)
	}
	return true
}

type snapshot struct {
	cfg   *Config
	sum   [sha256.Size]byte
	mtime time.Time
}

func (w *Watcher) read() (snapshot, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return snapshot{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return snapshot{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{cfg: cfg, sum: sha256.Sum256(data), mtime: info.ModTime()}, nil
}
