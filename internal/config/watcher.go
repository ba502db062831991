package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultPollInterval is how often a [Watcher] stats the file.
const DefaultPollInterval = 5 * time.Second

// snapshot is one validated version of the file.
type snapshot struct {
	cfg   *Config
	sum   [sha256.Size]byte
	mtime time.Time
}

// Watcher keeps the current config of a file and hands validated edits to a
// callback. A file is reread when its mtime moves or on [Watcher.Reload]; an
// edit is applied only when the content changed and still validates.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	kick     chan struct{}

	mu  sync.Mutex
	cur snapshot
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads and validates path. onChange may be nil. Nothing is
// watched until [Watcher.Run].
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultPollInterval,
		onChange: onChange,
		kick:     make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(w)
	}
	snap, err := read(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	w.cur = snap
	return w, nil
}

// Current returns the last valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cur.cfg
}

// Reload asks Run to reread the file now, ignoring its mtime. Main wires it
// to SIGHUP.
func (w *Watcher) Reload() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Run watches the file until ctx ends. It returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			w.poll(false)
		case <-w.kick:
			w.poll(true)
		}
	}
}

func (w *Watcher) poll(force bool) {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config: cannot stat file", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	prev := w.cur
	w.mu.Unlock()
	if !force && info.ModTime().Equal(prev.mtime) {
		return
	}

	next, err := read(w.path)
	if err != nil {
		slog.Warn("config: edit rejected, keeping the running config", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	w.cur.mtime = next.mtime
	same := next.sum == w.cur.sum
	if !same {
		w.cur = next
	}
	w.mu.Unlock()
	if same {
		return
	}

	slog.Info("config: file changed", "path", w.path)
	if w.onChange != nil {
		w.onChange(prev.cfg, next.cfg)
	}
}

// read loads, validates and fingerprints the file at path.
func read(path string) (snapshot, error) {
	info, err := os.Stat(path)
	if err != nil {
		return snapshot{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return snapshot{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return snapshot{}, fmt.Errorf("%s: %w", path, err)
	}
	return snapshot{cfg: cfg, sum: sha256.Sum256(data), mtime: info.ModTime()}, nil
}
