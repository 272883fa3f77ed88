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

// Watcher polls the config file, and the policy file it names, and calls
// onChange with the previous and the new config when either changes. Invalid
// edits are logged and the last good config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	mu       sync.Mutex
	current  *Config
	done     chan struct{}
	stopOnce sync.Once

	lastStamp string
	lastHash  [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default 5s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and starts polling it in the background.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, hash, err := w.load()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.lastHash = hash
	w.lastStamp = w.stamp(cfg)

	go w.poll()
	return w, nil
}

// Current returns the last valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
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
			w.check()
		}
	}
}

func (w *Watcher) check() {
	w.mu.Lock()
	current, lastStamp := w.current, w.lastStamp
	w.mu.Unlock()

	// Cheap mtime comparison first; only hash when something was touched.
	if w.stamp(current) == lastStamp {
		return
	}

	cfg, hash, err := w.load()
	if err != nil {
		slog.Warn("config watcher: failed to load config", "path", w.path, "err", err)
		return
	}
	stamp := w.stamp(cfg)

	w.mu.Lock()
	if hash == w.lastHash {
		w.lastStamp = stamp
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current = cfg
	w.lastHash = hash
	w.lastStamp = stamp
	w.mu.Unlock()

	slog.Info("config watcher: configuration reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// stamp summarises the modification times of the watched files.
func (w *Watcher) stamp(cfg *Config) string {
	s := modTime(w.path)
	if cfg != nil && cfg.Policy.File != "" {
		s += "|" + modTime(cfg.Policy.File)
	}
	return s
}

func modTime(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return "missing"
	}
	return info.ModTime().Format(time.RFC3339Nano)
}

// load parses the config file and hashes it together with its policy file.
func (w *Watcher) load() (*Config, [sha256.Size]byte, error) {
	var zero [sha256.Size]byte

	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, zero, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, zero, err
	}

	h := sha256.New()
	h.Write(data)
	if cfg.Policy.File != "" {
		policy, err := os.ReadFile(cfg.Policy.File)
		if err != nil {
			return nil, zero, fmt.Errorf("read policy: %w", err)
		}
		h.Write([]byte{0})
		h.Write(policy)
	}

	var sum [sha256.Size]byte
	copy(sum[:], h.Sum(nil))
	return cfg, sum, nil
}
