package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DecodeFunc turns raw file content into a validated [Config].
type DecodeFunc func(data []byte) (*Config, error)

// ChangeFunc receives the difference to the previous config and the new one.
type ChangeFunc func(d ConfigDiff, cfg *Config)

// ErrUnchanged is returned by [Watcher.Reload] when the file content matches
// the current config.
var ErrUnchanged = errors.New("config: unchanged")

// Watcher reloads a config file when its content changes, either on a poll
// tick or on an explicit [Watcher.Reload]. Invalid edits leave the previous
// config current.
type Watcher struct {
	path     string
	interval time.Duration
	decode   DecodeFunc
	onChange ChangeFunc

	mu      sync.Mutex
	current *Config
	mtime   time.Time
	sum     [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithDecoder replaces the YAML decoder, e.g. with [JSONSettingsDecoder].
func WithDecoder(fn DecodeFunc) WatcherOption {
	return func(w *Watcher) { w.decode = fn }
}

// YAMLDecoder decodes the YAML layout read by [Load].
func YAMLDecoder(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}

// JSONSettingsDecoder decodes the flat config.json layout read by
// [LoadJSONSettings].
func JSONSettingsDecoder(audioPath string) DecodeFunc {
	return func(data []byte) (*Config, error) {
		return decodeJSONSettings(data, audioPath)
	}
}

// NewWatcher loads the file at path. Polling starts with [Watcher.Run].
// onChange may be nil.
func NewWatcher(path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		decode:   YAMLDecoder,
		onChange: onChange,
	}
	for _, opt := range opts {
		opt(w)
	}
	if _, err := w.reload(false); err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls the file until ctx is done. It always returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !w.modified() {
				continue
			}
			if _, err := w.reload(true); err != nil && !errors.Is(err, ErrUnchanged) {
				slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
			}
		}
	}
}

// Reload reads the file now, regardless of its modification time. It returns
// the new config, [ErrUnchanged] when the content is the same, or the read
// or validation error.
func (w *Watcher) Reload() (*Config, error) {
	return w.reload(true)
}

func (w *Watcher) modified() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return !info.ModTime().Equal(w.mtime)
}

func (w *Watcher) reload(notify bool) (*Config, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)

	w.mu.Lock()
	if w.current != nil && sum == w.sum {
		// Touched, not edited.
		w.mtime = info.ModTime()
		w.mu.Unlock()
		return nil, ErrUnchanged
	}
	w.mu.Unlock()

	cfg, err := w.decode(data)
	if err != nil {
		// Warn once per edit, not on every tick.
		w.mu.Lock()
		w.mtime = info.ModTime()
		w.mu.Unlock()
		return nil, err
	}

	w.mu.Lock()
	old := w.current
	w.current, w.sum, w.mtime = cfg, sum, info.ModTime()
	w.mu.Unlock()

	if notify {
		slog.Info("config watcher: configuration reloaded", "path", w.path)
		if w.onChange != nil {
			w.onChange(Diff(old, cfg), cfg)
		}
	}
	return cfg, nil
}
