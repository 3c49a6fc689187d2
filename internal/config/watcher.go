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

// Watcher keeps the latest valid configuration of a file. It polls the file
// and can be asked to [Watcher.Reload] explicitly (the relay does so on
// SIGHUP). Edits that fail to parse or validate are logged and ignored; the
// previous configuration stays current.
//
// Only settings read at the point of use take effect: the client reads
// [Watcher.Current] when a session starts, so session and turn-detection
// edits apply to the next session.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	// reloadMu serialises reloads so onChange calls never overlap.
	reloadMu sync.Mutex

	mu      sync.RWMutex
	current *Config
	stamp   fileStamp
	sum     [sha256.Size]byte

	done     chan struct{}
	stopOnce sync.Once
}

// fileStamp is the cheap pre-check before a file is read and hashed.
type fileStamp struct {
	mtime time.Time
	size  int64
}

func stampOf(fi os.FileInfo) fileStamp {
	return fileStamp{mtime: fi.ModTime(), size: fi.Size()}
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default 2s; zero or negative
// disables polling, leaving only [Watcher.Reload].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.interval = d }
}

// NewWatcher loads path and starts watching it. onChange runs after every
// accepted edit with the previous and the new configuration; it may be nil.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 2 * time.Second,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, stamp, sum, err := w.load()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.stamp, w.sum = cfg, stamp, sum

	if w.interval > 0 {
		go w.poll()
	}
	return w, nil
}

// Current returns the latest valid configuration. The returned value is
// shared and must not be modified.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Reload re-reads the file now. It returns the parse or validation error of
// a rejected edit; an unchanged file is not an error.
func (w *Watcher) Reload() error {
	return w.reload(true)
}

// Stop ends polling. Reload keeps working. Safe to call more than once.
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
			if err := w.reload(false); err != nil {
				slog.Warn("config: ignoring invalid edit", "path", w.path, "err", err)
			}
		}
	}
}

// reload applies the file if its content changed. Unless forced, a file
// whose stamp matches the last load is not even read.
func (w *Watcher) reload(force bool) error {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	if !force {
		fi, err := os.Stat(w.path)
		if err != nil {
			return err
		}
		w.mu.RLock()
		same := stampOf(fi) == w.stamp
		w.mu.RUnlock()
		if same {
			return nil
		}
	}

	cfg, stamp, sum, err := w.load()
	if err != nil {
		// Remember the stamp so a broken file is reported once, not on
		// every tick.
		if fi, serr := os.Stat(w.path); serr == nil {
			w.mu.Lock()
			w.stamp = stampOf(fi)
			w.mu.Unlock()
		}
		return err
	}

	w.mu.Lock()
	w.stamp = stamp
	if sum == w.sum {
		w.mu.Unlock()
		return nil
	}
	old := w.current
	w.current, w.sum = cfg, sum
	w.mu.Unlock()

	slog.Info("config: reloaded", "path", w.path, "changed", Diff(old, cfg).Sections())
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return nil
}

func (w *Watcher) load() (*Config, fileStamp, [sha256.Size]byte, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return nil, fileStamp{}, [sha256.Size]byte{}, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, fileStamp{}, [sha256.Size]byte{}, err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return nil, fileStamp{}, [sha256.Size]byte{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, fileStamp{}, [sha256.Size]byte{}, err
	}
	return cfg, stampOf(fi), sha256.Sum256(buf.Bytes()), nil
}
