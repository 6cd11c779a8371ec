package config

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"os"
	"time"
)

// Watcher polls a config file and hands every changed, valid revision to
// onChange. Invalid revisions are logged and skipped.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(Config)
	log      *slog.Logger

	lastMtime time.Time
	lastHash  [sha256.Size]byte
}

func NewWatcher(path string, interval time.Duration, onChange func(Config), log *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	w := &Watcher{
		path:     path,
		interval: interval,
		onChange: onChange,
		log:      log.With(slog.String("component", "config-watcher")),
	}
	if info, err := os.Stat(path); err == nil {
		w.lastMtime = info.ModTime()
	}
	if data, err := os.ReadFile(path); err == nil {
		w.lastHash = sha256.Sum256(data)
	}
	return w
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		return
	}
	if info.ModTime().Equal(w.lastMtime) {
		return
	}
	w.lastMtime = info.ModTime()

	data, err := os.ReadFile(w.path)
	if err != nil {
		w.log.Warn("failed to read config", slog.String("path", w.path), slog.String("error", err.Error()))
		return
	}
	hash := sha256.Sum256(data)
	if hash == w.lastHash {
		return
	}

	cfg := Default()
	if err := Parse(data, &cfg); err != nil {
		w.log.Warn("ignoring config change", slog.String("path", w.path), slog.String("error", err.Error()))
		return
	}
	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		w.log.Warn("ignoring invalid config change", slog.String("path", w.path), slog.String("error", err.Error()))
		return
	}
	w.lastHash = hash
	w.log.Info("configuration reloaded", slog.String("path", w.path))
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
