package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounce = 100 * time.Millisecond

// Watcher reloads a config file when it changes on disk.
type Watcher struct {
	path     string
	fs       *fsnotify.Watcher
	onChange func(*Config)
	logger   *slog.Logger
}

// NewWatcher starts watching path. The parent directory is watched so that
// editors that replace the file by rename are still noticed.
func NewWatcher(path string, logger *slog.Logger, onChange func(*Config)) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{path: abs, fs: fw, onChange: onChange, logger: logger}, nil
}

// Run delivers reloaded configs until ctx is canceled. A file that fails to
// parse is logged and the previous config stays in effect.
func (w *Watcher) Run(ctx context.Context) {
	defer func() { _ = w.fs.Close() }()

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			timer.Reset(debounce)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", slog.Any("err", err))
		case <-timer.C:
			cfg, err := Load(w.path)
			if err != nil {
				w.logger.Error("config reload rejected", slog.String("path", w.path), slog.Any("err", err))
				continue
			}
			w.logger.Info("config reloaded", slog.String("path", w.path))
			w.onChange(cfg)
		}
	}
}
