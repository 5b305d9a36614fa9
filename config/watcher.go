package config

import (
	"context"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher reloads a config file on every write and hands the result to
// onChange, grounded in the donor's fsnotify-driven directory watch in
// cmd/dtn-tool/exchange.go.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func(*Config, error)
	logger   *logrus.Logger
}

// NewWatcher starts watching path's containing directory (editors
// commonly replace a file rather than write in place, which only
// fsnotify's directory-level events reliably catch) and calls onChange
// once immediately with the initial load.
func NewWatcher(path string, onChange func(*Config, error), logger *logrus.Logger) (*Watcher, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, err
	}

	cw := &Watcher{path: path, watcher: w, onChange: onChange, logger: logger}
	cfg, loadErr := Load(path)
	onChange(cfg, loadErr)
	return cw, nil
}

// Run blocks, reloading and invoking onChange on every fsnotify Write
// event, until ctx is cancelled or the watcher's channels close.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				w.logger.Error("config watcher events channel closed")
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				w.logger.WithError(err).Warn("config reload failed, keeping previous configuration")
			}
			w.onChange(cfg, err)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				w.logger.Error("config watcher errors channel closed")
				return
			}
			w.logger.WithError(err).Error("config watcher errored")
			return
		}
	}
}
