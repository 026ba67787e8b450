package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher calls onChange when the config file is written. Editors often
// replace the file, so the parent directory is watched and events are
// filtered by name. Bursts within the debounce window collapse into one
// call.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger
	onChange func()

	watcher *fsnotify.Watcher
	stop    chan struct{}
	done    chan struct{}
	started bool
	once    sync.Once
}

// NewWatcher creates a config file watcher.
func NewWatcher(path string, debounce time.Duration, logger *slog.Logger, onChange func()) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{
		path:     abs,
		debounce: debounce,
		logger:   logger,
		onChange: onChange,
		watcher:  fw,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching in a goroutine.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.started = true
	go w.run()
	w.logger.Info("config watcher started", "path", w.path)
	return nil
}

// Stop stops the watcher and waits for it.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		close(w.stop)
		if w.started {
			<-w.done
		}
		w.watcher.Close()
		w.logger.Info("config watcher stopped")
	})
}

func (w *Watcher) run() {
	defer close(w.done)

	var fire <-chan time.Time
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-w.stop:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			fire = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "path", w.path, "error", err)
		case <-fire:
			fire = nil
			w.logger.Info("config file changed", "path", w.path)
			if w.onChange != nil {
				w.onChange()
			}
		}
	}
}
