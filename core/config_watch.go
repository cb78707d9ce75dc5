package core

import (
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ConfigWatcher reloads a YAML configuration file on change and hands the
// refreshed Config to a callback. It is used to pick up tier-limit and
// reputation-threshold edits without a process restart.
type ConfigWatcher struct {
	path     string
	mu       sync.Mutex
	current  *Config
	watcher  *fsnotify.Watcher
	onChange func(*Config)
	logger   Logger
	done     chan struct{}
}

// WatchConfigFile starts watching path for writes and rebuilds the Config
// from defaults + env + the file's contents + opts on every change. Callers
// must invoke Close to stop the background goroutine.
func WatchConfigFile(path string, onChange func(*Config), opts ...Option) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}

	allOpts := append([]Option{WithConfigFile(path)}, opts...)
	cfg, err := NewConfig(allOpts...)
	if err != nil {
		watcher.Close()
		return nil, err
	}

	cw := &ConfigWatcher{
		path:     path,
		current:  cfg,
		watcher:  watcher,
		onChange: onChange,
		logger:   cfg.Logger(),
		done:     make(chan struct{}),
	}
	go cw.loop(allOpts)
	return cw, nil
}

func (cw *ConfigWatcher) loop(opts []Option) {
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := NewConfig(opts...)
			if err != nil {
				cw.logger.Warn("config reload failed, keeping previous config", map[string]interface{}{
					"path":  cw.path,
					"error": err.Error(),
				})
				continue
			}
			cw.mu.Lock()
			cw.current = cfg
			cw.mu.Unlock()
			if cw.onChange != nil {
				cw.onChange(cfg)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Warn("config watcher error", map[string]interface{}{"error": err.Error()})
		case <-cw.done:
			return
		}
	}
}

// Current returns the most recently successfully loaded Config.
func (cw *ConfigWatcher) Current() *Config {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.current
}

// Close stops the watcher goroutine and releases the underlying fsnotify handle.
func (cw *ConfigWatcher) Close() error {
	close(cw.done)
	return cw.watcher.Close()
}
