package config

import (
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// WatchRelay hot-reloads the Relay's IP allowlist whenever path changes on
// disk, calling onReload with the freshly parsed config. The returned
// stop function closes the underlying watcher.
func WatchRelay(path string, onReload func(*RelayConfig)) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}

	var once sync.Once
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := LoadRelay(path)
				if err != nil {
					slog.Warn("relay config reload failed", "error", err)
					continue
				}
				onReload(cfg)
				slog.Info("relay config reloaded", "path", path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			}
		}
	}()

	stop = func() { once.Do(func() { watcher.Close() }) }
	return stop, nil
}
