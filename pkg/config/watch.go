package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kadirpekel/geoassist/pkg/logger"
)

// Rapid editor saves coalesce into one signal.
const watchDebounce = 100 * time.Millisecond

// Watch reports debounced changes to the config file on the returned
// channel. The watcher follows the containing directory, so editors that
// replace the file on save are still seen. The channel closes when ctx ends
// or the watcher fails.
func Watch(ctx context.Context, path string) (<-chan struct{}, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}
	if _, err := os.Stat(absPath); err != nil {
		return nil, fmt.Errorf("failed to watch config file: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(absPath), err)
	}

	ch := make(chan struct{}, 1)
	go watchLoop(ctx, watcher, absPath, ch)
	return ch, nil
}

func watchLoop(ctx context.Context, watcher *fsnotify.Watcher, path string, ch chan<- struct{}) {
	log := logger.With("config")
	defer close(ch)
	defer watcher.Close()

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			switch {
			case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(watchDebounce, func() {
					select {
					case ch <- struct{}{}:
					default:
					}
				})
			case event.Op&fsnotify.Remove != 0:
				// Directory-level watch picks the file back up on recreate.
				log.Warn("Config file removed", "path", path)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Error("Config watcher error", "error", err)
		}
	}
}
