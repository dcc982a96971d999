package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"persona/internal/logging"
)

// WatchCharacters watches dir for character file changes and invokes
// onChange with the freshly loaded set. Events are debounced because
// editors fire several write events per save. The returned stop function
// closes the watcher.
func WatchCharacters(dir string, onChange func([]*Character)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	stop := make(chan struct{})

	go func() {
		var debounce *time.Timer
		for {
			select {
			case <-stop:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Ext(event.Name) != ".json" {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				logging.BootDebug("character file changed: %s", event.Name)
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					characters, err := LoadCharacters(dir)
					if err != nil {
						logging.Get(logging.CategoryBoot).Error("character reload failed: %v", err)
						return
					}
					onChange(characters)
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Get(logging.CategoryBoot).Error("character watcher error: %v", err)
			}
		}
	}()

	return func() {
		close(stop)
		watcher.Close()
	}, nil
}
