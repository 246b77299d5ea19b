package webhook

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads settings from path whenever it changes, until ctx is done.
// Invalid files are logged and ignored; the previous settings stay in effect.
func (s *Server) Watch(ctx context.Context, path string, debounce time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return err
	}

	var reloadTimer *time.Timer
	var reloadMutex sync.Mutex

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				reloadMutex.Lock()
				if reloadTimer != nil {
					reloadTimer.Stop()
				}
				reloadMutex.Unlock()
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				slog.Debug("Filesystem event on listener config", "event", event.Op.String(), "file", event.Name)

				// Atomic saves replace the inode and drop it from the watch list
				if event.Op&(fsnotify.Rename|fsnotify.Remove|fsnotify.Create) != 0 {
					go rewatch(watcher, path)
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}

				reloadMutex.Lock()
				if reloadTimer != nil {
					reloadTimer.Stop()
				}
				reloadTimer = time.AfterFunc(debounce, func() {
					settings, err := LoadSettings(path)
					if err != nil {
						slog.Error("Listener config reload failed", "error", err)
						return
					}
					s.Apply(settings)
				})
				reloadMutex.Unlock()

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Listener config watcher error", "error", err)
			}
		}
	}()

	slog.Debug("Watching listener config for changes", "path", path)
	return nil
}

// rewatch re-adds path with backoff (10ms..160ms) while the new file appears
func rewatch(watcher *fsnotify.Watcher, path string) {
	for attempt := 0; attempt < 5; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(10<<uint(attempt-1)) * time.Millisecond)
		}
		watcher.Remove(path)
		if err := watcher.Add(path); err == nil {
			return
		} else if attempt == 4 {
			slog.Error("Failed to re-add listener config watch", "error", err, "path", path)
		}
	}
}
