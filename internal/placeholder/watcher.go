package placeholder

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchHydration follows on-demand hydration happening outside the monitor:
// when the file system materializes entries under a directory that was
// marked offline, the marker is cleared so the reconciliation guard sees
// fresh state. The watcher runs until ctx is cancelled.
func (s *DiskStore) WatchHydration(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	err = filepath.WalkDir(s.root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		_ = watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				s.clearOffline(filepath.Dir(event.Name))
				if info, statErr := os.Stat(event.Name); statErr == nil && info.IsDir() {
					if addErr := watcher.Add(event.Name); addErr != nil {
						s.logf("watching hydrated directory %s failed: %v", event.Name, addErr)
					}
				}
			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logf("hydration watcher error: %v", watchErr)
			}
		}
	}()
	return nil
}
