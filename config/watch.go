package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/pion/logging"
	"github.com/shynome/camrtc/capture"
)

// Watch calls apply with the decoded file every time path is written or
// replaced, until ctx is done. The parent directory is watched so editors
// that save by rename are picked up.
func Watch(ctx context.Context, path string, log logging.LeveledLogger, apply func(capture.Patch)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", path, err)
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
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				patch, err := ReadPatch(abs)
				if err != nil {
					// partial writes show up as parse errors; the next write event retries
					log.Warnf("reload %s: %v", path, err)
					continue
				}
				log.Infof("video config %s changed", path)
				apply(patch)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("watcher error: %v", err)
			}
		}
	}()
	return nil
}
