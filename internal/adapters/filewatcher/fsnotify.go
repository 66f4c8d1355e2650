// Package filewatcher provides file system monitoring adapters.
// Clean Architecture: Adapter implementing ports.Barrier.
package filewatcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/0xcro3dile/filing-finetune/internal/platform/logger"
)

// FileBarrier releases waiters once a file appears. Secondary ranks use it
// to wait for the main rank to publish the feature cache.
type FileBarrier struct {
	log *logger.Logger
}

// NewFileBarrier creates a barrier. A nil logger discards output.
func NewFileBarrier(log *logger.Logger) *FileBarrier {
	if log == nil {
		log = logger.Discard()
	}
	return &FileBarrier{log: log}
}

// Wait blocks until path exists or ctx is done. The parent directory is
// created if missing so it can be watched.
func (b *FileBarrier) Wait(ctx context.Context, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	// The file may have landed before the watch was armed.
	if exists(path) {
		return nil
	}
	b.log.Infof("Waiting for %s", path)

	want := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("watcher closed")
			}
			if filepath.Clean(event.Name) != want {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 && exists(path) {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("watcher closed")
			}
			b.log.Warnf("Watching %s: %v", dir, err)
			if exists(path) {
				return nil
			}
		}
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
