package credentials

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"keelci/pkg/utils"
)

const reloadDelay = 200 * time.Millisecond

// Watch reloads the store whenever the encrypted file at path is replaced,
// until ctx is done. The directory is watched since saves rename a
// temporary file over path. Events that leave the content unchanged, such
// as this process's own saves being observed, are skipped by digest.
func (s *Store) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	s.logger.Info("watching credentials", zap.String("file", path))

	last, _ := utils.HashFile(path)
	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) || ev.Op == fsnotify.Chmod {
				continue
			}
			timer.Reset(reloadDelay)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("watcher error", zap.Error(err))
		case <-timer.C:
			digest, err := utils.HashFile(path)
			if err == nil && digest == last {
				continue
			}
			last = digest
			if err := s.Reload(); err != nil {
				// keep serving the previous set
				s.logger.Error("cannot reload credentials", zap.Error(err))
			}
		}
	}
}
