package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const reloadDelay = 200 * time.Millisecond

// Watch reloads the catalog whenever a pipeline file changes, until ctx is
// done. Bursts of events (editors write in several steps) collapse into a
// single reload.
func (c *Catalog) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(c.dir); err != nil {
		return fmt.Errorf("watching %s: %w", c.dir, err)
	}
	c.logger.Info("watching pipelines", zap.String("dir", c.dir))

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
			if !isPipelineFile(ev.Name) || ev.Op == fsnotify.Chmod {
				continue
			}
			c.logger.Debug("pipeline file changed", zap.String("file", ev.Name), zap.String("op", ev.Op.String()))
			timer.Reset(reloadDelay)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("watcher error", zap.Error(err))
		case <-timer.C:
			// errors are logged by Reload; the valid set is served regardless
			_ = c.Reload()
		}
	}
}
