package catalog

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watch invalidates c whenever a file is created, removed or renamed in its
// directory. It blocks until ctx is cancelled. Lookups keep working without
// it; they just notice changes later.
func Watch(ctx context.Context, c *Catalog) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(c.Dir()); err != nil {
		return err
	}

	slog.Info("catalog: watching for changes", "dir", c.Dir())

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Plain writes keep the name set unchanged.
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			slog.Debug("catalog: directory changed", "event", event.Op.String(), "name", event.Name)
			c.Invalidate()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("catalog: watcher error", "err", err)
		}
	}
}
