package registry

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watch reloads the registry whenever its backing file changes, until ctx is
// done. The parent directory is watched because editors often replace the
// file by rename instead of writing it in place.
func (r *Registry) Watch(ctx context.Context, log logrus.FieldLogger) error {
	if r.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	target := filepath.Clean(r.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return err
	}

	const mask = fsnotify.Write | fsnotify.Create
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op&mask == 0 {
				continue
			}
			if err := r.Reload(); err != nil {
				log.WithError(err).Warn("registry reload failed; keeping previous nodes")
				continue
			}
			log.WithField("nodes", len(r.snapshot())).Info("registry reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("registry watch error")
		}
	}
}
