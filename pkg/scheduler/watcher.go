package scheduler

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bookhaven/bookhaven/pkg/library"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
)

const watcherQuietPeriod = 2 * time.Second

// WatcherService triggers a scan once the library tree has been quiet for a
// moment after an ePub was added, removed or renamed.
type WatcherService struct {
	scheduler *Scheduler
	root      string
	quiet     time.Duration
}

func (s *Scheduler) Watcher() *WatcherService {
	return &WatcherService{scheduler: s, root: s.config.LibraryDirectory, quiet: watcherQuietPeriod}
}

func (w *WatcherService) Serve(ctx context.Context) error {
	log := logger.FromContext(ctx).Data(logger.Data{"root": w.root})

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.WithStack(err)
	}
	defer watcher.Close()

	if err := addRecursive(watcher, w.root); err != nil {
		return err
	}
	log.Info("watching library for changes")

	quiet := time.NewTimer(w.quiet)
	quiet.Stop()
	defer quiet.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("library watcher closed")
			}
			log.Err(err).Warn("library watcher error")
		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("library watcher closed")
			}
			if !relevant(ctx, watcher, event) {
				continue
			}
			quiet.Reset(w.quiet)
		case <-quiet.C:
			// A change isn't settled until it queued a scan of its own. A
			// scan already running may have walked past it.
			result, err := w.scheduler.Trigger(ctx, library.SourceWatcher)
			if err != nil {
				log.Err(err).Error("watcher scan trigger failed")
				quiet.Reset(w.quiet)
				continue
			}
			if result.Outcome != OutcomeQueued {
				log.Debug("watcher scan not queued yet, retrying", logger.Data{"outcome": result.Outcome})
				quiet.Reset(w.quiet)
			}
		}
	}
}

func (w *WatcherService) String() string {
	return "library-watcher"
}

// relevant reports whether event may change the catalog. New directories are
// watched as they appear and count as changes, since files may have been
// moved in with them.
func relevant(ctx context.Context, watcher *fsnotify.Watcher, event fsnotify.Event) bool {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := addRecursive(watcher, event.Name); err != nil {
				logger.FromContext(ctx).Err(err).Warn("failed to watch new directory", logger.Data{"path": event.Name})
			}
			return true
		}
	}
	ext := filepath.Ext(event.Name)
	if ext == "" {
		// A removed or renamed directory can't be told apart from an
		// extensionless file anymore.
		return event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)
	}
	if !strings.EqualFold(ext, ".epub") {
		return false
	}
	return event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) ||
		event.Has(fsnotify.Rename) || event.Has(fsnotify.Write)
}

func addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return errors.WithStack(err)
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		return errors.WithStack(watcher.Add(path))
	})
}
