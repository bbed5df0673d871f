package fswatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/treesync/pkg/errors"
	"github.com/sidkik/treesync/pkg/match"
)

var fs = afero.NewOsFs()

// Watch watches for changes below `root`. It sends an event on the returned
// channel whenever a file in a directory that isn't excluded changes.
// Bursts of changes are combined into a single event. The watcher is closed
// when `ctx` is done.
func Watch(ctx context.Context, root string, include, exclude []string) (chan struct{}, error) {
	filter := match.NewFilter(include, exclude, log.StandardLogger())
	pathsToWatch, err := getPathsToWatch(root, filter)
	if err != nil {
		return nil, errors.WithContext(err, "get paths")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.WithContext(err, "create watcher")
	}

	for _, path := range pathsToWatch {
		if err := watcher.Add(path); err != nil {
			// Close the watcher so that we release the file handlers for the
			// previously added paths.
			if err := watcher.Close(); err != nil {
				log.WithError(err).Warn("Failed to close file watcher")
			}

			return nil, errors.WithContext(err, fmt.Sprintf("watch %q", path))
		}
	}

	go func() {
		<-ctx.Done()
		if err := watcher.Close(); err != nil {
			log.WithError(err).Warn("Failed to close file watcher")
		}
	}()

	go func() {
		for err := range watcher.Errors {
			log.WithError(err).Warn("File watcher error")
		}
	}()

	events := watchNewDirs(watcher, root, filter)
	return combineUpdates(events), nil
}

// watchNewDirs adds directories that are created after the watch started, so
// that changes inside them are noticed too.
func watchNewDirs(watcher *fsnotify.Watcher, root string, filter match.Filter) <-chan fsnotify.Event {
	forwarded := make(chan fsnotify.Event)
	go func() {
		defer close(forwarded)
		for event := range watcher.Events {
			if event.Has(fsnotify.Create) {
				paths, err := getPathsToWatchBelow(root, event.Name, filter)
				if err != nil {
					log.WithError(err).WithField("path", event.Name).Debug(
						"Failed to watch new path")
				}
				for _, path := range paths {
					if err := watcher.Add(path); err != nil {
						log.WithError(err).WithField("path", path).Warn(
							"Failed to watch new directory")
					}
				}
			}
			forwarded <- event
		}
	}()
	return forwarded
}

func combineUpdates(updates <-chan fsnotify.Event) chan struct{} {
	combined := make(chan struct{}, 1)
	go func() {
		defer close(combined)
		for range updates {
			select {
			case combined <- struct{}{}:
			default:
			}
		}
	}()
	return combined
}

// getPathsToWatch returns `root` and every directory below it that passes
// the filters. fsnotify doesn't watch directories recursively, and watching
// a directory is enough to notice changes to the files inside it.
func getPathsToWatch(root string, filter match.Filter) ([]string, error) {
	fi, err := fs.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileNotFound{Path: root}
		}
		return nil, errors.WithContext(err, "stat")
	}
	if !fi.IsDir() {
		return nil, errors.NewFriendlyError("%q is not a directory.", root)
	}

	paths := []string{root}
	children, err := getChildren(root, root, filter)
	if err != nil {
		return nil, errors.WithContext(err, "get subdirs")
	}
	return append(paths, children...), nil
}

// getPathsToWatchBelow returns `path` and the directories below it if `path`
// is a directory that passes the filters.
func getPathsToWatchBelow(root, path string, filter match.Filter) ([]string, error) {
	fi, err := fs.Stat(path)
	if err != nil || !fi.IsDir() {
		return nil, err
	}

	rel, err := relativePath(root, path)
	if err != nil || filter.SkipDir(rel) {
		return nil, err
	}

	children, err := getChildren(root, path, filter)
	if err != nil {
		return nil, err
	}
	return append([]string{path}, children...), nil
}

func getChildren(root, dir string, filter match.Filter) (paths []string, err error) {
	err = afero.Walk(fs, dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return errors.WithContext(err, "walk error")
		}

		if path == dir || !fi.IsDir() {
			return nil
		}

		// Filters apply to paths relative to the root of the tree, the same
		// way they do when the tree is hashed.
		rel, err := relativePath(root, path)
		if err != nil {
			return err
		}
		if filter.SkipDir(rel) {
			return filepath.SkipDir
		}

		paths = append(paths, path)
		return nil
	})
	return paths, err
}

func relativePath(root, path string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", errors.WithContext(err, "normalize path")
	}
	return filepath.ToSlash(rel), nil
}
