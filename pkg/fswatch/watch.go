package fswatch

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/fleetsync/fleetsync/pkg/errors"
)

var fs = afero.NewOsFs()

// Watcher delivers a signal on Updates whenever anything under the watched
// path changes. Bursts of filesystem events coalesce into a single signal.
type Watcher struct {
	Updates chan struct{}
	inner   *fsnotify.Watcher
}

// Watch watches `path` for changes. Directories are watched recursively;
// watching a single file also watches its parent directory so that a
// remove-and-recreate is still noticed.
func Watch(path string) (*Watcher, error) {
	pathsToWatch, err := getPathsToWatch(path)
	if err != nil {
		return nil, errors.WithContext(err, "get paths")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.WithContext(err, "create watcher")
	}

	for _, p := range pathsToWatch {
		if err := watcher.Add(p); err != nil {
			// Close the watcher so that we release the file handlers for the
			// previously added paths.
			if err := watcher.Close(); err != nil {
				log.WithError(err).Warn("Failed to close file watcher")
			}

			return nil, errors.WithContext(err, fmt.Sprintf("watch %q", p))
		}
	}

	return &Watcher{
		Updates: combineUpdates(watcher),
		inner:   watcher,
	}, nil
}

// Close releases the underlying file handles. Updates is closed once the
// pending events drain.
func (w *Watcher) Close() error {
	return w.inner.Close()
}

func combineUpdates(watcher *fsnotify.Watcher) chan struct{} {
	combined := make(chan struct{}, 1)
	go func() {
		defer close(combined)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}

				// Directories created after the watch started need to be
				// added explicitly; fsnotify doesn't recurse on its own.
				if event.Op&fsnotify.Create != 0 {
					if fi, err := fs.Stat(event.Name); err == nil && fi.IsDir() {
						if err := watcher.Add(event.Name); err != nil {
							log.WithError(err).WithField("path", event.Name).
								Warn("Failed to watch new directory")
						}
					}
				}

				select {
				case combined <- struct{}{}:
				default:
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return combined
}

func getPathsToWatch(path string) (paths []string, err error) {
	fi, err := fs.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileNotFound{Path: path}
		}
		return nil, errors.WithContext(err, "stat")
	}

	paths = append(paths, path)
	if !fi.Mode().IsDir() {
		// If the path is a file, then watch its parent directory as well
		// as the file itself. This way, if the file is removed and
		// re-added we'll notice.
		// This will also cause triggers when other files in the directory
		// are created or removed, but this is fine since the sync will
		// just be a no-op.
		return append(paths, filepath.Dir(path)), nil
	}

	// Because fsnotify doesn't watch directories recursively, we walk the
	// directory's contents and add all subdirectories.
	err = afero.Walk(fs, path, func(child string, fi os.FileInfo, err error) error {
		if err != nil {
			return errors.WithContext(err, "walk error")
		}
		if child == path || !fi.IsDir() {
			return nil
		}
		paths = append(paths, child)
		return nil
	})
	return paths, err
}
