package preflight

import (
	"github.com/fsnotify/fsnotify"

	"ratchet/internal/logging"
)

// MutationWatcher watches the state directory between sessions for
// externally-authored writes the engine did not perform itself. It feeds
// the Content Hasher's mutation-detection guarantee (spec.md §4.1): a
// write the watcher observes while idle is a signal the next preflight's
// artifact hashes may not match what the last session left behind.
type MutationWatcher struct {
	watcher  *fsnotify.Watcher
	mutated  chan string
	stopped  chan struct{}
}

// WatchStateDir starts watching dir (non-recursively) and returns a
// MutationWatcher. Call Close when done.
func WatchStateDir(dir string) (*MutationWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}

	mw := &MutationWatcher{
		watcher: w,
		mutated: make(chan string, 64),
		stopped: make(chan struct{}),
	}
	go mw.loop()
	return mw, nil
}

func (mw *MutationWatcher) loop() {
	for {
		select {
		case event, ok := <-mw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				logging.PreflightDebug("state dir mutation observed: %s (%s)", event.Name, event.Op)
				select {
				case mw.mutated <- event.Name:
				default:
				}
			}
		case err, ok := <-mw.watcher.Errors:
			if !ok {
				return
			}
			logging.PreflightWarn("mutation watcher error: %v", err)
		case <-mw.stopped:
			return
		}
	}
}

// Drain returns every path observed mutated since the last Drain call,
// without blocking.
func (mw *MutationWatcher) Drain() []string {
	var paths []string
	for {
		select {
		case p := <-mw.mutated:
			paths = append(paths, p)
		default:
			return paths
		}
	}
}

// Close stops the watcher.
func (mw *MutationWatcher) Close() error {
	close(mw.stopped)
	return mw.watcher.Close()
}
