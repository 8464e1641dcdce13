// Package watcher reports filesystem changes under each session's working
// directory so the browser can refresh its file tree.
package watcher

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"termbridge/internal/logging"
)

// ErrTooManyDirs is returned when a tree exceeds Options.MaxDirs.
var ErrTooManyDirs = errors.New("too many directories to watch")

// ChangeCallback receives the sorted, de-duplicated directories whose
// contents changed during one debounce window.
type ChangeCallback func(sessionID string, dirs []string)

// Options configures a Watcher.
type Options struct {
	// Keep reports whether a directory name is descended into.
	Keep func(name string) bool
	// Depth is how many directory levels below the root are watched,
	// counting the root as the first.
	Depth    int
	MaxDirs  int
	Debounce time.Duration
}

// Watcher monitors working directories for file changes.
type Watcher struct {
	opts     Options
	callback ChangeCallback

	mu       sync.Mutex
	watchers map[string]*sessionWatcher // sessionID → watcher
}

type sessionWatcher struct {
	sessionID string
	root      string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
	dirs    int
}

// New creates a watcher.
func New(opts Options, callback ChangeCallback) *Watcher {
	if opts.Keep == nil {
		opts.Keep = func(string) bool { return true }
	}
	if opts.Depth <= 0 {
		opts.Depth = 3
	}
	if opts.MaxDirs <= 0 {
		opts.MaxDirs = 4096
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	return &Watcher{
		opts:     opts,
		callback: callback,
		watchers: make(map[string]*sessionWatcher),
	}
}

// Watch starts watching dir on behalf of sessionID, replacing any previous
// watch for that session.
func (w *Watcher) Watch(sessionID, dir string) error {
	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	sw := &sessionWatcher{
		sessionID: sessionID,
		root:      filepath.Clean(dir),
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
		pending:   make(map[string]struct{}),
	}

	if err := w.addDirsRecursive(sw, sw.root); err != nil {
		fsW.Close()
		return err
	}

	w.Unwatch(sessionID)
	w.mu.Lock()
	w.watchers[sessionID] = sw
	w.mu.Unlock()

	go w.watchLoop(sw)
	return nil
}

// Unwatch stops watching a session's directory.
func (w *Watcher) Unwatch(sessionID string) {
	w.mu.Lock()
	sw, ok := w.watchers[sessionID]
	if ok {
		delete(w.watchers, sessionID)
	}
	w.mu.Unlock()

	if ok {
		close(sw.cancel)
		sw.fsWatcher.Close()
		sw.mu.Lock()
		if sw.timer != nil {
			sw.timer.Stop()
		}
		sw.mu.Unlock()
	}
}

// watching reports whether sessionID has an active watch.
func (w *Watcher) watching(sessionID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.watchers[sessionID]
	return ok
}

// Shutdown stops all watchers.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	ids := make([]string, 0, len(w.watchers))
	for id := range w.watchers {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		w.Unwatch(id)
	}
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop(sw *sessionWatcher) {
	log := logging.L().With(zap.String("session", sw.sessionID))
	for {
		select {
		case <-sw.cancel:
			return

		case event, ok := <-sw.fsWatcher.Events:
			if !ok {
				return
			}

			// New directories inside the depth bound are watched too.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addDirsRecursive(sw, event.Name); err != nil {
						log.Debug("watch new directory", zap.String("dir", event.Name), zap.Error(err))
					}
				}
			}
			w.record(sw, filepath.Dir(event.Name))

		case err, ok := <-sw.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) record(sw *sessionWatcher, dir string) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.pending[dir] = struct{}{}
	if sw.timer != nil {
		sw.timer.Stop()
	}
	sw.timer = time.AfterFunc(w.opts.Debounce, func() { w.flush(sw) })
}

func (w *Watcher) flush(sw *sessionWatcher) {
	select {
	case <-sw.cancel:
		return
	default:
	}

	sw.mu.Lock()
	dirs := make([]string, 0, len(sw.pending))
	for d := range sw.pending {
		dirs = append(dirs, d)
	}
	sw.pending = make(map[string]struct{})
	sw.mu.Unlock()

	if len(dirs) == 0 || w.callback == nil {
		return
	}
	sort.Strings(dirs)
	w.callback(sw.sessionID, dirs)
}

// level is the number of path elements between the watch root and dir.
func level(root, dir string) int {
	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == "." {
		return 0
	}
	return strings.Count(rel, string(filepath.Separator)) + 1
}

// addDirsRecursive adds dir and its subdirectories, within the depth bound and
// the directory budget, to the session's fsnotify watcher.
func (w *Watcher) addDirsRecursive(sw *sessionWatcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != sw.root && !w.opts.Keep(d.Name()) {
			return filepath.SkipDir
		}
		if level(sw.root, path) >= w.opts.Depth {
			return filepath.SkipDir
		}

		sw.mu.Lock()
		if sw.dirs >= w.opts.MaxDirs {
			sw.mu.Unlock()
			return ErrTooManyDirs
		}
		sw.dirs++
		sw.mu.Unlock()

		return sw.fsWatcher.Add(path)
	})
}
