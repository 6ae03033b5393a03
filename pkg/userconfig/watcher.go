package userconfig

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches the user config file for changes and signals when it is
// modified. It does NOT reload the config itself; the callback re-reads on
// whichever goroutine owns the configuration.
type Watcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	path     string
	stopChan chan struct{}
	onChange func()

	// debounce can be shortened in tests
	debounce time.Duration
}

// NewWatcher creates a config file watcher. The onChange callback fires
// after the file settles following one or more modifications.
func NewWatcher(onChange func()) *Watcher {
	return &Watcher{
		onChange: onChange,
		debounce: 500 * time.Millisecond,
	}
}

// Watch starts watching the given config file. An empty path watches the
// default location. The containing directory is watched rather than the
// file itself: atomic saves replace the file by renaming a temp file over
// it, which drops a watch pinned to the old inode.
func (w *Watcher) Watch(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopLocked()

	if path == "" {
		path = Path()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	w.watcher = watcher
	w.path = path
	w.stopChan = make(chan struct{})

	go w.watchLoop()

	slog.Debug("Started watching config file", "path", path)
	return nil
}

// Stop stops watching. Safe to call repeatedly.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()
}

func (w *Watcher) stopLocked() {
	if w.stopChan != nil {
		close(w.stopChan)
		w.stopChan = nil
	}
	if w.watcher != nil {
		w.watcher.Close()
		w.watcher = nil
	}
	w.path = ""
}

func (w *Watcher) watchLoop() {
	var debounceTimer *time.Timer

	w.mu.Lock()
	watcher := w.watcher
	stopChan := w.stopChan
	debounce := w.debounce
	w.mu.Unlock()

	if watcher == nil {
		return
	}

	for {
		select {
		case <-stopChan:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			w.mu.Lock()
			currentPath := w.path
			w.mu.Unlock()

			eventPath := filepath.Clean(event.Name)
			targetPath := filepath.Clean(currentPath)

			isExactMatch := eventPath == targetPath
			isBasenameMatch := filepath.Base(eventPath) == filepath.Base(targetPath)

			relevantOp := event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0
			if !relevantOp {
				continue
			}

			// Exact matches always trigger. Basename matches trigger on
			// Rename/Create, which is how atomic saves land.
			if !isExactMatch && (!isBasenameMatch || event.Op&(fsnotify.Rename|fsnotify.Create) == 0) {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounce, func() {
				w.mu.Lock()
				path := w.path
				w.mu.Unlock()
				if _, err := os.Stat(path); err == nil {
					w.signalChange()
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Config file watcher error", "error", err)
		}
	}
}

func (w *Watcher) signalChange() {
	w.mu.Lock()
	path := w.path
	w.mu.Unlock()

	if path == "" {
		return
	}

	slog.Debug("Config file changed, signaling", "path", path)

	if w.onChange != nil {
		w.onChange()
	}
}
