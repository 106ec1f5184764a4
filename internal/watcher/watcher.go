// Package watcher observes the sync directory recursively with
// fsnotify and debounces per-path bursts before delivering settled
// add/change/unlink events to the coordinator. Modeled on the
// watch-mode debounce timer pattern used elsewhere in the retrieved
// corpus (a per-session timer reset on every new event for the same
// generation, collapsing a burst into a single downstream call).
package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher recursively watches a base directory and emits debounced
// add/change/unlink callbacks keyed by path relative to base.
type Watcher struct {
	baseDir  string
	debounce time.Duration

	fsw *fsnotify.Watcher

	onChange func(path string)
	onAdd    func(path string)
	onUnlink func(path string)

	mu     sync.Mutex
	timers map[string]*time.Timer
	// pending remembers the most recent op seen for a path while its
	// debounce timer is running, so create-then-write bursts settle to
	// a single callback invocation.
	pending map[string]fsnotify.Op

	stopCh chan struct{}
}

// New returns a Watcher rooted at baseDir with the given settle
// delay.
func New(baseDir string, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	return &Watcher{
		baseDir:  baseDir,
		debounce: debounce,
		timers:   make(map[string]*time.Timer),
		pending:  make(map[string]fsnotify.Op),
		stopCh:   make(chan struct{}),
	}
}

func (w *Watcher) OnChange(cb func(string)) { w.onChange = cb }
func (w *Watcher) OnAdd(cb func(string))    { w.onAdd = cb }
func (w *Watcher) OnUnlink(cb func(string)) { w.onUnlink = cb }

// SuppressNext cancels any in-flight debounce timer for path and
// discards its pending op. Events that arrive after the call are
// debounced and delivered as usual. The coordinator calls this before
// every file it writes; the event caused by that write itself is
// discarded by the coordinator's own self-write cache.
func (w *Watcher) SuppressNext(path string) {
	rel := filepath.ToSlash(path)
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[rel]; ok {
		t.Stop()
		delete(w.timers, rel)
	}
	delete(w.pending, rel)
}

// Start begins watching baseDir and every existing subdirectory.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw

	if err := os.MkdirAll(w.baseDir, 0755); err != nil {
		return err
	}
	if err := filepath.Walk(w.baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			return fsw.Add(path)
		}
		return nil
	}); err != nil {
		return err
	}

	go w.loop()
	return nil
}

// Stop terminates the watcher and releases fsnotify resources.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	if w.fsw != nil {
		return w.fsw.Close()
	}
	return nil
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&fsnotify.Write == 0 && event.Op&fsnotify.Create == 0 && event.Op&fsnotify.Remove == 0 && event.Op&fsnotify.Rename == 0 {
		return
	}

	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			w.fsw.Add(event.Name)
			return
		}
	}

	rel, err := filepath.Rel(w.baseDir, event.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)

	w.mu.Lock()
	w.pending[rel] = event.Op
	if t, ok := w.timers[rel]; ok {
		t.Stop()
	}
	w.timers[rel] = time.AfterFunc(w.debounce, func() { w.settle(rel) })
	w.mu.Unlock()
}

func (w *Watcher) settle(rel string) {
	w.mu.Lock()
	op, ok := w.pending[rel]
	delete(w.pending, rel)
	delete(w.timers, rel)
	w.mu.Unlock()
	if !ok {
		return
	}

	switch {
	case op&fsnotify.Remove != 0 || op&fsnotify.Rename != 0:
		if w.onUnlink != nil {
			w.onUnlink(rel)
		}
	case op&fsnotify.Create != 0:
		if w.onAdd != nil {
			w.onAdd(rel)
		}
	default:
		if w.onChange != nil {
			w.onChange(rel)
		}
	}
}
