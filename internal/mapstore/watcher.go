package mapstore

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileWatcher reloads the store when another process rewrites the mapping
// file. Best effort: it softens the documented single-writer limitation
// for reads, it does not make concurrent writes safe.
type FileWatcher struct {
	store   *Store
	watcher *fsnotify.Watcher

	closeCh   chan struct{}
	closeOnce sync.Once

	// Self-writes are ignored for a short window after save so the
	// watcher doesn't reload our own rewrites.
	saveMu   sync.RWMutex
	lastSave time.Time
}

const selfWriteIgnoreWindow = 2 * time.Second

// NewFileWatcher creates a watcher for the store's mapping file. Watching
// the parent directory (not the file) survives the temp+rename writes.
func NewFileWatcher(store *Store) (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(store.path)); err != nil {
		watcher.Close()
		return nil, err
	}
	w := &FileWatcher{
		store:   store,
		watcher: watcher,
		closeCh: make(chan struct{}),
	}
	store.setSaveHook(w.NotifySave)
	return w, nil
}

// Start begins watching. Non-blocking.
func (w *FileWatcher) Start() {
	go w.loop()
}

// NotifySave marks a self-write; the next events within the ignore window
// are skipped.
func (w *FileWatcher) NotifySave() {
	w.saveMu.Lock()
	w.lastSave = time.Now()
	w.saveMu.Unlock()
}

func (w *FileWatcher) loop() {
	// Debounce: rename+chmod bursts arrive together
	var debounce *time.Timer
	target := filepath.Base(w.store.path)

	for {
		select {
		case <-w.closeCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}

			w.saveMu.RLock()
			selfWrite := time.Since(w.lastSave) < selfWriteIgnoreWindow
			w.saveMu.RUnlock()
			if selfWrite {
				continue
			}

			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(250*time.Millisecond, func() {
				storeLog.Debug("mapping_file_changed_externally", slog.String("path", w.store.path))
				w.store.Reload()
			})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			storeLog.Debug("watcher_error", slog.String("error", err.Error()))
		}
	}
}

// Close stops the watcher. Safe to call multiple times.
func (w *FileWatcher) Close() error {
	w.closeOnce.Do(func() {
		close(w.closeCh)
		w.watcher.Close()
	})
	return nil
}
