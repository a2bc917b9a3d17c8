// Package watcher monitors the on-disk credentials document for external
// edits and emits debounced, self-write-suppressed change notifications.
package watcher

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	defaultDebounceDelay = 250 * time.Millisecond
	defaultEventsBuffer  = 8
	defaultErrorsBuffer  = 8
)

// Event announces that the watched document may have changed on disk.
// Hash is the content hash the reader computed immediately after the
// change settled; it lets the caller skip reparsing when the hash
// matches what it already has loaded.
type Event struct {
	Path string
	Hash string
}

// Watcher watches a single file path (the credentials document) for
// external writes. It watches the file's parent directory rather than
// the file itself, because an atomic save (temp file + rename) replaces
// the watched inode out from under a direct watch.
type Watcher struct {
	path string
	dir  string
	base string

	fsWatcher *fsnotify.Watcher
	events    chan Event
	errors    chan error
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	debounce time.Duration
	timerMu  sync.Mutex
	timer    *time.Timer

	selfMu   sync.Mutex
	selfHash string
}

// Option configures a Watcher at construction time.
type Option func(*Watcher)

// WithDebounce overrides the default 250ms debounce window.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// New starts watching path's parent directory for changes to path.
func New(path string, opts ...Option) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("watcher: path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("watcher: resolve path: %w", err)
	}

	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("watcher: ensure parent dir: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watcher: watch %s: %w", dir, err)
	}

	w := &Watcher{
		path:      abs,
		dir:       dir,
		base:      filepath.Base(abs),
		fsWatcher: fsw,
		events:    make(chan Event, defaultEventsBuffer),
		errors:    make(chan error, defaultErrorsBuffer),
		done:      make(chan struct{}),
		debounce:  defaultDebounceDelay,
	}
	for _, opt := range opts {
		opt(w)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run()
	}()

	return w, nil
}

// Events returns a channel of debounced change notifications.
func (w *Watcher) Events() <-chan Event { return w.events }

// Errors returns a channel of watcher-internal errors (e.g. a failed
// rehash); these do not stop the watcher.
func (w *Watcher) Errors() <-chan error { return w.errors }

// ExpectWrite records the content hash of a write the caller is about to
// make (or just made) through Save. When the watcher next sees the file
// settle on exactly this hash, it suppresses the event instead of
// reporting it as an external change. Any other hash it observes -
// including a foreign edit that raced with this one - is still
// reported, per the bias toward never missing a concurrent external
// edit.
func (w *Watcher) ExpectWrite(hash string) {
	w.selfMu.Lock()
	w.selfHash = hash
	w.selfMu.Unlock()
}

// Close stops the watcher and releases OS resources.
func (w *Watcher) Close() error {
	if w == nil {
		return nil
	}
	w.closeOnce.Do(func() { close(w.done) })
	err := w.fsWatcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) run() {
	defer close(w.events)
	defer close(w.errors)

	for {
		select {
		case <-w.done:
			return
		case evt, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Base(evt.Name) != w.base {
				continue
			}
			if evt.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleDebounced()
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.emitError(err)
		}
	}
}

// scheduleDebounced coalesces a burst of events (a temp-file write
// followed immediately by a rename, for instance) into a single
// settle-and-check after the debounce window.
func (w *Watcher) scheduleDebounced() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.settle)
}

func (w *Watcher) settle() {
	hash, err := hashFile(w.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Document briefly absent mid-rename; a later event will
			// re-trigger settle once the new file lands.
			return
		}
		w.emitError(err)
		return
	}

	w.selfMu.Lock()
	expected := w.selfHash
	if hash == expected {
		w.selfHash = ""
		w.selfMu.Unlock()
		return
	}
	w.selfMu.Unlock()

	w.emitEvent(Event{Path: w.path, Hash: hash})
}

func (w *Watcher) emitEvent(e Event) {
	select {
	case w.events <- e:
	default:
	}
}

func (w *Watcher) emitError(err error) {
	select {
	case w.errors <- err:
	default:
	}
}
