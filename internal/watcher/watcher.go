// Package watcher reports changes to a single file, such as the settings
// file the server was started with.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// DefaultDebounce coalesces the burst of events an editor save produces.
const DefaultDebounce = 100 * time.Millisecond

// Change is the kind of change observed on the target.
type Change int

const (
	Modified Change = iota
	Removed
)

func (c Change) String() string {
	if c == Removed {
		return "removed"
	}
	return "modified"
}

// Watcher monitors a file and calls onChange once per burst of events. It
// watches the parent directory since fsnotify loses the watch on a file that
// is replaced by rename, which is how most editors save.
type Watcher struct {
	targetPath string
	parentPath string
	onChange   func(Change)
	debounce   time.Duration
	watcher    *fsnotify.Watcher

	mu      sync.Mutex
	timer   *time.Timer
	pending Change
}

// New creates a watcher for targetPath.
func New(targetPath string, onChange func(Change)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	target := filepath.Clean(targetPath)
	return &Watcher{
		targetPath: target,
		parentPath: filepath.Dir(target),
		onChange:   onChange,
		debounce:   DefaultDebounce,
		watcher:    fsw,
	}, nil
}

// Path returns the watched file.
func (w *Watcher) Path() string {
	return w.targetPath
}

// Run watches until ctx is canceled. It always closes the underlying
// fsnotify watcher before returning.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	if err := w.addWatch(); err != nil {
		log.Warn().Err(err).Str("path", w.parentPath).Msg("Failed to add initial watch")
	}

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) addWatch() error {
	if _, err := os.Stat(w.parentPath); err != nil {
		return err
	}
	return w.watcher.Add(w.parentPath)
}

func (w *Watcher) handle(event fsnotify.Event) {
	eventPath := filepath.Clean(event.Name)

	if eventPath == w.parentPath {
		switch {
		case event.Op.Has(fsnotify.Remove):
			log.Info().Str("path", w.parentPath).Msg("Parent directory deleted")
			w.schedule(Removed)
		case event.Op.Has(fsnotify.Create):
			_ = w.addWatch()
		}
		return
	}
	if eventPath != w.targetPath {
		return
	}

	switch {
	case event.Op.Has(fsnotify.Remove), event.Op.Has(fsnotify.Rename):
		w.schedule(Removed)
	case event.Op.Has(fsnotify.Write), event.Op.Has(fsnotify.Create):
		// A create after a remove within the same burst is a replace.
		w.schedule(Modified)
	}
}

// schedule restarts the debounce timer; the last change of a burst wins.
func (w *Watcher) schedule(c Change) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending = c
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.fire)
}

func (w *Watcher) fire() {
	w.mu.Lock()
	c := w.pending
	w.mu.Unlock()

	log.Info().Str("path", w.targetPath).Stringer("change", c).Msg("Watched file changed")
	if w.onChange != nil {
		w.onChange(c)
	}
}
