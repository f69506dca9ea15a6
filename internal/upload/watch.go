// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// REVISION: upload-watch-v1-debounced

package upload

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchRevision = "upload-watch-v1-debounced"

func init() {
	log.Printf("[upload-watch] REVISION: %s loaded at %s", watchRevision, time.Now().Format(time.RFC3339))
}

// DefaultDebounce is how long a file must stay quiet before it is imported.
const DefaultDebounce = 2 * time.Second

// Change is a debounced filesystem change under a watched directory.
type Change struct {
	RelPath string
	AbsPath string
	Removed bool
}

// Watcher turns fsnotify events under a root into debounced Changes.
// Creates and writes wait for quiet; removes and renames are delivered at once.
type Watcher struct {
	root     string
	debounce time.Duration
	fsw      *fsnotify.Watcher
	changes  chan Change
	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewWatcher creates a Watcher for root. A zero debounce uses DefaultDebounce.
func NewWatcher(root string, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		root:     abs,
		debounce: debounce,
		fsw:      fsw,
		changes:  make(chan Change, 100),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		timers:   make(map[string]*time.Timer),
	}, nil
}

// Changes returns the channel of debounced changes. It is never closed;
// select on Done as well.
func (w *Watcher) Changes() <-chan Change { return w.changes }

// Done is closed once the watcher has stopped.
func (w *Watcher) Done() <-chan struct{} { return w.stopped }

// Start watches root and every non-hidden directory below it.
func (w *Watcher) Start() error {
	if err := w.fsw.Add(w.root); err != nil {
		return err
	}
	stack := []string{w.root}
	for len(stack) > 0 {
		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		entries, err := os.ReadDir(dir)
		if err != nil {
			log.Printf("[upload-watch] cannot read %s: %v", dir, err)
			continue
		}
		for _, e := range entries {
			if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			sub := filepath.Join(dir, e.Name())
			if err := w.fsw.Add(sub); err != nil {
				log.Printf("[upload-watch] failed to watch %s: %v", sub, err)
				continue
			}
			stack = append(stack, sub)
		}
	}
	go w.loop()
	return nil
}

// Stop shuts the watcher down and cancels pending debounces.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.fsw.Close()
	})
	<-w.stopped
}

func (w *Watcher) loop() {
	defer close(w.stopped)
	defer func() {
		w.mu.Lock()
		for _, t := range w.timers {
			t.Stop()
		}
		w.timers = nil
		w.mu.Unlock()
	}()

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("[upload-watch] error: %v", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil || hidden(rel) {
		return
	}

	info, statErr := os.Lstat(ev.Name)
	if statErr == nil && info.Mode()&os.ModeSymlink != 0 {
		return
	}
	if ev.Has(fsnotify.Create) && statErr == nil && info.IsDir() {
		if err := w.fsw.Add(ev.Name); err != nil {
			log.Printf("[upload-watch] failed to watch new dir %s: %v", ev.Name, err)
		}
		return
	}

	switch {
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		w.cancel(rel)
		w.emit(Change{RelPath: rel, AbsPath: ev.Name, Removed: true})
	case ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write):
		w.schedule(rel, ev.Name)
	}
}

func (w *Watcher) schedule(rel, abs string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timers == nil {
		return
	}
	if t, ok := w.timers[rel]; ok {
		t.Stop()
	}
	w.timers[rel] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		if w.timers == nil {
			w.mu.Unlock()
			return
		}
		delete(w.timers, rel)
		w.mu.Unlock()
		w.emit(Change{RelPath: rel, AbsPath: abs})
	})
}

func (w *Watcher) cancel(rel string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[rel]; ok {
		t.Stop()
		delete(w.timers, rel)
	}
}

func (w *Watcher) emit(c Change) {
	select {
	case w.changes <- c:
	case <-w.done:
	default:
		log.Printf("[upload-watch] change channel full, dropping %s", c.RelPath)
	}
}

// hidden reports whether any element of a relative path starts with a dot.
func hidden(rel string) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if strings.HasPrefix(part, ".") && part != "." && part != ".." {
			return true
		}
	}
	return false
}

// Watch imports root once, then keeps the knowledge base in step with
// changes under it until ctx is done.
func (u *Uploader) Watch(ctx context.Context, knowledgeID, root string, debounce time.Duration) error {
	w, err := NewWatcher(root, debounce)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}
	defer w.Stop()

	if _, err := u.UploadDir(ctx, knowledgeID, w.root); err != nil {
		return err
	}
	log.Printf("[upload-watch] watching %s for %s", w.root, knowledgeID)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.Done():
			return errors.New("watcher stopped")
		case c := <-w.Changes():
			u.applyChange(ctx, knowledgeID, w.root, c)
		}
	}
}

func (u *Uploader) applyChange(ctx context.Context, knowledgeID, root string, c Change) {
	if c.Removed {
		n, err := u.RemovePath(ctx, knowledgeID, c.RelPath)
		if err != nil {
			log.Printf("[upload-watch] failed to remove %s: %v", c.RelPath, err)
		} else if n > 0 {
			log.Printf("[upload-watch] removed %d file(s) under %s", n, c.RelPath)
		}
		return
	}
	info, err := os.Stat(c.AbsPath)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	changed, err := u.UploadFile(ctx, knowledgeID, root, c.AbsPath)
	switch {
	case err != nil:
		log.Printf("[upload-watch] failed to import %s: %v", c.RelPath, err)
	case changed:
		log.Printf("[upload-watch] imported %s", c.RelPath)
	}
}
