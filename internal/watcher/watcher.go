// Package watcher turns filesystem activity under the worlds directory into
// region completion events. A region file counts as complete once it has not
// been written for the settle time and its size has not changed.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/openmined/regionsync/internal/region"
	"github.com/rjeczalik/notify"
)

const eventBufferSize = 256

type pendingFile struct {
	timer *time.Timer
	size  int64
}

type Watcher struct {
	worldsDir string
	include   []string
	settle    time.Duration

	rawEvents chan notify.EventInfo
	events    chan region.Completed
	done      chan struct{}
	wg        sync.WaitGroup
	settling  sync.WaitGroup

	mu      sync.Mutex
	pending map[string]*pendingFile
	stopped bool
}

func New(worldsDir string, include []string, settle time.Duration) *Watcher {
	return &Watcher{
		worldsDir: filepath.Clean(worldsDir),
		include:   include,
		settle:    settle,
		done:      make(chan struct{}),
		pending:   make(map[string]*pendingFile),
	}
}

// Matches reports whether path is a region file selected by the include patterns.
func (w *Watcher) Matches(path string) bool {
	if !region.IsRegionFile(filepath.Base(path)) {
		return false
	}
	rel, err := filepath.Rel(w.worldsDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, pattern := range w.include {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func (w *Watcher) Start(ctx context.Context) error {
	slog.Info("region watcher start", "dir", w.worldsDir, "include", w.include, "settle", w.settle)

	w.rawEvents = make(chan notify.EventInfo, eventBufferSize)
	w.events = make(chan region.Completed, eventBufferSize)

	if err := notify.Watch(w.worldsDir+"/...", w.rawEvents, notify.Write, notify.Create, notify.Rename); err != nil {
		return err
	}

	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	for path, p := range w.pending {
		p.timer.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()

	close(w.done)
	if w.rawEvents != nil {
		notify.Stop(w.rawEvents)
	}
	w.wg.Wait()
	w.settling.Wait()
	if w.events != nil {
		close(w.events)
	}
	slog.Info("region watcher stopped")
}

// Events delivers completed region files. Closed after Stop.
func (w *Watcher) Events() <-chan region.Completed {
	return w.events
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.rawEvents:
			if !ok {
				return
			}
			if !w.Matches(ev.Path()) {
				continue
			}
			w.touch(ev.Path())
		}
	}
}

// touch (re)starts the settle timer for path.
func (w *Watcher) touch(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}

	size := int64(-1)
	if info, err := os.Stat(path); err == nil {
		size = info.Size()
	}
	if p, ok := w.pending[path]; ok {
		p.timer.Stop()
	}
	w.pending[path] = &pendingFile{
		size:  size,
		timer: time.AfterFunc(w.settle, func() { w.settled(path) }),
	}
}

func (w *Watcher) settled(path string) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.settling.Add(1)
	w.mu.Unlock()
	defer w.settling.Done()

	info, err := os.Stat(path)
	if err != nil {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		return
	}

	w.mu.Lock()
	p, ok := w.pending[path]
	if !ok || w.stopped {
		w.mu.Unlock()
		return
	}
	if info.Size() != p.size {
		// still growing without write events (e.g. mmap); wait another round
		p.size = info.Size()
		p.timer = time.AfterFunc(w.settle, func() { w.settled(path) })
		w.mu.Unlock()
		return
	}
	delete(w.pending, path)
	w.mu.Unlock()

	ev, err := region.CompletedFromPath(w.worldsDir, path)
	if err != nil {
		slog.Debug("region watcher skip", "path", path, "error", err)
		return
	}
	ev.Size = info.Size()

	select {
	case w.events <- ev:
		slog.Debug("region file settled", "key", ev.Key(), "size", ev.Size)
	case <-w.done:
	}
}

// Scan lists region files already on disk that match the include patterns
// and have not been modified within the settle time.
func (w *Watcher) Scan() ([]region.Completed, error) {
	fsys := os.DirFS(w.worldsDir)
	cutoff := time.Now().Add(-w.settle)
	seen := make(map[string]bool)

	var out []region.Completed
	for _, pattern := range w.include {
		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, err
		}
		for _, rel := range matches {
			if seen[rel] {
				continue
			}
			seen[rel] = true

			path := filepath.Join(w.worldsDir, filepath.FromSlash(rel))
			if !region.IsRegionFile(filepath.Base(path)) {
				continue
			}
			info, err := os.Stat(path)
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if info.ModTime().After(cutoff) {
				// the watcher will report it once it settles
				continue
			}
			ev, err := region.CompletedFromPath(w.worldsDir, path)
			if err != nil {
				slog.Debug("region scan skip", "path", path, "error", err)
				continue
			}
			ev.Size = info.Size()
			out = append(out, ev)
		}
	}
	return out, nil
}
