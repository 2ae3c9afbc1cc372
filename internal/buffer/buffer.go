// Package buffer serves live file contents and reports when a file has
// stopped changing. Outside an editor the filesystem is the buffer.
package buffer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"diffview/shared/types"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultQuietInterval = 300 * time.Millisecond

var ignoreDirs = map[string]bool{
	".dv":          true,
	".git":         true,
	"node_modules": true,
	"vendor":       true,
}

// FileProvider is a filesystem-backed BufferProvider: contents come from
// disk, and a file "stops changing" after a quiet period following write
// events.
type FileProvider struct {
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	mu            sync.Mutex
	quietInterval time.Duration
	listeners     map[string]func(string)
	timers        map[string]*time.Timer
	closed        bool
}

func NewFileProvider(logger *zap.Logger) (*FileProvider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	p := &FileProvider{
		watcher:       watcher,
		logger:        logger,
		quietInterval: defaultQuietInterval,
		listeners:     map[string]func(string){},
		timers:        map[string]*time.Timer{},
	}
	go p.watchLoop()
	return p, nil
}

// SetQuietInterval overrides how long a file must stay quiet after write
// events before listeners are notified. Non-positive durations are ignored.
func (p *FileProvider) SetQuietInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	p.mu.Lock()
	p.quietInterval = d
	p.mu.Unlock()
}

// WatchRoot recursively watches a directory tree for file changes.
func (p *FileProvider) WatchRoot(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if shouldIgnore(path, root) {
			return filepath.SkipDir
		}
		return p.watcher.Add(path)
	})
}

// LoadFileContents reads the live contents of path. A missing file reads as
// empty: the diff's working-copy side of a deleted file.
func (p *FileProvider) LoadFileContents(ctx context.Context, path string) (string, error) {
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return string(content), nil
}

// OnStoppedChanging registers fn to run with a path once it has been quiet
// for the debounce interval.
func (p *FileProvider) OnStoppedChanging(fn func(path string)) shared.Disposable {
	id := uuid.NewString()
	p.mu.Lock()
	p.listeners[id] = fn
	p.mu.Unlock()
	return shared.DisposeFunc(func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	})
}

func (p *FileProvider) watchLoop() {
	for {
		select {
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			p.handleFSEvent(event)
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Error("buffer watcher error", zap.Error(err))
		}
	}
}

func (p *FileProvider) handleFSEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
		if err := p.watcher.Add(event.Name); err != nil {
			p.logger.Error("watching new directory", zap.Error(err))
		}
		return
	}

	path := event.Name
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if timer, ok := p.timers[path]; ok {
		timer.Stop()
	}
	p.timers[path] = time.AfterFunc(p.quietInterval, func() {
		p.fireStopped(path)
	})
}

func (p *FileProvider) fireStopped(path string) {
	p.mu.Lock()
	delete(p.timers, path)
	fns := make([]func(string), 0, len(p.listeners))
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(path)
	}
}

// Close stops watching and cancels pending notifications.
func (p *FileProvider) Close() error {
	p.mu.Lock()
	p.closed = true
	for path, timer := range p.timers {
		timer.Stop()
		delete(p.timers, path)
	}
	p.mu.Unlock()
	return p.watcher.Close()
}

func shouldIgnore(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return false
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if ignoreDirs[part] {
			return true
		}
	}
	return false
}
