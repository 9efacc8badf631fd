package catalog

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patterngate/internal/logging"
)

// ErrWatcherRunning is returned by Watch when it was already started.
var ErrWatcherRunning = errors.New("catalog watcher already running")

const reloadDebounce = 250 * time.Millisecond

// Live is a directory-backed catalog that swaps snapshots atomically.
// Readers never observe a partially loaded catalog; a failed reload keeps
// the previous snapshot.
type Live struct {
	dir     string
	logger  *logging.Logger
	current atomic.Pointer[Static]

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup

	reloads atomic.Int64
}

// Open loads dir and returns a Live catalog.
func Open(dir string, logger *logging.Logger) (*Live, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	l := &Live{dir: dir, logger: logger}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// All implements Catalog.
func (l *Live) All() []Pattern { return l.current.Load().All() }

// Get implements Catalog.
func (l *Live) Get(name string) (Pattern, bool) { return l.current.Load().Get(name) }

// Len returns the size of the current snapshot.
func (l *Live) Len() int { return l.current.Load().Len() }

// Reloads counts successful reloads, including the initial load.
func (l *Live) Reloads() int64 { return l.reloads.Load() }

// Reload re-reads the directory.
func (l *Live) Reload() error {
	s, err := LoadDir(l.dir)
	if err != nil {
		return fmt.Errorf("loading catalog %s: %w", l.dir, err)
	}
	l.current.Store(s)
	l.reloads.Add(1)
	return nil
}

// Watch reloads the catalog whenever a pattern file in the directory
// changes. Bursts of events are coalesced. Watch returns once the watcher is
// registered; reloading runs until ctx is done or Stop is called.
func (l *Live) Watch(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher != nil {
		return ErrWatcherRunning
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating catalog watcher: %w", err)
	}
	if err := w.Add(l.dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watching %s: %w", l.dir, err)
	}

	l.watcher = w
	l.done = make(chan struct{})
	l.wg.Add(1)
	go l.loop(ctx, w, l.done)
	return nil
}

// Stop ends a running watch. Safe to call more than once.
func (l *Live) Stop() {
	l.mu.Lock()
	w, done := l.watcher, l.done
	l.watcher, l.done = nil, nil
	l.mu.Unlock()

	if w == nil {
		return
	}
	close(done)
	_ = w.Close()
	l.wg.Wait()
}

func (l *Live) loop(ctx context.Context, w *fsnotify.Watcher, done <-chan struct{}) {
	defer l.wg.Done()

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !isPatternFile(filepath.Base(ev.Name)) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			pending = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.logger.Warn(ctx, "catalog watcher error", zap.Error(err))
		case <-pending:
			pending = nil
			if err := l.Reload(); err != nil {
				l.logger.Warn(ctx, "catalog reload failed, keeping previous snapshot", zap.Error(err))
				continue
			}
			l.logger.Info(ctx, "catalog reloaded", zap.Int("patterns", l.Len()))
		}
	}
}
