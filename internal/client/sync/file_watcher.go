package sync

import (
	"context"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rjeczalik/notify"
)

const (
	watcherBufferSize = 1024
	ignoreGrace       = 2 * time.Second
)

// ChangeSink receives settled local changes.
type ChangeSink interface {
	PromoteModified(path string)
	PromoteDeleted(path string)
}

// FileWatcher debounces file-system events. A path is handed to the sink once
// no event was seen for it during the debounce window.
type FileWatcher struct {
	watchDir string
	debounce time.Duration
	clock    clockwork.Clock
	filter   func(path string) bool
	sink     ChangeSink
	events   chan notify.EventInfo

	mu      gosync.Mutex
	pending map[string]time.Time
	ignored map[string]time.Time

	stop chan struct{}
	wg   gosync.WaitGroup
}

type WatcherOption func(*FileWatcher)

func WithWatcherClock(clock clockwork.Clock) WatcherOption {
	return func(fw *FileWatcher) {
		fw.clock = clock
	}
}

// WithWatcherFilter drops events for paths the filter returns true for.
func WithWatcherFilter(filter func(path string) bool) WatcherOption {
	return func(fw *FileWatcher) {
		fw.filter = filter
	}
}

func NewFileWatcher(watchDir string, debounce time.Duration, sink ChangeSink, opts ...WatcherOption) *FileWatcher {
	fw := &FileWatcher{
		watchDir: watchDir,
		debounce: debounce,
		clock:    clockwork.NewRealClock(),
		sink:     sink,
		events:   make(chan notify.EventInfo, watcherBufferSize),
		pending:  make(map[string]time.Time),
		ignored:  make(map[string]time.Time),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(fw)
	}
	return fw
}

func (fw *FileWatcher) Start(ctx context.Context) error {
	slog.Info("file watcher start", "dir", fw.watchDir, "debounce", fw.debounce)

	recursivePath := fw.watchDir + "/..."
	if err := notify.Watch(recursivePath, fw.events, notify.Create, notify.Write, notify.Remove, notify.Rename); err != nil {
		return err
	}

	fw.wg.Add(1)
	go func() {
		defer fw.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-fw.stop:
				return
			case ev := <-fw.events:
				fw.handle(ev.Path(), ev.Event())
			}
		}
	}()
	return nil
}

func (fw *FileWatcher) Stop() {
	notify.Stop(fw.events)
	select {
	case <-fw.stop:
	default:
		close(fw.stop)
	}
	fw.wg.Wait()
	slog.Info("file watcher stop")
}

func (fw *FileWatcher) handle(path string, event notify.Event) {
	if fw.filter != nil && fw.filter(path) {
		return
	}

	if event == notify.Remove && !fw.isIgnored(path) {
		fw.mu.Lock()
		delete(fw.pending, path)
		fw.mu.Unlock()
		fw.sink.PromoteDeleted(path)
		return
	}

	fw.Track(path)
}

// Track records an event for path now, restarting its debounce window.
func (fw *FileWatcher) Track(path string) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.pending[path] = fw.clock.Now()
}

// IgnoreOnce drops the next settled change of path. Engine writes register
// their target here so they do not come back as local edits.
func (fw *FileWatcher) IgnoreOnce(path string) {
	fw.IgnoreOnceWithTimeout(path, fw.debounce+ignoreGrace)
}

func (fw *FileWatcher) IgnoreOnceWithTimeout(path string, timeout time.Duration) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.ignored[path] = fw.clock.Now().Add(timeout)
}

func (fw *FileWatcher) isIgnored(path string) bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	expiry, ok := fw.ignored[path]
	return ok && fw.clock.Now().Before(expiry)
}

// Pending returns the number of paths waiting to settle.
func (fw *FileWatcher) Pending() int {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return len(fw.pending)
}

// Sweep hands every settled path to the sink.
func (fw *FileWatcher) Sweep(ctx context.Context) error {
	now := fw.clock.Now()

	var settled []string
	fw.mu.Lock()
	for path, last := range fw.pending {
		if now.Sub(last) < fw.debounce {
			continue
		}
		delete(fw.pending, path)
		if expiry, ok := fw.ignored[path]; ok && now.Before(expiry) {
			delete(fw.ignored, path)
			slog.Debug("file watcher dropped self write", "path", path)
			continue
		}
		settled = append(settled, path)
	}
	for path, expiry := range fw.ignored {
		if !now.Before(expiry) {
			delete(fw.ignored, path)
		}
	}
	fw.mu.Unlock()

	for _, path := range settled {
		if err := ctx.Err(); err != nil {
			return err
		}
		fw.sink.PromoteModified(path)
	}
	return nil
}
