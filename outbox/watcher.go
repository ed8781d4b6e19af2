// Package outbox turns a directory into a send queue: files that appear in
// it are enqueued for one peer once they stop changing.
package outbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/opd-ai/ferry/scheduler"
	"github.com/sirupsen/logrus"
)

// DefaultDebounce is how long a file must stay unchanged before it is
// enqueued.
const DefaultDebounce = 500 * time.Millisecond

// Enqueuer accepts files to send. *scheduler.Scheduler implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, peerID, path string, priority scheduler.Priority) (scheduler.QueueItem, error)
}

// Options configures a Watcher.
type Options struct {
	Dir      string
	PeerID   string
	Priority scheduler.Priority
	Debounce time.Duration
	// IncludeExisting enqueues files already present when Run starts.
	IncludeExisting bool
	// OnEnqueued is called after each successful enqueue.
	OnEnqueued func(scheduler.QueueItem)
}

type version struct {
	size    int64
	modTime time.Time
}

// Watcher watches one directory with fsnotify.
type Watcher struct {
	opts Options
	enq  Enqueuer
	log  logrus.FieldLogger

	debounceMu sync.Mutex
	timers     map[string]*time.Timer
	ready      chan string
	stopped    chan struct{}

	// seen is only touched by Run.
	seen map[string]version
}

// New creates a watcher. The directory is created if missing.
func New(opts Options, enq Enqueuer, log logrus.FieldLogger) (*Watcher, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if opts.Dir == "" {
		return nil, fmt.Errorf("outbox: empty directory")
	}
	if opts.PeerID == "" {
		return nil, fmt.Errorf("outbox: empty peer id")
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("outbox: %w", err)
	}
	return &Watcher{
		opts:    opts,
		enq:     enq,
		log:     log,
		timers:  make(map[string]*time.Timer),
		ready:   make(chan string, 64),
		stopped: make(chan struct{}),
		seen:    make(map[string]version),
	}, nil
}

// Run watches until ctx is done. A Watcher runs once.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("outbox: %w", err)
	}
	defer fsw.Close()
	defer close(w.stopped)
	defer w.stopTimers()

	if err := fsw.Add(w.opts.Dir); err != nil {
		return fmt.Errorf("outbox: watch %s: %w", w.opts.Dir, err)
	}
	w.log.WithFields(logrus.Fields{
		"function": "Run",
		"dir":      w.opts.Dir,
		"peer_id":  w.opts.PeerID,
	}).Info("Watching outbox")

	if w.opts.IncludeExisting {
		entries, err := os.ReadDir(w.opts.Dir)
		if err != nil {
			return fmt.Errorf("outbox: %w", err)
		}
		for _, e := range entries {
			w.process(ctx, filepath.Join(w.opts.Dir, e.Name()))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
				w.debounce(ev.Name)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.WithFields(logrus.Fields{
				"function": "Run",
				"error":    err.Error(),
			}).Warn("Outbox watch error")
		case path := <-w.ready:
			w.process(ctx, path)
		}
	}
}

// debounce restarts the quiet period of path.
func (w *Watcher) debounce(path string) {
	if ignored(filepath.Base(path)) {
		return
	}
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.opts.Debounce, func() {
		w.debounceMu.Lock()
		delete(w.timers, path)
		w.debounceMu.Unlock()
		select {
		case w.ready <- path:
		case <-w.stopped:
		}
	})
}

func (w *Watcher) stopTimers() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
}

// ignored skips hidden files and the usual partial-download names.
func ignored(name string) bool {
	return strings.HasPrefix(name, ".") ||
		strings.HasSuffix(name, "~") ||
		strings.HasSuffix(name, ".part") ||
		strings.HasSuffix(name, ".tmp") ||
		strings.HasSuffix(name, ".crdownload")
}

// process enqueues path unless it is not a regular file or this version was
// already enqueued.
func (w *Watcher) process(ctx context.Context, path string) {
	if ignored(filepath.Base(path)) {
		return
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	v := version{size: info.Size(), modTime: info.ModTime()}
	if prev, ok := w.seen[path]; ok && prev == v {
		return
	}

	item, err := w.enq.Enqueue(ctx, w.opts.PeerID, path, w.opts.Priority)
	if err != nil {
		w.log.WithFields(logrus.Fields{
			"function": "process",
			"path":     path,
			"error":    err.Error(),
		}).Error("Failed to enqueue outbox file")
		return
	}
	w.seen[path] = v

	w.log.WithFields(logrus.Fields{
		"function": "process",
		"path":     path,
		"item_id":  item.ID,
	}).Info("Outbox file enqueued")
	if w.opts.OnEnqueued != nil {
		w.opts.OnEnqueued(item)
	}
}
