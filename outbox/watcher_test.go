package outbox

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/ferry/scheduler"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPeer = "bob"

type recordingEnqueuer struct {
	mu    sync.Mutex
	paths []string
	fail  bool
}

func (r *recordingEnqueuer) Enqueue(ctx context.Context, peerID, path string, priority scheduler.Priority) (scheduler.QueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return scheduler.QueueItem{}, errors.New("queue unavailable")
	}
	r.paths = append(r.paths, path)
	return scheduler.QueueItem{ID: filepath.Base(path), PeerID: peerID, FilePath: path, Priority: priority}, nil
}

func (r *recordingEnqueuer) enqueued() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func startWatcher(t *testing.T, opts Options, enq Enqueuer) {
	t.Helper()
	w, err := New(opts, enq, quietLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	// Give fsnotify time to register the directory.
	time.Sleep(50 * time.Millisecond)
}

func TestWatcher_EnqueuesNewFileOnce(t *testing.T) {
	dir := t.TempDir()
	enq := &recordingEnqueuer{}
	startWatcher(t, Options{Dir: dir, PeerID: testPeer, Debounce: 50 * time.Millisecond}, enq)

	path := filepath.Join(dir, "report.pdf")
	f, err := os.Create(path)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err = f.Write([]byte("chunk of data\n"))
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, f.Close())

	require.Eventually(t, func() bool { return len(enq.enqueued()) == 1 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, []string{path}, enq.enqueued())
}

func TestWatcher_IgnoresHiddenPartialAndDirectories(t *testing.T) {
	dir := t.TempDir()
	enq := &recordingEnqueuer{}
	startWatcher(t, Options{Dir: dir, PeerID: testPeer, Debounce: 20 * time.Millisecond}, enq)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "movie.mkv.part"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "visible.txt"), []byte("x"), 0o644))

	require.Eventually(t, func() bool { return len(enq.enqueued()) == 1 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{filepath.Join(dir, "visible.txt")}, enq.enqueued())
}

func TestWatcher_IncludeExisting(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "already-here.txt")
	require.NoError(t, os.WriteFile(existing, []byte("hello"), 0o644))

	var mu sync.Mutex
	var notified []scheduler.QueueItem
	enq := &recordingEnqueuer{}
	startWatcher(t, Options{
		Dir:             dir,
		PeerID:          testPeer,
		Priority:        scheduler.PriorityHigh,
		IncludeExisting: true,
		OnEnqueued: func(item scheduler.QueueItem) {
			mu.Lock()
			notified = append(notified, item)
			mu.Unlock()
		},
	}, enq)

	require.Eventually(t, func() bool { return len(enq.enqueued()) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, existing, enq.enqueued()[0])

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, notified, 1)
	assert.Equal(t, scheduler.PriorityHigh, notified[0].Priority)
	assert.Equal(t, testPeer, notified[0].PeerID)
}

func TestWatcher_FailedEnqueueIsRetriedOnNextChange(t *testing.T) {
	dir := t.TempDir()
	enq := &recordingEnqueuer{fail: true}
	startWatcher(t, Options{Dir: dir, PeerID: testPeer, Debounce: 20 * time.Millisecond}, enq)

	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("one"), 0o644))
	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, enq.enqueued())

	enq.mu.Lock()
	enq.fail = false
	enq.mu.Unlock()
	require.NoError(t, os.WriteFile(path, []byte("two!"), 0o644))

	require.Eventually(t, func() bool { return len(enq.enqueued()) == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{PeerID: testPeer}, &recordingEnqueuer{}, nil)
	assert.Error(t, err)
	_, err = New(Options{Dir: t.TempDir()}, &recordingEnqueuer{}, nil)
	assert.Error(t, err)

	dir := filepath.Join(t.TempDir(), "created")
	w, err := New(Options{Dir: dir, PeerID: testPeer}, &recordingEnqueuer{}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultDebounce, w.opts.Debounce)
	assert.DirExists(t, dir)
}

func TestIgnored(t *testing.T) {
	tests := map[string]bool{
		"photo.jpg":           false,
		".DS_Store":           true,
		"notes.txt~":          true,
		"video.mp4.part":      true,
		"download.crdownload": true,
		"scratch.tmp":         true,
	}
	for name, want := range tests {
		if got := ignored(name); got != want {
			t.Errorf("ignored(%q) = %v, want %v", name, got, want)
		}
	}
}
