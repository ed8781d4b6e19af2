package transport

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/opd-ai/ferry/interfaces"
	"github.com/samber/lo"
)

// DefaultWindowSize is the number of chunks allowed in flight per transfer.
const DefaultWindowSize = 4

// DefaultAckTimeout is how long a chunk may stay unacknowledged before it is
// reported as timed out.
const DefaultAckTimeout = 30 * time.Second

// ErrWindowFull indicates that a transfer already has the maximum number of
// chunks in flight.
var ErrWindowFull = errors.New("sliding window full")

// Window tracks chunks in flight per transfer. Every transfer has its own
// lock; transfers never contend with each other.
type Window struct {
	size         int
	ackTimeout   time.Duration
	timeProvider interfaces.TimeProvider
	transfers    sync.Map // transferID -> *inflight
}

// inflight maps chunk index to send time. A zero time marks a reserved
// slot whose chunk has not left yet; it never times out.
type inflight struct {
	mu   sync.Mutex
	sent map[int]time.Time
}

// NewWindow creates a window tracker. Non-positive arguments select the defaults.
func NewWindow(size int, ackTimeout time.Duration) *Window {
	if size <= 0 {
		size = DefaultWindowSize
	}
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}
	return &Window{
		size:         size,
		ackTimeout:   ackTimeout,
		timeProvider: interfaces.DefaultTimeProvider{},
	}
}

// SetTimeProvider sets a custom time provider for deterministic testing.
func (w *Window) SetTimeProvider(tp interfaces.TimeProvider) {
	w.timeProvider = interfaces.OrDefault(tp)
}

// Size returns the per-transfer in-flight limit.
func (w *Window) Size() int {
	return w.size
}

func (w *Window) entry(transferID string) *inflight {
	if existing, ok := w.transfers.Load(transferID); ok {
		return existing.(*inflight)
	}
	actual, _ := w.transfers.LoadOrStore(transferID, &inflight{sent: make(map[int]time.Time)})
	return actual.(*inflight)
}

// CanSendMore reports whether another chunk may be put in flight.
func (w *Window) CanSendMore(transferID string) bool {
	return w.InFlight(transferID) < w.size
}

// InFlight returns the number of unacknowledged chunks of a transfer.
func (w *Window) InFlight(transferID string) int {
	existing, ok := w.transfers.Load(transferID)
	if !ok {
		return 0
	}
	e := existing.(*inflight)
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sent)
}

// Track reserves a slot for chunkIndex. The ACK timeout starts only when
// Touch stamps the actual send. Re-tracking an index already in flight
// clears its timestamp until the resend goes out. A new index is refused
// with ErrWindowFull when the window is full.
func (w *Window) Track(transferID string, chunkIndex int) error {
	e := w.entry(transferID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.sent[chunkIndex]; !ok && len(e.sent) >= w.size {
		return ErrWindowFull
	}
	e.sent[chunkIndex] = time.Time{}
	return nil
}

// Touch records chunkIndex as sent now. It reports false, and records
// nothing, when the index is no longer in flight.
func (w *Window) Touch(transferID string, chunkIndex int) bool {
	existing, ok := w.transfers.Load(transferID)
	if !ok {
		return false
	}
	e := existing.(*inflight)
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.sent[chunkIndex]; !ok {
		return false
	}
	e.sent[chunkIndex] = w.timeProvider.Now()
	return true
}

// Ack removes chunkIndex from flight and reports whether it was in flight.
func (w *Window) Ack(transferID string, chunkIndex int) bool {
	existing, ok := w.transfers.Load(transferID)
	if !ok {
		return false
	}
	e := existing.(*inflight)
	e.mu.Lock()
	defer e.mu.Unlock()

	_, was := e.sent[chunkIndex]
	delete(e.sent, chunkIndex)
	return was
}

// TimedOut returns, in increasing order, the sent indices older than the
// ACK timeout. Reserved slots still waiting to be sent are skipped.
func (w *Window) TimedOut(transferID string) []int {
	existing, ok := w.transfers.Load(transferID)
	if !ok {
		return nil
	}
	e := existing.(*inflight)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := w.timeProvider.Now()
	expired := lo.Keys(lo.PickBy(e.sent, func(_ int, sentAt time.Time) bool {
		return !sentAt.IsZero() && now.Sub(sentAt) > w.ackTimeout
	}))
	sort.Ints(expired)
	return expired
}

// Pending returns the in-flight indices in increasing order.
func (w *Window) Pending(transferID string) []int {
	existing, ok := w.transfers.Load(transferID)
	if !ok {
		return nil
	}
	e := existing.(*inflight)
	e.mu.Lock()
	defer e.mu.Unlock()

	indices := lo.Keys(e.sent)
	sort.Ints(indices)
	return indices
}

// Clear forgets all in-flight state of a transfer.
func (w *Window) Clear(transferID string) {
	w.transfers.Delete(transferID)
}
