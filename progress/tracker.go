package progress

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/opd-ai/ferry/interfaces"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultMaxSamples is the length of the rolling speed window.
	DefaultMaxSamples = 10
	// DefaultSampleInterval is the minimum spacing between two samples.
	DefaultSampleInterval = 100 * time.Millisecond
	// DefaultSnapshotInterval is the minimum spacing between two published
	// snapshots of one transfer.
	DefaultSnapshotInterval = 250 * time.Millisecond
)

// UnknownETA is returned when no estimate is possible.
const UnknownETA = -1

// Options configures a Tracker.
type Options struct {
	MaxSamples       int
	SampleInterval   time.Duration
	SnapshotInterval time.Duration
}

// DefaultOptions returns the default sampling configuration.
func DefaultOptions() Options {
	return Options{
		MaxSamples:       DefaultMaxSamples,
		SampleInterval:   DefaultSampleInterval,
		SnapshotInterval: DefaultSnapshotInterval,
	}
}

// Snapshot is a point-in-time view of one transfer's progress.
type Snapshot struct {
	TransferID       string
	FileName         string
	Outgoing         bool
	BytesTransferred int64
	TotalBytes       int64
	ChunksDone       int
	TotalChunks      int
	Percentage       float64
	// Speed is in bytes per second.
	Speed float64
	// ETASeconds is the estimated time remaining, UnknownETA when the
	// transfer is not active or has no measurable speed.
	ETASeconds int64
	Active     bool
	UpdatedAt  time.Time
}

// Listener receives rate-limited snapshots.
type Listener func(Snapshot)

type sample struct {
	bytes int64
	at    time.Time
}

type entry struct {
	mu          sync.Mutex
	fileName    string
	outgoing    bool
	totalBytes  int64
	totalChunks int
	bytes       int64
	chunks      int
	active      bool
	samples     []sample
	lastEmit    time.Time
	updatedAt   time.Time
}

// Tracker keeps live counters per transfer and derives speed and ETA from a
// rolling sample window. Entries are locked individually.
type Tracker struct {
	opts         Options
	timeProvider interfaces.TimeProvider
	log          logrus.FieldLogger

	entries sync.Map // transferID -> *entry

	listenersMu sync.RWMutex
	listeners   []Listener
}

// NewTracker creates a tracker. Zero option fields select the defaults.
func NewTracker(opts Options, log logrus.FieldLogger) *Tracker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	def := DefaultOptions()
	if opts.MaxSamples < 2 {
		opts.MaxSamples = def.MaxSamples
	}
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = def.SampleInterval
	}
	if opts.SnapshotInterval <= 0 {
		opts.SnapshotInterval = def.SnapshotInterval
	}
	return &Tracker{
		opts:         opts,
		timeProvider: interfaces.DefaultTimeProvider{},
		log:          log,
	}
}

// SetTimeProvider sets a custom time provider for deterministic testing.
func (t *Tracker) SetTimeProvider(tp interfaces.TimeProvider) {
	t.timeProvider = interfaces.OrDefault(tp)
}

// OnProgress registers a listener for rate-limited snapshots. Listeners are
// called synchronously and must not block.
func (t *Tracker) OnProgress(l Listener) {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	t.listeners = append(t.listeners, l)
}

// Start begins tracking a transfer, replacing any previous entry.
// bytesDone and chunksDone seed a resumed transfer.
func (t *Tracker) Start(transferID, fileName string, outgoing bool, totalBytes int64, totalChunks int, bytesDone int64, chunksDone int) {
	now := t.timeProvider.Now()
	t.entries.Store(transferID, &entry{
		fileName:    fileName,
		outgoing:    outgoing,
		totalBytes:  totalBytes,
		totalChunks: totalChunks,
		bytes:       bytesDone,
		chunks:      chunksDone,
		updatedAt:   now,
	})
	t.log.WithFields(logrus.Fields{
		"function":    "Start",
		"transfer_id": transferID,
		"total_bytes": totalBytes,
	}).Debug("Tracking progress")
}

func (t *Tracker) load(transferID string) *entry {
	e, ok := t.entries.Load(transferID)
	if !ok {
		return nil
	}
	return e.(*entry)
}

// SetActive marks a transfer as actively moving bytes. Activation starts a
// fresh sample window so paused time never dilutes the speed.
func (t *Tracker) SetActive(transferID string, active bool) {
	e := t.load(transferID)
	if e == nil {
		return
	}
	now := t.timeProvider.Now()

	e.mu.Lock()
	changed := e.active != active
	e.active = active
	if active && changed {
		e.samples = []sample{{bytes: e.bytes, at: now}}
	}
	e.updatedAt = now
	var snap Snapshot
	if changed {
		e.lastEmit = now
		snap = t.snapshotLocked(transferID, e)
	}
	e.mu.Unlock()

	if changed {
		t.publish(snap)
	}
}

// Update sets the absolute counters of a transfer.
func (t *Tracker) Update(transferID string, bytesTransferred int64, chunksDone int) {
	e := t.load(transferID)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.bytes = bytesTransferred
	e.chunks = chunksDone
	snap, emit := t.afterUpdateLocked(transferID, e)
	e.mu.Unlock()

	if emit {
		t.publish(snap)
	}
}

// AddChunk records one more completed chunk of n bytes.
func (t *Tracker) AddChunk(transferID string, n int64) {
	e := t.load(transferID)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.bytes += n
	e.chunks++
	snap, emit := t.afterUpdateLocked(transferID, e)
	e.mu.Unlock()

	if emit {
		t.publish(snap)
	}
}

func (t *Tracker) afterUpdateLocked(transferID string, e *entry) (Snapshot, bool) {
	now := t.timeProvider.Now()
	e.updatedAt = now

	if n := len(e.samples); n == 0 || now.Sub(e.samples[n-1].at) >= t.opts.SampleInterval {
		e.samples = append(e.samples, sample{bytes: e.bytes, at: now})
		if len(e.samples) > t.opts.MaxSamples {
			e.samples = e.samples[len(e.samples)-t.opts.MaxSamples:]
		}
	}

	done := e.totalChunks > 0 && e.chunks >= e.totalChunks
	if !done && !e.lastEmit.IsZero() && now.Sub(e.lastEmit) < t.opts.SnapshotInterval {
		return Snapshot{}, false
	}
	e.lastEmit = now
	return t.snapshotLocked(transferID, e), true
}

func (t *Tracker) publish(s Snapshot) {
	t.listenersMu.RLock()
	listeners := t.listeners
	t.listenersMu.RUnlock()
	for _, l := range listeners {
		l(s)
	}
}

func speedOf(e *entry) float64 {
	if !e.active || len(e.samples) < 2 {
		return 0
	}
	first, last := e.samples[0], e.samples[len(e.samples)-1]
	elapsedMs := last.at.Sub(first.at).Milliseconds()
	if elapsedMs <= 0 {
		return 0
	}
	return float64(last.bytes-first.bytes) * 1000 / float64(elapsedMs)
}

func etaOf(e *entry, speed float64) int64 {
	if !e.active || speed <= 0 {
		return UnknownETA
	}
	remaining := e.totalBytes - e.bytes
	if remaining <= 0 {
		return 0
	}
	return int64(math.Ceil(float64(remaining) / speed))
}

func (t *Tracker) snapshotLocked(transferID string, e *entry) Snapshot {
	speed := speedOf(e)
	pct := 100.0
	if e.totalBytes > 0 {
		pct = float64(e.bytes) * 100 / float64(e.totalBytes)
	}
	return Snapshot{
		TransferID:       transferID,
		FileName:         e.fileName,
		Outgoing:         e.outgoing,
		BytesTransferred: e.bytes,
		TotalBytes:       e.totalBytes,
		ChunksDone:       e.chunks,
		TotalChunks:      e.totalChunks,
		Percentage:       pct,
		Speed:            speed,
		ETASeconds:       etaOf(e, speed),
		Active:           e.active,
		UpdatedAt:        e.updatedAt,
	}
}

// Speed returns the current throughput of a transfer in bytes per second.
func (t *Tracker) Speed(transferID string) float64 {
	e := t.load(transferID)
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return speedOf(e)
}

// ETA returns the estimated seconds remaining, or UnknownETA.
func (t *Tracker) ETA(transferID string) int64 {
	e := t.load(transferID)
	if e == nil {
		return UnknownETA
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return etaOf(e, speedOf(e))
}

// Snapshot returns the current, unthrottled view of a transfer.
func (t *Tracker) Snapshot(transferID string) (Snapshot, bool) {
	e := t.load(transferID)
	if e == nil {
		return Snapshot{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return t.snapshotLocked(transferID, e), true
}

// All returns snapshots of every tracked transfer ordered by id.
func (t *Tracker) All() []Snapshot {
	var out []Snapshot
	t.entries.Range(func(key, value any) bool {
		e := value.(*entry)
		e.mu.Lock()
		out = append(out, t.snapshotLocked(key.(string), e))
		e.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].TransferID < out[j].TransferID })
	return out
}

// Remove stops tracking a transfer.
func (t *Tracker) Remove(transferID string) {
	t.entries.Delete(transferID)
}
