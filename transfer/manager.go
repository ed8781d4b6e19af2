package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/opd-ai/ferry/checkpoint"
	"github.com/opd-ai/ferry/chunk"
	"github.com/opd-ai/ferry/interfaces"
	"github.com/opd-ai/ferry/limits"
	"github.com/opd-ai/ferry/progress"
	"github.com/opd-ai/ferry/transport"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultMaxRetries is how often one chunk may fail before the transfer fails.
	DefaultMaxRetries = 3
	// DefaultRetryBackoff is the fixed delay after a failed chunk send.
	DefaultRetryBackoff = time.Second
	// DefaultAutoSaveInterval is the number of confirmed chunks per checkpoint write.
	DefaultAutoSaveInterval = 10
	// DefaultPollInterval is how long the send loop waits on a full window
	// before checking for timed-out chunks again.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultCompletionTimeout bounds the wait for the receiver's completion
	// once every chunk is acknowledged.
	DefaultCompletionTimeout = time.Minute
	// DefaultDownloadDir is where accepted files land when no directory is given.
	DefaultDownloadDir = "downloads"
)

// Options configures a Manager.
type Options struct {
	ChunkSize        int
	MaxRetries       int
	RetryBackoff     time.Duration
	AutoSaveInterval int
	PollInterval     time.Duration
	ReadAheadDepth   int
	// CompletionTimeout fails a sender that hears nothing after its last ACK.
	CompletionTimeout time.Duration
	// MaxActive bounds live outgoing transfers, 0 for unlimited.
	MaxActive int
	// Compression enables zstd chunk payloads on outgoing transfers.
	Compression bool
	// AutoAccept accepts every valid offer into DownloadDir.
	AutoAccept  bool
	DownloadDir string
	// TempDir holds partial downloads, empty for DownloadDir/.partial.
	TempDir string
}

// DefaultOptions returns the default transfer configuration.
func DefaultOptions() Options {
	return Options{
		ChunkSize:         limits.DefaultChunkSize,
		MaxRetries:        DefaultMaxRetries,
		RetryBackoff:      DefaultRetryBackoff,
		AutoSaveInterval:  DefaultAutoSaveInterval,
		PollInterval:      DefaultPollInterval,
		ReadAheadDepth:    chunk.DefaultReadAheadDepth,
		CompletionTimeout: DefaultCompletionTimeout,
		DownloadDir:       DefaultDownloadDir,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.ChunkSize == 0 {
		o.ChunkSize = def.ChunkSize
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = def.MaxRetries
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = def.RetryBackoff
	}
	if o.AutoSaveInterval <= 0 {
		o.AutoSaveInterval = def.AutoSaveInterval
	}
	if o.PollInterval <= 0 {
		o.PollInterval = def.PollInterval
	}
	if o.ReadAheadDepth <= 0 {
		o.ReadAheadDepth = def.ReadAheadDepth
	}
	if o.CompletionTimeout <= 0 {
		o.CompletionTimeout = def.CompletionTimeout
	}
	if o.DownloadDir == "" {
		o.DownloadDir = def.DownloadDir
	}
	if o.TempDir == "" {
		o.TempDir = filepath.Join(o.DownloadDir, ".partial")
	}
	return o
}

// Manager owns the transfer state machine of one node. It drives one send
// loop per outgoing transfer, applies inbound protocol events and reports
// exactly one Result per transfer.
type Manager struct {
	tr      *transport.Transport
	store   *checkpoint.Store
	tracker *progress.Tracker
	chunker *chunk.Chunker
	opts    Options
	log     logrus.FieldLogger

	timeProvider interfaces.TimeProvider

	states  sync.Map // transferID -> State
	history sync.Map // transferID -> Result, failed or cancelled outgoing only

	listenersMu    sync.RWMutex
	resultHandlers []func(Result)
	offerHandlers  []func(Offer)

	wg sync.WaitGroup
}

// NewManager creates a manager. tr and store are required; a nil tracker or
// chunker gets a default instance and a nil logger falls back to the logrus
// standard logger.
func NewManager(tr *transport.Transport, store *checkpoint.Store, tracker *progress.Tracker, chunker *chunk.Chunker, opts Options, log logrus.FieldLogger) (*Manager, error) {
	if tr == nil || store == nil {
		return nil, errors.New("transfer manager needs a transport and a checkpoint store")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	opts = opts.withDefaults()
	if err := limits.ValidateChunkSize(opts.ChunkSize); err != nil {
		return nil, err
	}
	if tracker == nil {
		tracker = progress.NewTracker(progress.DefaultOptions(), log)
	}
	if chunker == nil {
		chunker = chunk.NewChunker(nil, log)
	}

	m := &Manager{
		tr:           tr,
		store:        store,
		tracker:      tracker,
		chunker:      chunker,
		opts:         opts,
		log:          log,
		timeProvider: interfaces.DefaultTimeProvider{},
	}

	log.WithFields(logrus.Fields{
		"function":    "NewManager",
		"local_id":    tr.LocalID(),
		"chunk_size":  opts.ChunkSize,
		"max_retries": opts.MaxRetries,
		"auto_accept": opts.AutoAccept,
	}).Info("Transfer manager created")
	return m, nil
}

// SetTimeProvider sets a custom time provider for deterministic testing.
func (m *Manager) SetTimeProvider(tp interfaces.TimeProvider) {
	m.timeProvider = interfaces.OrDefault(tp)
}

// Tracker returns the progress tracker fed by this manager.
func (m *Manager) Tracker() *progress.Tracker {
	return m.tracker
}

// Options returns the effective configuration.
func (m *Manager) Options() Options {
	return m.opts
}

// Subscribe registers fn for terminal results. Handlers run synchronously on
// the goroutine that finished the transfer and must not block.
func (m *Manager) Subscribe(fn func(Result)) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.resultHandlers = append(m.resultHandlers, fn)
}

// OnOffer registers fn for inbound offers that need a decision. It is not
// called for offers taken by AutoAccept.
func (m *Manager) OnOffer(fn func(Offer)) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.offerHandlers = append(m.offerHandlers, fn)
}

// Get returns a view of a live transfer.
func (m *Manager) Get(transferID string) (Info, bool) {
	st, ok := m.state(transferID)
	if !ok {
		return Info{}, false
	}
	return st.Info(), true
}

// ActiveTransfers returns every live transfer ordered by id.
func (m *Manager) ActiveTransfers() []Info {
	var out []Info
	m.states.Range(func(_, value any) bool {
		out = append(out, value.(State).Info())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].TransferID < out[j].TransferID })
	return out
}

// TransferringIDs returns the ids of transfers currently in TRANSFERRING.
func (m *Manager) TransferringIDs() []string {
	var ids []string
	m.states.Range(func(key, value any) bool {
		if value.(State).Status() == StatusTransferring {
			ids = append(ids, key.(string))
		}
		return true
	})
	sort.Strings(ids)
	return ids
}

func (m *Manager) state(transferID string) (State, bool) {
	v, ok := m.states.Load(transferID)
	if !ok {
		return nil, false
	}
	return v.(State), true
}

// Run applies inbound protocol events until ctx is done or the transport
// closes.
func (m *Manager) Run(ctx context.Context) error {
	m.log.WithFields(logrus.Fields{
		"function": "Run",
		"local_id": m.tr.LocalID(),
	}).Info("Transfer event loop started")

	for {
		select {
		case ev := <-m.tr.Events():
			m.dispatch(ctx, ev)
		case <-m.tr.Done():
			return transport.ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, ev transport.Event) {
	if req, ok := ev.(transport.RequestEvent); ok {
		m.handleRequest(ctx, req)
		return
	}

	st, ok := m.state(ev.TransferID())
	if !ok {
		m.handleUnknown(ctx, ev)
		return
	}
	if st.Peer() != ev.Peer() {
		m.log.WithFields(logrus.Fields{
			"function":    "dispatch",
			"transfer_id": ev.TransferID(),
			"from":        ev.Peer(),
			"peer":        st.Peer(),
		}).Warn("Ignoring event from a device that is not the transfer peer")
		return
	}

	switch s := st.(type) {
	case *Outgoing:
		m.dispatchOutgoing(ctx, s, ev)
	case *Incoming:
		m.dispatchIncoming(ctx, s, ev)
	}
}

func (m *Manager) dispatchOutgoing(ctx context.Context, o *Outgoing, ev transport.Event) {
	switch e := ev.(type) {
	case transport.AcceptEvent:
		m.onAccepted(o)
	case transport.RejectEvent:
		m.finish(o.ID(), StatusCancelled, fmt.Errorf("%w: %s", ErrRejected, e.Payload.Reason), KindCancelled, "")
	case transport.AckEvent:
		m.onAck(o, e.Ack)
	case transport.PauseEvent:
		m.pauseLocal(o)
	case transport.ResumeEvent:
		m.onResumeOutgoing(o, e.Payload.FromChunk)
	case transport.CancelEvent:
		m.finish(o.ID(), StatusCancelled, fmt.Errorf("%w by peer: %s", ErrCancelled, e.Payload.Reason), KindCancelled, "")
	case transport.CompleteEvent:
		m.finish(o.ID(), StatusCompleted, nil, KindNone, "")
	default:
		m.log.WithFields(logrus.Fields{
			"function":    "dispatchOutgoing",
			"transfer_id": o.ID(),
			"event":       fmt.Sprintf("%T", ev),
		}).Debug("Ignoring event for outgoing transfer")
	}
}

func (m *Manager) dispatchIncoming(ctx context.Context, in *Incoming, ev transport.Event) {
	switch e := ev.(type) {
	case transport.ChunkEvent:
		m.onChunk(ctx, in, &e.Chunk)
	case transport.PauseEvent:
		m.pauseLocal(in)
	case transport.ResumeEvent:
		m.onResumeIncoming(ctx, in)
	case transport.CancelEvent:
		m.finish(in.ID(), StatusCancelled, fmt.Errorf("%w by peer: %s", ErrCancelled, e.Payload.Reason), KindCancelled, "")
	default:
		m.log.WithFields(logrus.Fields{
			"function":    "dispatchIncoming",
			"transfer_id": in.ID(),
			"event":       fmt.Sprintf("%T", ev),
		}).Debug("Ignoring event for incoming transfer")
	}
}

// handleUnknown answers a resume for a transfer this node no longer knows
// with a cancel so the peer does not wait forever.
func (m *Manager) handleUnknown(ctx context.Context, ev transport.Event) {
	m.log.WithFields(logrus.Fields{
		"function":    "handleUnknown",
		"transfer_id": ev.TransferID(),
		"from":        ev.Peer(),
		"event":       fmt.Sprintf("%T", ev),
	}).Debug("Event for unknown transfer")

	if _, ok := ev.(transport.ResumeEvent); ok {
		if err := m.tr.SendCancel(ctx, ev.Peer(), ev.TransferID(), "unknown transfer"); err != nil {
			m.log.WithFields(logrus.Fields{
				"function":    "handleUnknown",
				"transfer_id": ev.TransferID(),
				"error":       err.Error(),
			}).Warn("Failed to cancel unknown transfer")
		}
	}
}

// PauseTransfer pauses a transferring transfer and tells the peer.
func (m *Manager) PauseTransfer(ctx context.Context, transferID string) error {
	st, ok := m.state(transferID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTransferNotFound, transferID)
	}
	if !m.pauseLocal(st) {
		return fmt.Errorf("%w: cannot pause %s in %s", ErrInvalidState, transferID, st.Status())
	}
	if err := m.tr.SendPause(ctx, st.Peer(), transferID); err != nil {
		m.log.WithFields(logrus.Fields{
			"function":    "PauseTransfer",
			"transfer_id": transferID,
			"error":       err.Error(),
		}).Warn("Paused locally, peer not notified")
	}
	return nil
}

// pauseLocal moves a TRANSFERRING transfer to PAUSED, stops its send loop and
// flushes its checkpoint batch. It reports whether the transfer was paused.
func (m *Manager) pauseLocal(st State) bool {
	var unsaved []int
	switch s := st.(type) {
	case *Outgoing:
		s.mu.Lock()
		if s.status != StatusTransferring {
			s.mu.Unlock()
			return false
		}
		s.status = StatusPaused
		if s.cancel != nil {
			s.cancel()
		}
		s.resend = nil
		unsaved, s.unsaved = s.unsaved, nil
		s.mu.Unlock()
		m.tr.ClearTransfer(s.ID())
	case *Incoming:
		s.mu.Lock()
		if s.status != StatusTransferring {
			s.mu.Unlock()
			return false
		}
		s.status = StatusPaused
		unsaved, s.unsaved = s.unsaved, nil
		s.mu.Unlock()
	}

	m.tracker.SetActive(st.ID(), false)
	m.saveCheckpoint(st.ID(), unsaved)

	m.log.WithFields(logrus.Fields{
		"function":    "pauseLocal",
		"transfer_id": st.ID(),
	}).Info("Transfer paused")
	return true
}

// ResumeTransfer continues a paused transfer. The receiver names its lowest
// missing chunk; the sender resends every unconfirmed chunk.
func (m *Manager) ResumeTransfer(ctx context.Context, transferID string) error {
	st, ok := m.state(transferID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTransferNotFound, transferID)
	}
	switch s := st.(type) {
	case *Outgoing:
		return m.resumeOutgoing(ctx, s)
	case *Incoming:
		return m.resumeIncoming(ctx, s)
	}
	return nil
}

// CancelTransfer aborts a live transfer and tells the peer.
func (m *Manager) CancelTransfer(ctx context.Context, transferID, reason string) error {
	st, ok := m.state(transferID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTransferNotFound, transferID)
	}
	if reason == "" {
		reason = "cancelled by user"
	}
	if err := m.tr.SendCancel(ctx, st.Peer(), transferID, reason); err != nil {
		m.log.WithFields(logrus.Fields{
			"function":    "CancelTransfer",
			"transfer_id": transferID,
			"error":       err.Error(),
		}).Warn("Cancelled locally, peer not notified")
	}
	m.finish(transferID, StatusCancelled, fmt.Errorf("%w: %s", ErrCancelled, reason), KindCancelled, "")
	return nil
}

// RetryTransfer starts a new attempt of a failed or cancelled outgoing
// transfer and returns the new transfer id.
func (m *Manager) RetryTransfer(ctx context.Context, transferID string) (string, error) {
	v, ok := m.history.Load(transferID)
	if !ok {
		if _, live := m.state(transferID); live {
			return "", fmt.Errorf("%w: %s is still active", ErrNotRetryable, transferID)
		}
		return "", fmt.Errorf("%w: %s", ErrNotRetryable, transferID)
	}
	prev := v.(Result)
	newID, err := m.SendFile(ctx, prev.PeerID, prev.Path)
	if err != nil {
		return "", err
	}
	m.history.Delete(transferID)

	m.log.WithFields(logrus.Fields{
		"function":        "RetryTransfer",
		"transfer_id":     transferID,
		"new_transfer_id": newID,
	}).Info("Transfer retried")
	return newID, nil
}

// finish removes a transfer and reports its result. Only the first call for
// an id has any effect.
func (m *Manager) finish(transferID string, status Status, err error, kind ErrorKind, path string) {
	v, ok := m.states.LoadAndDelete(transferID)
	if !ok {
		return
	}
	m.settle(v.(State), status, err, kind, path)
}

// settle tears down st and reports its result. The caller has removed st
// from the state table.
func (m *Manager) settle(st State, status Status, err error, kind ErrorKind, path string) {
	transferID := st.ID()
	res := Result{
		TransferID: transferID,
		Status:     status,
		PeerID:     st.Peer(),
		FileName:   st.Metadata().FileName,
		Path:       path,
		Err:        err,
		Kind:       kind,
		FinishedAt: m.timeProvider.Now(),
	}

	switch s := st.(type) {
	case *Outgoing:
		res.Direction = DirectionOutgoing
		res.Path = s.path
		s.mu.Lock()
		s.status = status
		if s.cancel != nil {
			s.cancel()
		}
		done := s.loopDone
		src := s.source
		s.source = nil
		s.mu.Unlock()
		closeAfter(done, src)
	case *Incoming:
		res.Direction = DirectionIncoming
		s.mu.Lock()
		s.status = status
		temp, tempPath := s.temp, s.tempPath
		s.temp = nil
		s.mu.Unlock()
		if temp != nil {
			temp.Close()
		}
		if tempPath != "" && status != StatusCompleted {
			if rmErr := os.Remove(tempPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				m.log.WithFields(logrus.Fields{
					"function":  "finish",
					"temp_path": tempPath,
					"error":     rmErr.Error(),
				}).Warn("Failed to remove temp file")
			}
		}
	}

	m.tr.ClearTransfer(transferID)
	m.tracker.Remove(transferID)
	if delErr := m.store.Delete(transferID); delErr != nil {
		m.log.WithFields(logrus.Fields{
			"function":    "finish",
			"transfer_id": transferID,
			"error":       delErr.Error(),
		}).Warn("Failed to delete checkpoint")
	}
	if res.Direction == DirectionOutgoing && (status == StatusFailed || status == StatusCancelled) {
		m.history.Store(transferID, res)
	}

	fields := logrus.Fields{
		"function":    "finish",
		"transfer_id": transferID,
		"direction":   res.Direction.String(),
		"status":      status.String(),
	}
	if err != nil {
		fields["error"] = err.Error()
		fields["kind"] = kind.String()
	}
	if status == StatusFailed {
		m.log.WithFields(fields).Error("Transfer failed")
	} else {
		m.log.WithFields(fields).Info("Transfer finished")
	}

	m.listenersMu.RLock()
	handlers := m.resultHandlers
	m.listenersMu.RUnlock()
	for _, h := range handlers {
		h(res)
	}
}

// closeAfter closes f once done is closed, or immediately when done is nil.
func closeAfter(done <-chan struct{}, f *os.File) {
	if f == nil {
		return
	}
	if done == nil {
		f.Close()
		return
	}
	go func() {
		<-done
		f.Close()
	}()
}

// saveCheckpoint persists a batch of confirmed chunks. Failures are logged
// and do not affect the transfer.
func (m *Manager) saveCheckpoint(transferID string, batch []int) {
	if len(batch) == 0 {
		return
	}
	if err := m.store.Update(transferID, batch); err != nil {
		m.log.WithFields(logrus.Fields{
			"function":    "saveCheckpoint",
			"transfer_id": transferID,
			"batch":       len(batch),
			"error":       err.Error(),
		}).Warn("Checkpoint update failed")
	}
}

// Close stops every send loop and closes file handles. Live transfers keep
// their checkpoints and temp files so Restore can pick them up later; no
// results are reported.
func (m *Manager) Close() error {
	m.states.Range(func(_, value any) bool {
		switch s := value.(type) {
		case *Outgoing:
			s.mu.Lock()
			if s.cancel != nil {
				s.cancel()
			}
			unsaved := s.unsaved
			s.unsaved = nil
			done, src := s.loopDone, s.source
			s.source = nil
			s.mu.Unlock()
			m.saveCheckpoint(s.ID(), unsaved)
			closeAfter(done, src)
		case *Incoming:
			s.mu.Lock()
			unsaved := s.unsaved
			s.unsaved = nil
			temp := s.temp
			s.temp = nil
			s.mu.Unlock()
			m.saveCheckpoint(s.ID(), unsaved)
			if temp != nil {
				temp.Close()
			}
		}
		return true
	})
	m.wg.Wait()

	m.log.WithFields(logrus.Fields{
		"function": "Close",
	}).Info("Transfer manager closed")
	return nil
}
