package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/opd-ai/ferry/interfaces"
	"github.com/opd-ai/ferry/transfer"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultMaxConcurrent bounds the number of transferring queue items.
	DefaultMaxConcurrent = 3
	// DefaultPassInterval is the period of the background scheduling pass.
	DefaultPassInterval = time.Second
	// DefaultRetryDelay delays a failed item before it is eligible again.
	DefaultRetryDelay = 5 * time.Second
	// DefaultMaxRetries is the retry budget of a queue item.
	DefaultMaxRetries = 3
)

// ErrDeferred is returned by a Launcher that cannot start a transfer yet,
// for example while the peer is offline. The item stays queued untouched.
var ErrDeferred = errors.New("launch deferred")

// Launcher starts and cancels transfers. *transfer.Manager implements it.
type Launcher interface {
	SendFile(ctx context.Context, peerID, path string) (string, error)
	CancelTransfer(ctx context.Context, transferID, reason string) error
	Get(transferID string) (transfer.Info, bool)
}

// Options tunes the scheduler.
type Options struct {
	MaxConcurrent int
	PassInterval  time.Duration
	RetryDelay    time.Duration
	MaxRetries    int
}

// DefaultOptions returns the standard scheduling parameters.
func DefaultOptions() Options {
	return Options{
		MaxConcurrent: DefaultMaxConcurrent,
		PassInterval:  DefaultPassInterval,
		RetryDelay:    DefaultRetryDelay,
		MaxRetries:    DefaultMaxRetries,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = d.MaxConcurrent
	}
	if o.PassInterval <= 0 {
		o.PassInterval = d.PassInterval
	}
	if o.RetryDelay < 0 {
		o.RetryDelay = d.RetryDelay
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = d.MaxRetries
	}
	return o
}

// Scheduler promotes queued items to live transfers while fewer than
// MaxConcurrent are transferring.
type Scheduler struct {
	queue    *Queue
	launcher Launcher
	opts     Options
	log      logrus.FieldLogger

	// passMu serializes passes. mu guards queue transitions and is never
	// held across a launcher call.
	passMu sync.Mutex
	mu     sync.Mutex
	// launching is set while a pass waits on SendFile. Results for unknown
	// transfers seen meanwhile are kept in early until the item is promoted.
	launching bool
	early     map[string]transfer.Result
	trigger   chan struct{}

	timeProvider interfaces.TimeProvider
}

// New creates a scheduler over queue using launcher.
func New(queue *Queue, launcher Launcher, opts Options, log logrus.FieldLogger) *Scheduler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Scheduler{
		queue:        queue,
		launcher:     launcher,
		opts:         opts.withDefaults(),
		log:          log,
		early:        make(map[string]transfer.Result),
		trigger:      make(chan struct{}, 1),
		timeProvider: interfaces.DefaultTimeProvider{},
	}
}

// SetTimeProvider replaces the clock used for retry delays.
func (s *Scheduler) SetTimeProvider(tp interfaces.TimeProvider) {
	s.timeProvider = interfaces.OrDefault(tp)
}

// Queue returns the underlying durable queue.
func (s *Scheduler) Queue() *Queue {
	return s.queue
}

// Enqueue adds one file for peerID and runs a scheduling pass.
func (s *Scheduler) Enqueue(ctx context.Context, peerID, path string, priority Priority) (QueueItem, error) {
	item, err := s.add(peerID, path, priority)
	if err != nil {
		return QueueItem{}, err
	}
	if _, err := s.Pass(ctx); err != nil {
		return item, err
	}
	return item, nil
}

// EnqueueAll adds several files for peerID and runs one scheduling pass.
func (s *Scheduler) EnqueueAll(ctx context.Context, peerID string, paths []string, priority Priority) ([]QueueItem, error) {
	items := make([]QueueItem, 0, len(paths))
	for _, path := range paths {
		item, err := s.add(peerID, path, priority)
		if err != nil {
			return items, err
		}
		items = append(items, item)
	}
	if _, err := s.Pass(ctx); err != nil {
		return items, err
	}
	return items, nil
}

func (s *Scheduler) add(peerID, path string, priority Priority) (QueueItem, error) {
	if peerID == "" {
		return QueueItem{}, fmt.Errorf("enqueue %s: empty peer id", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return QueueItem{}, fmt.Errorf("enqueue %s: %w", path, err)
	}
	return s.queue.Add(QueueItem{
		PeerID:   peerID,
		FilePath: abs,
		FileName: filepath.Base(abs),
		Priority: priority,
	}, s.timeProvider.Now())
}

// Trigger requests a pass from Run without blocking.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run executes a pass every PassInterval and whenever Trigger is called,
// until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.PassInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-s.trigger:
		}
		if _, err := s.Pass(ctx); err != nil {
			s.log.WithFields(logrus.Fields{
				"function": "Run",
				"error":    err.Error(),
			}).Warn("Scheduling pass failed")
		}
	}
}

// Pass promotes ready items, highest priority first, until MaxConcurrent
// items are transferring or none is ready. It returns the number promoted.
func (s *Scheduler) Pass(ctx context.Context) (int, error) {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	counts, err := s.queue.Counts()
	if err != nil {
		return 0, err
	}
	active := counts[ItemTransferring]
	promoted := 0
	// Items whose launch failed this pass are skipped until the next one.
	skipped := make(map[string]bool)

	for active < s.opts.MaxConcurrent {
		s.mu.Lock()
		item, err := s.nextReady(skipped)
		s.launching = err == nil && item != nil
		s.mu.Unlock()
		if err != nil {
			return promoted, err
		}
		if item == nil {
			break
		}

		transferID, err := s.launcher.SendFile(ctx, item.PeerID, item.FilePath)
		if err != nil {
			s.mu.Lock()
			s.endLaunchLocked()
			s.mu.Unlock()
		}
		if errors.Is(err, transfer.ErrCapacity) {
			s.log.WithFields(logrus.Fields{
				"function": "Pass",
				"item_id":  item.ID,
			}).Debug("Transfer manager at capacity, item stays queued")
			break
		}
		if errors.Is(err, ErrDeferred) {
			skipped[item.ID] = true
			s.log.WithFields(logrus.Fields{
				"function": "Pass",
				"item_id":  item.ID,
				"reason":   err.Error(),
			}).Debug("Launch deferred, item stays queued")
			continue
		}
		if err != nil {
			skipped[item.ID] = true
			s.mu.Lock()
			s.retryOrFail(item, err)
			s.mu.Unlock()
			continue
		}

		ok, err := s.promote(ctx, item, transferID)
		if err != nil {
			return promoted, err
		}
		if !ok {
			skipped[item.ID] = true
			continue
		}
		active++
		promoted++
	}
	return promoted, nil
}

// promote records the launched transfer on item and applies a result that
// arrived during the launch. It reports false when the item left the queue
// meanwhile; the orphaned transfer is then cancelled.
func (s *Scheduler) promote(ctx context.Context, item *QueueItem, transferID string) (bool, error) {
	s.mu.Lock()
	err := s.queue.Promote(item.ID, transferID, s.timeProvider.Now())
	res, early := s.early[transferID]
	s.endLaunchLocked()
	if err != nil {
		s.mu.Unlock()
		if !errors.Is(err, ErrNotQueued) {
			return false, err
		}
		s.log.WithFields(logrus.Fields{
			"function":    "promote",
			"item_id":     item.ID,
			"transfer_id": transferID,
		}).Info("Item left the queue during launch, cancelling transfer")
		if early {
			return false, nil
		}
		cancelErr := s.launcher.CancelTransfer(ctx, transferID, "queue item no longer queued")
		if cancelErr != nil && !errors.Is(cancelErr, transfer.ErrTransferNotFound) {
			return false, cancelErr
		}
		return false, nil
	}

	s.log.WithFields(logrus.Fields{
		"function":    "promote",
		"item_id":     item.ID,
		"transfer_id": transferID,
		"file":        item.FileName,
	}).Info("Queue item promoted")
	if early {
		s.applyResultLocked(res)
	}
	s.mu.Unlock()
	return true, nil
}

func (s *Scheduler) endLaunchLocked() {
	s.launching = false
	clear(s.early)
}

func (s *Scheduler) nextReady(skipped map[string]bool) (*QueueItem, error) {
	if len(skipped) == 0 {
		return s.queue.NextReady(s.timeProvider.Now())
	}
	items, err := s.queue.List()
	if err != nil {
		return nil, err
	}
	now := s.timeProvider.Now()
	ready := lo.Filter(items, func(it QueueItem, _ int) bool {
		return it.Status == ItemQueued && !skipped[it.ID] && !it.NotBefore.After(now)
	})
	if len(ready) == 0 {
		return nil, nil
	}
	best := lo.MinBy(ready, func(a, b QueueItem) bool {
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return &best, nil
}

// retryOrFail reschedules item after RetryDelay while its retry budget
// lasts, and marks it failed otherwise.
func (s *Scheduler) retryOrFail(item *QueueItem, cause error) {
	now := s.timeProvider.Now()
	fields := logrus.Fields{
		"function": "retryOrFail",
		"item_id":  item.ID,
		"retries":  item.RetryCount,
		"error":    cause.Error(),
	}
	if item.RetryCount < s.opts.MaxRetries {
		if err := s.queue.Requeue(item.ID, now.Add(s.opts.RetryDelay), true, cause.Error(), now); err != nil {
			fields["queue_error"] = err.Error()
			s.log.WithFields(fields).Error("Failed to reschedule item")
			return
		}
		s.log.WithFields(fields).Warn("Item rescheduled")
		return
	}
	if err := s.queue.Finish(item.ID, ItemFailed, cause.Error(), now); err != nil {
		fields["queue_error"] = err.Error()
		s.log.WithFields(fields).Error("Failed to record item failure")
		return
	}
	s.log.WithFields(fields).Error("Item failed, retries exhausted")
}

// HandleResult records the outcome of a transfer launched from the queue
// and requests a pass. Results for other transfers are ignored.
func (s *Scheduler) HandleResult(res transfer.Result) {
	if res.Direction != transfer.DirectionOutgoing {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyResultLocked(res)
}

func (s *Scheduler) applyResultLocked(res transfer.Result) {
	item, err := s.queue.FindByTransfer(res.TransferID)
	if err != nil {
		if s.launching && errors.Is(err, ErrItemNotFound) {
			s.early[res.TransferID] = res
		}
		return
	}
	if item.Status != ItemTransferring {
		return
	}

	now := s.timeProvider.Now()
	switch res.Status {
	case transfer.StatusCompleted:
		err = s.queue.Finish(item.ID, ItemCompleted, "", now)
	case transfer.StatusCancelled:
		err = s.queue.Finish(item.ID, ItemCancelled, errString(res.Err), now)
	default:
		cause := res.Err
		if cause == nil {
			cause = errors.New(res.Status.String())
		}
		s.retryOrFail(item, cause)
	}
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"function":    "HandleResult",
			"item_id":     item.ID,
			"transfer_id": res.TransferID,
			"error":       err.Error(),
		}).Error("Failed to record transfer result")
	}
	s.Trigger()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Cancel cancels a queue item. A queued item is only marked cancelled; a
// transferring item also has its live transfer cancelled.
func (s *Scheduler) Cancel(ctx context.Context, itemID string) error {
	item, err := s.queue.Get(itemID)
	if err != nil {
		return err
	}
	if item.Status.IsFinal() {
		return fmt.Errorf("%w: %s is %s", ErrNotQueued, itemID, item.Status)
	}

	if item.Status == ItemTransferring && item.TransferID != "" {
		// The result handler marks the row; the launcher must not be called
		// with mu held.
		err := s.launcher.CancelTransfer(ctx, item.TransferID, "cancelled from queue")
		if err != nil && !errors.Is(err, transfer.ErrTransferNotFound) {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.queue.Get(itemID)
	if err != nil {
		return err
	}
	if !current.Status.IsFinal() {
		if err := s.queue.Finish(itemID, ItemCancelled, "cancelled", s.timeProvider.Now()); err != nil {
			return err
		}
	}
	s.log.WithFields(logrus.Fields{
		"function": "Cancel",
		"item_id":  itemID,
	}).Info("Queue item cancelled")
	s.Trigger()
	return nil
}

// Recover returns transferring items whose transfer is no longer live to the
// queue. It is run at startup, after the transfer manager restored its
// checkpoints.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.queue.List()
	if err != nil {
		return 0, err
	}
	stuck := lo.Filter(items, func(it QueueItem, _ int) bool {
		if it.Status != ItemTransferring {
			return false
		}
		_, live := s.launcher.Get(it.TransferID)
		return !live
	})

	now := s.timeProvider.Now()
	for _, it := range stuck {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := s.queue.Requeue(it.ID, now, false, it.LastError, now); err != nil {
			return 0, err
		}
	}
	if len(stuck) > 0 {
		s.log.WithFields(logrus.Fields{
			"function": "Recover",
			"count":    len(stuck),
		}).Info("Requeued interrupted items")
	}
	return len(stuck), nil
}
