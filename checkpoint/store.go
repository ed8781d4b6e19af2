package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/opd-ai/ferry/interfaces"
	"github.com/sirupsen/logrus"
)

// DefaultMaxAge is how long a checkpoint stays resumable after its last update.
const DefaultMaxAge = 7 * 24 * time.Hour

// DefaultSweepInterval is the period of the expiry sweeper.
const DefaultSweepInterval = time.Hour

const keyPrefix = "checkpoint:"

// ErrNotFound indicates that no resumable checkpoint exists for a transfer.
var ErrNotFound = errors.New("checkpoint not found")

// ErrInvalidCheckpoint indicates a checkpoint missing its identity or shape.
var ErrInvalidCheckpoint = errors.New("invalid checkpoint")

// Store persists checkpoints in BadgerDB, one row per transfer.
// Read-modify-write cycles are serialized per transfer id.
type Store struct {
	db           *badger.DB
	log          logrus.FieldLogger
	timeProvider interfaces.TimeProvider
	maxAge       time.Duration
	locks        sync.Map // transferID -> *sync.Mutex
}

// NewStore creates a store over an open database. maxAge <= 0 selects DefaultMaxAge.
func NewStore(db *badger.DB, maxAge time.Duration, log logrus.FieldLogger) *Store {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Store{
		db:           db,
		log:          log,
		timeProvider: interfaces.DefaultTimeProvider{},
		maxAge:       maxAge,
	}
}

// SetTimeProvider sets a custom time provider for deterministic testing.
func (s *Store) SetTimeProvider(tp interfaces.TimeProvider) {
	s.timeProvider = interfaces.OrDefault(tp)
}

func key(transferID string) []byte {
	return []byte(keyPrefix + transferID)
}

func (s *Store) lock(transferID string) func() {
	m, _ := s.locks.LoadOrStore(transferID, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Create stores a new checkpoint, replacing any previous row for the same
// transfer. CreatedAt, UpdatedAt and ExpiresAt are set from the store clock.
func (s *Store) Create(cp Checkpoint) error {
	if cp.TransferID == "" || cp.TotalChunks < 0 {
		return fmt.Errorf("%w: transfer id %q, total chunks %d", ErrInvalidCheckpoint, cp.TransferID, cp.TotalChunks)
	}
	unlock := s.lock(cp.TransferID)
	defer unlock()

	now := s.timeProvider.Now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	cp.ExpiresAt = now.Add(s.maxAge)
	cp.ConfirmedChunks = normalizeChunks(cp.ConfirmedChunks, cp.TotalChunks)

	if err := s.put(&cp); err != nil {
		return err
	}

	s.log.WithFields(logrus.Fields{
		"function":     "Create",
		"transfer_id":  cp.TransferID,
		"outgoing":     cp.IsOutgoing,
		"total_chunks": cp.TotalChunks,
		"confirmed":    len(cp.ConfirmedChunks),
	}).Debug("Checkpoint created")
	return nil
}

// Update merges a batch of newly confirmed chunk indices into the checkpoint
// and extends its expiry.
func (s *Store) Update(transferID string, confirmed []int) error {
	unlock := s.lock(transferID)
	defer unlock()

	cp, err := s.load(transferID)
	if err != nil {
		return err
	}
	now := s.timeProvider.Now()
	if cp.Expired(now) {
		return fmt.Errorf("%w: %s expired", ErrNotFound, transferID)
	}

	cp.ConfirmedChunks = normalizeChunks(append(cp.ConfirmedChunks, confirmed...), cp.TotalChunks)
	cp.UpdatedAt = now
	cp.ExpiresAt = now.Add(s.maxAge)

	if err := s.put(cp); err != nil {
		return err
	}

	s.log.WithFields(logrus.Fields{
		"function":    "Update",
		"transfer_id": transferID,
		"batch":       len(confirmed),
		"confirmed":   len(cp.ConfirmedChunks),
		"total":       cp.TotalChunks,
	}).Debug("Checkpoint updated")
	return nil
}

// Get returns the checkpoint for a transfer. Expired checkpoints are treated
// as absent.
func (s *Store) Get(transferID string) (*Checkpoint, error) {
	cp, err := s.load(transferID)
	if err != nil {
		return nil, err
	}
	if cp.Expired(s.timeProvider.Now()) {
		return nil, fmt.Errorf("%w: %s expired", ErrNotFound, transferID)
	}
	return cp, nil
}

// Delete removes a checkpoint. Deleting a missing checkpoint is not an error.
func (s *Store) Delete(transferID string) error {
	unlock := s.lock(transferID)
	defer unlock()

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(transferID))
	})
	if err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", transferID, err)
	}
	return nil
}

// DeleteAll removes every checkpoint.
func (s *Store) DeleteAll() error {
	if err := s.db.DropPrefix([]byte(keyPrefix)); err != nil {
		return fmt.Errorf("delete all checkpoints: %w", err)
	}
	s.log.WithFields(logrus.Fields{
		"function": "DeleteAll",
	}).Info("All checkpoints deleted")
	return nil
}

// List returns all resumable checkpoints.
func (s *Store) List() ([]Checkpoint, error) {
	now := s.timeProvider.Now()
	var out []Checkpoint
	err := s.scan(func(cp *Checkpoint) {
		if !cp.Expired(now) {
			out = append(out, *cp)
		}
	})
	return out, err
}

// CleanupExpired deletes checkpoints whose expiry has passed or that have not
// been updated for maxAge. It returns how many rows were removed.
func (s *Store) CleanupExpired(maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = s.maxAge
	}
	now := s.timeProvider.Now()

	var stale []string
	if err := s.scan(func(cp *Checkpoint) {
		if cp.Expired(now) || now.Sub(cp.UpdatedAt) >= maxAge {
			stale = append(stale, cp.TransferID)
		}
	}); err != nil {
		return 0, err
	}

	for _, id := range stale {
		if err := s.Delete(id); err != nil {
			return 0, err
		}
	}

	if len(stale) > 0 {
		s.log.WithFields(logrus.Fields{
			"function": "CleanupExpired",
			"removed":  len(stale),
			"max_age":  maxAge,
		}).Info("Expired checkpoints removed")
	}
	return len(stale), nil
}

// RestoreMissingChunks returns the sorted indices of chunks not yet confirmed.
func (s *Store) RestoreMissingChunks(transferID string) ([]int, error) {
	cp, err := s.Get(transferID)
	if err != nil {
		return nil, err
	}
	return cp.MissingChunks(), nil
}

// GetProgress returns confirmed/total counts for a transfer.
func (s *Store) GetProgress(transferID string) (Progress, error) {
	cp, err := s.Get(transferID)
	if err != nil {
		return Progress{}, err
	}
	return cp.Progress(), nil
}

// RunSweeper calls CleanupExpired every interval until ctx is cancelled.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.CleanupExpired(s.maxAge); err != nil {
				s.log.WithFields(logrus.Fields{
					"function": "RunSweeper",
					"error":    err.Error(),
				}).Warn("Checkpoint sweep failed")
			}
		}
	}
}

func (s *Store) put(cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", cp.TransferID, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(cp.TransferID), data)
	})
	if err != nil {
		return fmt.Errorf("store checkpoint %s: %w", cp.TransferID, err)
	}
	return nil
}

func (s *Store) load(transferID string) (*Checkpoint, error) {
	var cp Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(transferID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, transferID)
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &cp)
		})
	})
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *Store) scan(fn func(cp *Checkpoint)) error {
	prefix := []byte(keyPrefix)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var cp Checkpoint
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &cp)
			}); err != nil {
				return fmt.Errorf("decode checkpoint %s: %w", it.Item().Key(), err)
			}
			fn(&cp)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan checkpoints: %w", err)
	}
	return nil
}
