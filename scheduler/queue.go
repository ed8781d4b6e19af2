package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrItemNotFound indicates an unknown queue item.
var ErrItemNotFound = errors.New("queue item not found")

// ErrNotQueued indicates an item that is no longer waiting in the queue.
var ErrNotQueued = errors.New("queue item is not queued")

// ItemStatus is the scheduling state of a queue row.
type ItemStatus string

const (
	ItemQueued       ItemStatus = "queued"
	ItemTransferring ItemStatus = "transferring"
	ItemCompleted    ItemStatus = "completed"
	ItemFailed       ItemStatus = "failed"
	ItemCancelled    ItemStatus = "cancelled"
)

// IsFinal reports whether the row will not be scheduled again.
func (s ItemStatus) IsFinal() bool {
	return s == ItemCompleted || s == ItemFailed || s == ItemCancelled
}

// Priority orders queued items. Lower values are scheduled first.
type Priority int

const (
	PriorityHigh   Priority = 0
	PriorityNormal Priority = 1
	PriorityLow    Priority = 2

	// maxPriority bounds priorities to the three digits of the pending key.
	maxPriority = 999
)

// String returns the priority name, or its number outside the named range.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return strconv.Itoa(int(p))
	}
}

// ParsePriority accepts high, normal, low or a number in 0..999.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return PriorityHigh, nil
	case "normal", "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 || n > maxPriority {
		return 0, fmt.Errorf("unknown priority %q", s)
	}
	return Priority(n), nil
}

// QueueItem is one file waiting for, or holding, a transfer slot. It lives
// independently of the in-memory transfer and survives restarts.
type QueueItem struct {
	ID         string     `json:"id"`
	TransferID string     `json:"transferId,omitempty"`
	PeerID     string     `json:"peerId"`
	FilePath   string     `json:"filePath"`
	FileName   string     `json:"fileName"`
	Priority   Priority   `json:"priority"`
	Status     ItemStatus `json:"status"`
	RetryCount int        `json:"retryCount"`
	LastError  string     `json:"lastError,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	// NotBefore delays a retried item.
	NotBefore time.Time `json:"notBefore,omitempty"`
}

const (
	itemPrefix     = "queue:item:"
	pendingPrefix  = "queue:pending:"
	transferPrefix = "queue:transfer:"
)

func itemKey(id string) []byte {
	return []byte(itemPrefix + id)
}

// pendingKey sorts by priority, then creation time, then id.
func pendingKey(item *QueueItem) []byte {
	return []byte(fmt.Sprintf("%s%03d:%020d:%s", pendingPrefix, item.Priority, item.CreatedAt.UnixNano(), item.ID))
}

func transferKey(transferID string) []byte {
	return []byte(transferPrefix + transferID)
}

// Queue is the durable scheduling queue on BadgerDB. Every row is stored
// under queue:item:<id>; queued rows are also indexed under a pending key
// whose byte order is the scheduling order.
type Queue struct {
	db  *badger.DB
	log logrus.FieldLogger
}

// NewQueue creates a queue on db.
func NewQueue(db *badger.DB, log logrus.FieldLogger) *Queue {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Queue{db: db, log: log}
}

// Add inserts a new queued row. ID and CreatedAt are filled when empty.
func (q *Queue) Add(item QueueItem, now time.Time) (QueueItem, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.Priority < 0 || item.Priority > maxPriority {
		return QueueItem{}, fmt.Errorf("priority %d out of range", item.Priority)
	}
	item.Status = ItemQueued
	item.UpdatedAt = now

	err := q.db.Update(func(txn *badger.Txn) error {
		if err := setItem(txn, &item); err != nil {
			return err
		}
		return txn.Set(pendingKey(&item), []byte(item.ID))
	})
	if err != nil {
		return QueueItem{}, fmt.Errorf("enqueue %s: %w", item.FilePath, err)
	}

	q.log.WithFields(logrus.Fields{
		"function": "Add",
		"item_id":  item.ID,
		"file":     item.FileName,
		"priority": item.Priority,
	}).Debug("Item queued")
	return item, nil
}

func setItem(txn *badger.Txn, item *QueueItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return txn.Set(itemKey(item.ID), data)
}

func getItem(txn *badger.Txn, id string) (*QueueItem, error) {
	it, err := txn.Get(itemKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var item QueueItem
	err = it.Value(func(v []byte) error {
		return json.Unmarshal(v, &item)
	})
	if err != nil {
		return nil, fmt.Errorf("decode queue item %s: %w", id, err)
	}
	return &item, nil
}

// Get returns one row.
func (q *Queue) Get(id string) (*QueueItem, error) {
	var item *QueueItem
	err := q.db.View(func(txn *badger.Txn) error {
		var err error
		item, err = getItem(txn, id)
		return err
	})
	return item, err
}

// FindByTransfer returns the row that launched transferID.
func (q *Queue) FindByTransfer(transferID string) (*QueueItem, error) {
	var item *QueueItem
	err := q.db.View(func(txn *badger.Txn) error {
		ref, err := txn.Get(transferKey(transferID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: transfer %s", ErrItemNotFound, transferID)
		}
		if err != nil {
			return err
		}
		id, err := ref.ValueCopy(nil)
		if err != nil {
			return err
		}
		item, err = getItem(txn, string(id))
		return err
	})
	return item, err
}

// List returns every row ordered by creation time.
func (q *Queue) List() ([]QueueItem, error) {
	var items []QueueItem
	prefix := []byte(itemPrefix)
	err := q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(v []byte) error {
				var item QueueItem
				if err := json.Unmarshal(v, &item); err != nil {
					return fmt.Errorf("decode queue item: %w", err)
				}
				items = append(items, item)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

// NextReady returns the highest priority queued row whose NotBefore has
// passed, or nil when none is ready.
func (q *Queue) NextReady(now time.Time) (*QueueItem, error) {
	var next *QueueItem
	prefix := []byte(pendingPrefix)
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 16
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			item, err := getItem(txn, string(id))
			if err != nil {
				return err
			}
			if item.NotBefore.After(now) {
				continue
			}
			next = item
			return nil
		}
		return nil
	})
	return next, err
}

// Promote moves a queued row to transferring and records its transfer id.
// The pending delete and the row update happen in one transaction.
func (q *Queue) Promote(id, transferID string, now time.Time) error {
	return q.db.Update(func(txn *badger.Txn) error {
		item, err := getItem(txn, id)
		if err != nil {
			return err
		}
		if item.Status != ItemQueued {
			return fmt.Errorf("%w: %s is %s", ErrNotQueued, id, item.Status)
		}
		if err := txn.Delete(pendingKey(item)); err != nil {
			return err
		}
		item.Status = ItemTransferring
		item.TransferID = transferID
		item.UpdatedAt = now
		if err := txn.Set(transferKey(transferID), []byte(item.ID)); err != nil {
			return err
		}
		return setItem(txn, item)
	})
}

// Finish records a final status and removes the row from the pending index.
func (q *Queue) Finish(id string, status ItemStatus, lastError string, now time.Time) error {
	return q.db.Update(func(txn *badger.Txn) error {
		item, err := getItem(txn, id)
		if err != nil {
			return err
		}
		if item.Status == ItemQueued {
			if err := txn.Delete(pendingKey(item)); err != nil {
				return err
			}
		}
		item.Status = status
		item.LastError = lastError
		item.UpdatedAt = now
		return setItem(txn, item)
	})
}

// Requeue puts a row back into the queue, eligible again at notBefore.
// countRetry increments RetryCount.
func (q *Queue) Requeue(id string, notBefore time.Time, countRetry bool, lastError string, now time.Time) error {
	return q.db.Update(func(txn *badger.Txn) error {
		item, err := getItem(txn, id)
		if err != nil {
			return err
		}
		if item.TransferID != "" {
			if err := txn.Delete(transferKey(item.TransferID)); err != nil {
				return err
			}
		}
		item.Status = ItemQueued
		item.TransferID = ""
		item.NotBefore = notBefore
		item.LastError = lastError
		item.UpdatedAt = now
		if countRetry {
			item.RetryCount++
		}
		if err := setItem(txn, item); err != nil {
			return err
		}
		return txn.Set(pendingKey(item), []byte(item.ID))
	})
}

// Remove deletes a row and its index entries.
func (q *Queue) Remove(id string) error {
	return q.db.Update(func(txn *badger.Txn) error {
		item, err := getItem(txn, id)
		if err != nil {
			return err
		}
		if item.Status == ItemQueued {
			if err := txn.Delete(pendingKey(item)); err != nil {
				return err
			}
		}
		if item.TransferID != "" {
			if err := txn.Delete(transferKey(item.TransferID)); err != nil {
				return err
			}
		}
		return txn.Delete(itemKey(id))
	})
}

// Counts returns the number of rows per status.
func (q *Queue) Counts() (map[ItemStatus]int, error) {
	items, err := q.List()
	if err != nil {
		return nil, err
	}
	counts := make(map[ItemStatus]int)
	for _, item := range items {
		counts[item.Status]++
	}
	return counts, nil
}
