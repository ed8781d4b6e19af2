package checkpoint

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) (*Store, *mockTimeProvider) {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	log := logrus.New()
	log.SetOutput(io.Discard)

	tp := newMockTimeProvider()
	store := NewStore(db, DefaultMaxAge, log)
	store.SetTimeProvider(tp)
	return store, tp
}

func sampleCheckpoint(id string, total int) Checkpoint {
	return Checkpoint{
		TransferID:   id,
		FileID:       id,
		FileName:     "file.bin",
		TotalSize:    int64(total) * 4096,
		TotalChunks:  total,
		ChunkSize:    4096,
		IsOutgoing:   true,
		PeerID:       "peer-b",
		FileChecksum: "abc",
		Location:     "/tmp/file.bin",
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	req := require.New(t)
	store, tp := setupTestStore(t)

	req.NoError(store.Create(sampleCheckpoint("t1", 5)))

	cp, err := store.Get("t1")
	req.NoError(err)
	req.Equal("t1", cp.TransferID)
	req.Equal(5, cp.TotalChunks)
	req.Empty(cp.ConfirmedChunks)
	req.True(cp.CreatedAt.Equal(tp.Now()))
	req.True(cp.ExpiresAt.Equal(tp.Now().Add(DefaultMaxAge)))
}

func TestStore_CreateRejectsMissingID(t *testing.T) {
	store, _ := setupTestStore(t)
	assert.ErrorIs(t, store.Create(Checkpoint{}), ErrInvalidCheckpoint)
}

func TestStore_GetMissing(t *testing.T) {
	store, _ := setupTestStore(t)
	_, err := store.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_RestoreMissingChunks(t *testing.T) {
	req := require.New(t)
	store, _ := setupTestStore(t)

	req.NoError(store.Create(sampleCheckpoint("t1", 5)))
	req.NoError(store.Update("t1", []int{0, 1}))
	req.NoError(store.Update("t1", []int{3, 1}))

	missing, err := store.RestoreMissingChunks("t1")
	req.NoError(err)
	req.Equal([]int{2, 4}, missing)

	progress, err := store.GetProgress("t1")
	req.NoError(err)
	req.Equal(3, progress.Confirmed)
	req.Equal(5, progress.Total)
	req.InDelta(60.0, progress.Percentage, 0.001)
}

func TestStore_UpdateDropsOutOfRange(t *testing.T) {
	req := require.New(t)
	store, _ := setupTestStore(t)

	req.NoError(store.Create(sampleCheckpoint("t1", 3)))
	req.NoError(store.Update("t1", []int{-1, 2, 7, 2}))

	cp, err := store.Get("t1")
	req.NoError(err)
	req.Equal([]int{2}, cp.ConfirmedChunks)
}

func TestStore_UpdateMissing(t *testing.T) {
	store, _ := setupTestStore(t)
	assert.ErrorIs(t, store.Update("nope", []int{1}), ErrNotFound)
}

func TestStore_ExpiredTreatedAsAbsent(t *testing.T) {
	req := require.New(t)
	store, tp := setupTestStore(t)

	req.NoError(store.Create(sampleCheckpoint("t1", 5)))
	tp.advance(DefaultMaxAge + time.Second)

	_, err := store.Get("t1")
	req.ErrorIs(err, ErrNotFound)
	_, err = store.RestoreMissingChunks("t1")
	req.ErrorIs(err, ErrNotFound)
	req.ErrorIs(store.Update("t1", []int{1}), ErrNotFound)

	list, err := store.List()
	req.NoError(err)
	req.Empty(list)
}

func TestStore_UpdateExtendsExpiry(t *testing.T) {
	req := require.New(t)
	store, tp := setupTestStore(t)

	req.NoError(store.Create(sampleCheckpoint("t1", 5)))
	tp.advance(DefaultMaxAge - time.Hour)
	req.NoError(store.Update("t1", []int{0}))
	tp.advance(2 * time.Hour)

	_, err := store.Get("t1")
	req.NoError(err)
}

func TestStore_CleanupExpired(t *testing.T) {
	req := require.New(t)
	store, tp := setupTestStore(t)

	req.NoError(store.Create(sampleCheckpoint("old", 5)))
	tp.advance(5 * 24 * time.Hour)
	req.NoError(store.Create(sampleCheckpoint("fresh", 5)))
	tp.advance(3 * 24 * time.Hour)

	removed, err := store.CleanupExpired(DefaultMaxAge)
	req.NoError(err)
	req.Equal(1, removed)

	_, err = store.Get("old")
	req.ErrorIs(err, ErrNotFound)
	_, err = store.Get("fresh")
	req.NoError(err)
}

func TestStore_DeleteIdempotent(t *testing.T) {
	req := require.New(t)
	store, _ := setupTestStore(t)

	req.NoError(store.Create(sampleCheckpoint("t1", 5)))
	req.NoError(store.Delete("t1"))
	req.NoError(store.Delete("t1"))
	_, err := store.Get("t1")
	req.ErrorIs(err, ErrNotFound)
}

func TestStore_DeleteAllAndList(t *testing.T) {
	req := require.New(t)
	store, _ := setupTestStore(t)

	for _, id := range []string{"a", "b", "c"} {
		req.NoError(store.Create(sampleCheckpoint(id, 2)))
	}
	list, err := store.List()
	req.NoError(err)
	req.Len(list, 3)

	req.NoError(store.DeleteAll())
	list, err = store.List()
	req.NoError(err)
	req.Empty(list)
}

func TestStore_ConcurrentUpdatesPerKey(t *testing.T) {
	req := require.New(t)
	store, _ := setupTestStore(t)
	req.NoError(store.Create(sampleCheckpoint("t1", 100)))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			assert.NoError(t, store.Update("t1", []int{index}))
		}(i)
	}
	wg.Wait()

	missing, err := store.RestoreMissingChunks("t1")
	req.NoError(err)
	req.Empty(missing)
}

func TestCheckpoint_ProgressEmptyFile(t *testing.T) {
	cp := Checkpoint{TotalChunks: 0}
	assert.Equal(t, 100.0, cp.Progress().Percentage)
	assert.Empty(t, cp.MissingChunks())
}
