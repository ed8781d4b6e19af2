package chunk

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadAhead_DeliversIndicesInOrder(t *testing.T) {
	c := newTestChunker()
	path, data := writeRandomFile(t, t.TempDir(), testFileSize10K)
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	total := TotalChunks(int64(len(data)), testChunkSize)
	ra := NewReadAhead(context.Background(), c, f, testTransferID, testChunkSize, total, []int{0, 2}, 1)
	defer ra.Close()

	ctx := context.Background()
	first, err := ra.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, first.ChunkIndex)
	assert.Equal(t, data[:testChunkSize], first.Data)
	ra.Release(first)
	assert.Nil(t, first.Data)

	second, err := ra.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, second.ChunkIndex)
	assert.Equal(t, 2048, second.ChunkSize)
	ra.Release(second)

	_, err = ra.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadAhead_CloseStopsProducer(t *testing.T) {
	c := newTestChunker()
	path, data := writeRandomFile(t, t.TempDir(), 20*testChunkSize)
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	total := TotalChunks(int64(len(data)), testChunkSize)
	indices := make([]int, total)
	for i := range indices {
		indices[i] = i
	}
	ra := NewReadAhead(context.Background(), c, f, testTransferID, testChunkSize, total, indices, 2)

	done := make(chan struct{})
	go func() {
		ra.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}

	stats := c.Pool().Stats()
	assert.LessOrEqual(t, stats.Allocations, int64(total))
}

func TestReadAhead_NextHonoursContext(t *testing.T) {
	c := newTestChunker()
	path, _ := writeRandomFile(t, t.TempDir(), testFileSize10K)
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	ra := NewReadAhead(context.Background(), c, f, testTransferID, testChunkSize, 3, nil, 1)
	defer ra.Close()

	_, err = ra.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestBufferPool_ReusesBuffers(t *testing.T) {
	p := NewBufferPool()
	buf := p.Get(1024)
	require.Len(t, *buf, 1024)
	p.Put(buf)

	again := p.Get(1024)
	assert.Len(t, *again, 1024)
	stats := p.Stats()
	assert.Equal(t, int64(2), stats.Gets)
	assert.Equal(t, int64(1), stats.Puts)

	other := p.Get(2048)
	assert.Len(t, *other, 2048)
	p.Put(nil)
}
