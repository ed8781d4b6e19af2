package chunk

import (
	"context"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// DefaultReadAheadDepth is the number of chunks prefetched ahead of the consumer.
const DefaultReadAheadDepth = 4

type readResult struct {
	chunk *FileChunk
	err   error
}

// ReadAhead prefetches chunks of one file in a background goroutine into a
// bounded queue. It has a single producer and a single consumer. Chunk
// buffers come from a BufferPool and go back through Release.
type ReadAhead struct {
	chunker     *Chunker
	r           io.ReaderAt
	transferID  string
	chunkSize   int
	totalChunks int
	indices     []int

	results chan readResult
	cancel  context.CancelFunc
	done    chan struct{}

	closeOnce sync.Once
}

// NewReadAhead starts prefetching the given chunk indices, in order, from r.
// depth bounds how many chunks may be buffered ahead of Next.
func NewReadAhead(ctx context.Context, c *Chunker, r io.ReaderAt, transferID string, chunkSize, totalChunks int, indices []int, depth int) *ReadAhead {
	if depth <= 0 {
		depth = DefaultReadAheadDepth
	}
	ctx, cancel := context.WithCancel(ctx)
	ra := &ReadAhead{
		chunker:     c,
		r:           r,
		transferID:  transferID,
		chunkSize:   chunkSize,
		totalChunks: totalChunks,
		indices:     append([]int(nil), indices...),
		results:     make(chan readResult, depth),
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go ra.produce(ctx)
	return ra
}

func (ra *ReadAhead) produce(ctx context.Context) {
	defer close(ra.done)
	defer close(ra.results)

	pool := ra.chunker.Pool()
	for _, index := range ra.indices {
		buf := pool.Get(ra.chunkSize)
		fc, err := ra.chunker.ReadChunkInto(ra.r, *buf, ra.transferID, index, ra.totalChunks)
		if err != nil {
			pool.Put(buf)
		} else {
			fc.buf = buf
		}

		select {
		case ra.results <- readResult{chunk: fc, err: err}:
		case <-ctx.Done():
			if fc != nil {
				ra.Release(fc)
			}
			return
		}

		if err != nil {
			ra.chunker.log.WithFields(logrus.Fields{
				"function":    "ReadAhead.produce",
				"transfer_id": ra.transferID,
				"chunk_index": index,
				"error":       err.Error(),
			}).Warn("Read-ahead stopped on read error")
			return
		}
	}
}

// Next returns the next prefetched chunk, io.EOF once every index has been
// delivered, or the read error that stopped prefetching.
func (ra *ReadAhead) Next(ctx context.Context) (*FileChunk, error) {
	select {
	case res, ok := <-ra.results:
		if !ok {
			return nil, io.EOF
		}
		return res.chunk, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns the chunk's buffer to the pool. The chunk's Data must not
// be used afterwards.
func (ra *ReadAhead) Release(fc *FileChunk) {
	if fc == nil || fc.buf == nil {
		return
	}
	ra.chunker.Pool().Put(fc.buf)
	fc.buf = nil
	fc.Data = nil
}

// Close stops the producer and recycles any chunks still queued.
func (ra *ReadAhead) Close() {
	ra.closeOnce.Do(func() {
		ra.cancel()
		for res := range ra.results {
			ra.Release(res.chunk)
		}
		<-ra.done
	})
}
