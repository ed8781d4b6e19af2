// Package chunk splits files into fixed-size, SHA-256 checksummed byte ranges
// and reassembles them at the receiving end.
//
// # Chunker
//
// A file of fileSize bytes split with nominal chunkSize has
// TotalChunks(fileSize, chunkSize) chunks. Chunk i covers the bytes at
// offset i*chunkSize; only the last chunk may be shorter.
//
//	c := chunk.NewChunker(nil, logger)
//	fc, err := c.ReadChunk(src, transferID, 2, 64*1024, total)
//	err = c.WriteChunk(fc, dst) // verifies fc.ChunkChecksum first
//
// WriteChunk writes by absolute offset, so chunks may arrive in any order and
// a duplicate chunk simply rewrites identical bytes. A checksum mismatch is
// returned as ErrChecksumMismatch without touching the destination; retry
// policy belongs to the caller.
//
// FinalizeTempFile moves a completed temp file into its destination directory
// without ever overwriting an existing file; collisions get a counter suffix.
//
// # Compression
//
// Compressor wraps zstd. CompressChunk keeps the checksum of the raw payload
// so integrity is always verified after decompression.
//
// # Buffers and Read-Ahead
//
// BufferPool keeps one sync.Pool per buffer size. ReadAhead prefetches chunks
// in a background goroutine into a bounded queue and recycles their buffers
// through Release:
//
//	ra := chunk.NewReadAhead(ctx, c, src, id, size, total, indices, 4)
//	defer ra.Close()
//	for {
//	    fc, err := ra.Next(ctx)
//	    if err == io.EOF {
//	        break
//	    }
//	    send(fc)
//	    ra.Release(fc)
//	}
package chunk
