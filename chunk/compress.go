package chunk

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/opd-ai/ferry/limits"
)

// ErrDecompressedTooLarge indicates a compressed payload that expands beyond MaxChunkSize.
var ErrDecompressedTooLarge = errors.New("decompressed chunk exceeds maximum size")

// Compressor applies zstd to chunk payloads. EncodeAll/DecodeAll are safe for
// concurrent use, so one Compressor is shared by all transfers.
type Compressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewCompressor creates a compressor tuned for speed over ratio.
func NewCompressor() (*Compressor, error) {
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedFastest),
		zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(0),
		zstd.WithDecoderMaxMemory(uint64(limits.MaxChunkSize)*2))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Compressor{enc: enc, dec: dec}, nil
}

// CompressChunk returns a copy of fc whose payload is zstd-compressed. When
// compression does not shrink the payload the copy carries the raw bytes and
// Compressed stays false. The checksum always describes the raw bytes.
func (c *Compressor) CompressChunk(fc *FileChunk) *FileChunk {
	out := *fc
	out.buf = nil
	if fc.Compressed {
		return &out
	}

	compressed := c.enc.EncodeAll(fc.Data, make([]byte, 0, len(fc.Data)))
	if len(compressed) >= len(fc.Data) {
		return &out
	}
	out.Data = compressed
	out.Compressed = true
	return &out
}

// Decompress expands a zstd payload, refusing output larger than MaxChunkSize.
func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	out, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, err
	}
	if len(out) > limits.MaxChunkSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrDecompressedTooLarge, len(out))
	}
	return out, nil
}

// Close releases encoder and decoder resources.
func (c *Compressor) Close() {
	c.enc.Close()
	c.dec.Close()
}
