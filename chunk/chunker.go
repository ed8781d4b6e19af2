package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/opd-ai/ferry/limits"
	"github.com/sirupsen/logrus"
)

// ErrChecksumMismatch indicates that chunk or file content does not hash to the expected value.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// ErrChunkOutOfRange indicates a chunk index outside [0, totalChunks).
var ErrChunkOutOfRange = errors.New("chunk index out of range")

// ErrInvalidChunk indicates a chunk whose declared size or offset is inconsistent.
var ErrInvalidChunk = errors.New("invalid chunk")

// ErrDirectoryTraversal indicates an attempt to access files outside allowed directories.
var ErrDirectoryTraversal = errors.New("path contains directory traversal")

// checksumBufferSize is the streaming buffer used for whole-file hashing.
const checksumBufferSize = 64 * 1024

// FileChunk is one fixed-offset byte range of a file together with the
// SHA-256 of its uncompressed payload.
type FileChunk struct {
	TransferID    string `json:"transferId"`
	ChunkIndex    int    `json:"chunkIndex"`
	TotalChunks   int    `json:"totalChunks"`
	Offset        int64  `json:"offset"`
	Data          []byte `json:"data"`
	Compressed    bool   `json:"compressed"`
	ChunkChecksum string `json:"chunkChecksum"`
	ChunkSize     int    `json:"chunkSize"`

	buf *[]byte
}

// TotalChunks returns ceil(fileSize/chunkSize). An empty file has no chunks.
func TotalChunks(fileSize int64, chunkSize int) int {
	if fileSize <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((fileSize + int64(chunkSize) - 1) / int64(chunkSize))
}

// ChecksumChunk returns the hex SHA-256 of data.
func ChecksumChunk(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Chunker splits files into checksummed chunks and reassembles them.
// All file access is streaming through io.ReaderAt / io.WriterAt.
type Chunker struct {
	log  logrus.FieldLogger
	pool *BufferPool

	compressorOnce sync.Once
	compressor     *Compressor
	compressorErr  error
}

// NewChunker creates a chunker. A nil pool gets a private BufferPool and a nil
// logger falls back to the logrus standard logger.
func NewChunker(pool *BufferPool, log logrus.FieldLogger) *Chunker {
	if pool == nil {
		pool = NewBufferPool()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Chunker{log: log, pool: pool}
}

// Pool returns the buffer pool shared by this chunker.
func (c *Chunker) Pool() *BufferPool {
	return c.pool
}

// Compressor returns the shared zstd compressor, creating it on first use.
func (c *Chunker) Compressor() (*Compressor, error) {
	c.compressorOnce.Do(func() {
		c.compressor, c.compressorErr = NewCompressor()
	})
	return c.compressor, c.compressorErr
}

// ChecksumFile streams r through SHA-256 and returns the hex digest.
func (c *Chunker) ChecksumFile(r io.Reader) (string, error) {
	buf := c.pool.Get(checksumBufferSize)
	defer c.pool.Put(buf)

	h := sha256.New()
	if _, err := io.CopyBuffer(h, r, *buf); err != nil {
		return "", fmt.Errorf("checksum file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyFileChecksum reports whether r hashes to expected.
func (c *Chunker) VerifyFileChecksum(r io.Reader, expected string) (bool, error) {
	actual, err := c.ChecksumFile(r)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(actual, expected), nil
}

// ReadChunk reads chunk index of a file split into chunkSize pieces. The last
// chunk is trimmed to the bytes remaining in the file.
func (c *Chunker) ReadChunk(r io.ReaderAt, transferID string, index, chunkSize, totalChunks int) (*FileChunk, error) {
	if err := limits.ValidateChunkSize(chunkSize); err != nil {
		return nil, err
	}
	return c.ReadChunkInto(r, make([]byte, chunkSize), transferID, index, totalChunks)
}

// ReadChunkInto is ReadChunk reading into a caller-supplied buffer whose
// length is the nominal chunk size. The returned chunk aliases buf.
func (c *Chunker) ReadChunkInto(r io.ReaderAt, buf []byte, transferID string, index, totalChunks int) (*FileChunk, error) {
	if index < 0 || index >= totalChunks {
		return nil, fmt.Errorf("%w: %d of %d", ErrChunkOutOfRange, index, totalChunks)
	}

	offset := int64(index) * int64(len(buf))
	n, err := r.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read chunk %d at offset %d: %w", index, offset, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("read chunk %d at offset %d: %w", index, offset, io.ErrUnexpectedEOF)
	}
	if n < len(buf) && index != totalChunks-1 {
		return nil, fmt.Errorf("read chunk %d: short read %d of %d: %w", index, n, len(buf), io.ErrUnexpectedEOF)
	}

	data := buf[:n]
	return &FileChunk{
		TransferID:    transferID,
		ChunkIndex:    index,
		TotalChunks:   totalChunks,
		Offset:        offset,
		Data:          data,
		ChunkChecksum: ChecksumChunk(data),
		ChunkSize:     n,
	}, nil
}

// WriteChunk verifies the chunk checksum and writes the payload at its
// absolute offset. On mismatch nothing is written. Writing the same verified
// chunk again is a no-op in effect.
func (c *Chunker) WriteChunk(fc *FileChunk, w io.WriterAt) error {
	if fc == nil {
		return ErrInvalidChunk
	}
	if fc.ChunkIndex < 0 || fc.ChunkIndex >= fc.TotalChunks {
		return fmt.Errorf("%w: %d of %d", ErrChunkOutOfRange, fc.ChunkIndex, fc.TotalChunks)
	}
	if fc.Offset < 0 {
		return fmt.Errorf("%w: negative offset %d", ErrInvalidChunk, fc.Offset)
	}

	data := fc.Data
	if fc.Compressed {
		comp, err := c.Compressor()
		if err != nil {
			return fmt.Errorf("decompress chunk %d: %w", fc.ChunkIndex, err)
		}
		data, err = comp.Decompress(fc.Data)
		if err != nil {
			return fmt.Errorf("decompress chunk %d: %w", fc.ChunkIndex, err)
		}
	}

	if len(data) != fc.ChunkSize {
		return fmt.Errorf("%w: chunk %d has %d bytes, declared %d", ErrInvalidChunk, fc.ChunkIndex, len(data), fc.ChunkSize)
	}
	if actual := ChecksumChunk(data); !strings.EqualFold(actual, fc.ChunkChecksum) {
		c.log.WithFields(logrus.Fields{
			"function":    "WriteChunk",
			"transfer_id": fc.TransferID,
			"chunk_index": fc.ChunkIndex,
			"expected":    fc.ChunkChecksum,
			"actual":      actual,
		}).Warn("Chunk checksum mismatch")
		return fmt.Errorf("%w: chunk %d", ErrChecksumMismatch, fc.ChunkIndex)
	}

	if _, err := w.WriteAt(data, fc.Offset); err != nil {
		return fmt.Errorf("write chunk %d at offset %d: %w", fc.ChunkIndex, fc.Offset, err)
	}
	return nil
}

// ValidatePath checks if a file path is safe from directory traversal attacks.
// It returns the cleaned path or an error if the path contains traversal attempts.
func ValidatePath(path string) (string, error) {
	cleaned := filepath.Clean(path)
	for _, part := range strings.Split(filepath.ToSlash(cleaned), "/") {
		if part == ".." {
			return "", ErrDirectoryTraversal
		}
	}
	return cleaned, nil
}

// SanitizeFileName reduces a peer-supplied name to a bare file name.
func SanitizeFileName(name string) (string, error) {
	if err := limits.ValidateFileName(name); err != nil {
		return "", err
	}
	if _, err := ValidatePath(name); err != nil {
		return "", err
	}
	base := filepath.Base(filepath.Clean(strings.ReplaceAll(name, `\`, "/")))
	if base == "." || base == "/" || base == "" {
		return "", fmt.Errorf("%w: %q", limits.ErrFileNameEmpty, name)
	}
	return base, nil
}

// FinalizeTempFile moves tempPath into destDir under fileName. If the name is
// taken, a counter suffix is added ("name (1).ext"). An existing file is never
// overwritten. Returns the final path.
func (c *Chunker) FinalizeTempFile(tempPath, destDir, fileName string) (string, error) {
	name, err := SanitizeFileName(fileName)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create destination %s: %w", destDir, err)
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for attempt := 0; attempt < 10000; attempt++ {
		candidate := filepath.Join(destDir, name)
		if attempt > 0 {
			candidate = filepath.Join(destDir, fmt.Sprintf("%s (%d)%s", stem, attempt, ext))
		}

		err := placeFile(tempPath, candidate)
		if err == nil {
			c.log.WithFields(logrus.Fields{
				"function":   "FinalizeTempFile",
				"temp_path":  tempPath,
				"final_path": candidate,
			}).Info("Temp file finalized")
			return candidate, nil
		}
		if errors.Is(err, os.ErrExist) {
			continue
		}
		return "", fmt.Errorf("finalize %s: %w", tempPath, err)
	}
	return "", fmt.Errorf("finalize %s: %w", tempPath, os.ErrExist)
}

// placeFile moves src to dst without replacing an existing dst. A hard link
// gives an atomic no-clobber placement; when links are unsupported the data
// is copied into an exclusively created file.
func placeFile(src, dst string) error {
	err := os.Link(src, dst)
	if err == nil {
		return os.Remove(src)
	}
	if errors.Is(err, os.ErrExist) {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	in.Close()
	return os.Remove(src)
}
