// Package limits provides centralized size limits for file transfer chunks and
// protocol messages. This ensures consistent validation across the chunker,
// the wire codec and the transfer manager.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MinChunkSize is the smallest nominal chunk size a transfer may negotiate.
	MinChunkSize = 1024

	// DefaultChunkSize is the nominal chunk size used when none is configured.
	DefaultChunkSize = 64 * 1024

	// MaxChunkSize is the largest nominal chunk size a transfer may negotiate.
	// It bounds per-chunk memory on the receiving side.
	MaxChunkSize = 4 * 1024 * 1024

	// MaxFileNameLength is the maximum file name length in bytes.
	// The value (255) matches typical filesystem limits.
	MaxFileNameLength = 255

	// EnvelopeOverhead is the allowance for message framing, identifiers and
	// metadata fields around a chunk payload.
	EnvelopeOverhead = 16 * 1024

	// MaxMessageSize is the absolute maximum for an encoded protocol message.
	// Chunk payloads are base64 encoded inside the envelope (4/3 expansion).
	MaxMessageSize = (MaxChunkSize/3+1)*4 + EnvelopeOverhead
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")

	// ErrChunkSizeOutOfRange indicates a nominal chunk size outside [MinChunkSize, MaxChunkSize]
	ErrChunkSizeOutOfRange = errors.New("chunk size out of range")

	// ErrFileNameTooLong indicates that a file name exceeds MaxFileNameLength
	ErrFileNameTooLong = errors.New("file name too long")

	// ErrFileNameEmpty indicates that a file name is empty
	ErrFileNameEmpty = errors.New("file name empty")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidateMessage validates an encoded protocol message against MaxMessageSize.
func ValidateMessage(message []byte) error {
	return ValidateMessageSize(message, MaxMessageSize)
}

// ValidateChunkSize checks that a nominal chunk size lies within the
// negotiable range.
func ValidateChunkSize(size int) error {
	if size < MinChunkSize || size > MaxChunkSize {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrChunkSizeOutOfRange, size, MinChunkSize, MaxChunkSize)
	}
	return nil
}

// ValidateFileName checks that a file name is present and fits MaxFileNameLength.
func ValidateFileName(name string) error {
	if len(name) == 0 {
		return ErrFileNameEmpty
	}
	if len(name) > MaxFileNameLength {
		return fmt.Errorf("%w: length %d exceeds limit %d", ErrFileNameTooLong, len(name), MaxFileNameLength)
	}
	return nil
}
