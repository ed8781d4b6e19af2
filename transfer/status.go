package transfer

import (
	"errors"
	"time"
)

var (
	// ErrTransferNotFound indicates an unknown or already finished transfer id.
	ErrTransferNotFound = errors.New("transfer not found")

	// ErrInvalidState indicates an operation not allowed in the current status.
	ErrInvalidState = errors.New("invalid transfer state")

	// ErrCapacity indicates that the active transfer limit is reached.
	ErrCapacity = errors.New("too many active transfers")

	// ErrRejected indicates that the receiver declined the offer.
	ErrRejected = errors.New("transfer rejected by peer")

	// ErrRetriesExhausted indicates a chunk that failed more than MaxRetries times.
	ErrRetriesExhausted = errors.New("chunk retries exhausted")

	// ErrCompletionTimeout indicates a sender whose chunks were all
	// acknowledged but whose peer never confirmed the finished file.
	ErrCompletionTimeout = errors.New("no completion from peer")

	// ErrIntegrity indicates a checksum failure that is not retried.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrCancelled indicates an explicit cancel from either side.
	ErrCancelled = errors.New("transfer cancelled")

	// ErrNotRetryable indicates a RetryTransfer call for a transfer that did
	// not fail or was not sent by this node.
	ErrNotRetryable = errors.New("transfer cannot be retried")
)

// Status is the lifecycle position of a transfer.
type Status uint8

const (
	// StatusPending is a transfer that exists but has not been offered or accepted.
	StatusPending Status = iota
	// StatusRequesting is an offer awaiting the peer's answer.
	StatusRequesting
	// StatusTransferring moves chunks.
	StatusTransferring
	// StatusPaused holds the transfer with its progress intact.
	StatusPaused
	// StatusCompleted is terminal success after whole-file verification.
	StatusCompleted
	// StatusFailed is terminal failure.
	StatusFailed
	// StatusCancelled is terminal cancellation or rejection.
	StatusCancelled
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusRequesting:
		return "REQUESTING"
	case StatusTransferring:
		return "TRANSFERRING"
	case StatusPaused:
		return "PAUSED"
	case StatusCompleted:
		return "COMPLETED"
	case StatusFailed:
		return "FAILED"
	case StatusCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether no further transitions can occur.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Direction tells which side of a transfer this node is.
type Direction uint8

const (
	// DirectionOutgoing is a file sent by this node.
	DirectionOutgoing Direction = iota
	// DirectionIncoming is a file received by this node.
	DirectionIncoming
)

// String returns "outgoing" or "incoming".
func (d Direction) String() string {
	if d == DirectionOutgoing {
		return "outgoing"
	}
	return "incoming"
}

// ErrorKind classifies the cause of a terminal failure.
type ErrorKind uint8

const (
	// KindNone is reported for successful transfers.
	KindNone ErrorKind = iota
	// KindTransient covers send failures and ACK timeouts after retries ran out.
	KindTransient
	// KindIntegrity covers chunk and whole-file checksum failures.
	KindIntegrity
	// KindCapacity covers the active transfer limit.
	KindCapacity
	// KindResource covers files that cannot be opened, read or written.
	KindResource
	// KindCancelled covers cancels and rejections.
	KindCancelled
)

// String returns the kind name.
func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTransient:
		return "transient"
	case KindIntegrity:
		return "integrity"
	case KindCapacity:
		return "capacity"
	case KindResource:
		return "resource"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result is the single terminal outcome reported for every transfer.
type Result struct {
	TransferID string
	Direction  Direction
	Status     Status
	PeerID     string
	FileName   string
	// Path is the source file for outgoing transfers and the final
	// location for completed incoming ones.
	Path       string
	Err        error
	Kind       ErrorKind
	FinishedAt time.Time
}

// Info is a point-in-time view of a live transfer.
type Info struct {
	TransferID  string
	Direction   Direction
	Status      Status
	PeerID      string
	FileName    string
	FileSize    int64
	TotalChunks int
	ChunksDone  int
}

// Offer is an inbound transfer request awaiting AcceptTransfer or RejectTransfer.
type Offer struct {
	TransferID string
	From       string
	FileName   string
	FileSize   int64
	MimeType   string
}
