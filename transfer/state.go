package transfer

import (
	"context"
	"os"
	"sort"
	"sync"

	"github.com/opd-ai/ferry/transport"
	"github.com/samber/lo"
)

// State is the live record of one transfer. It is either *Outgoing or
// *Incoming; callers switch on the concrete type.
type State interface {
	ID() string
	Metadata() transport.TransferMetadata
	Peer() string
	Status() Status
	Info() Info
}

// Outgoing is the sender side of a transfer.
type Outgoing struct {
	mu sync.Mutex

	meta   transport.TransferMetadata
	path   string
	source *os.File
	status Status

	confirmed    map[int]bool
	currentChunk int
	retries      map[int]int
	resend       []int
	unsaved      []int

	cancel   context.CancelFunc
	loopDone chan struct{}
	wake     chan struct{}
}

func newOutgoing(meta transport.TransferMetadata, path string, source *os.File) *Outgoing {
	return &Outgoing{
		meta:      meta,
		path:      path,
		source:    source,
		status:    StatusPending,
		confirmed: make(map[int]bool),
		retries:   make(map[int]int),
		wake:      make(chan struct{}, 1),
	}
}

// ID implements State.
func (o *Outgoing) ID() string { return o.meta.TransferID }

// Metadata implements State.
func (o *Outgoing) Metadata() transport.TransferMetadata { return o.meta }

// Peer implements State.
func (o *Outgoing) Peer() string { return o.meta.ReceiverDeviceID }

// Path returns the source file path.
func (o *Outgoing) Path() string { return o.path }

// Status implements State.
func (o *Outgoing) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// CurrentChunk returns the send cursor: one past the highest index handed
// to the transport.
func (o *Outgoing) CurrentChunk() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.currentChunk
}

// Info implements State.
func (o *Outgoing) Info() Info {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Info{
		TransferID:  o.meta.TransferID,
		Direction:   DirectionOutgoing,
		Status:      o.status,
		PeerID:      o.meta.ReceiverDeviceID,
		FileName:    o.meta.FileName,
		FileSize:    o.meta.FileSize,
		TotalChunks: o.meta.TotalChunks,
		ChunksDone:  len(o.confirmed),
	}
}

// unconfirmedLocked returns the indices not yet acknowledged, ascending.
func (o *Outgoing) unconfirmedLocked() []int {
	return lo.Filter(lo.Range(o.meta.TotalChunks), func(index int, _ int) bool {
		return !o.confirmed[index]
	})
}

func (o *Outgoing) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Outgoing) queueResendLocked(index int) {
	if o.confirmed[index] || lo.Contains(o.resend, index) {
		return
	}
	o.resend = append(o.resend, index)
	sort.Ints(o.resend)
}

// Incoming is the receiver side of a transfer.
type Incoming struct {
	mu sync.Mutex

	meta     transport.TransferMetadata
	status   Status
	destDir  string
	tempPath string
	temp     *os.File

	received      map[int]bool
	expectedChunk int
	failures      map[int]int
	unsaved       []int
	bytesReceived int64
	finalizing    bool
}

func newIncoming(meta transport.TransferMetadata) *Incoming {
	return &Incoming{
		meta:     meta,
		status:   StatusPending,
		received: make(map[int]bool),
		failures: make(map[int]int),
	}
}

// ID implements State.
func (in *Incoming) ID() string { return in.meta.TransferID }

// Metadata implements State.
func (in *Incoming) Metadata() transport.TransferMetadata { return in.meta }

// Peer implements State.
func (in *Incoming) Peer() string { return in.meta.SenderDeviceID }

// Status implements State.
func (in *Incoming) Status() Status {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.status
}

// ExpectedChunk returns the lowest chunk index not yet received.
func (in *Incoming) ExpectedChunk() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.expectedChunk
}

// Info implements State.
func (in *Incoming) Info() Info {
	in.mu.Lock()
	defer in.mu.Unlock()
	return Info{
		TransferID:  in.meta.TransferID,
		Direction:   DirectionIncoming,
		Status:      in.status,
		PeerID:      in.meta.SenderDeviceID,
		FileName:    in.meta.FileName,
		FileSize:    in.meta.FileSize,
		TotalChunks: in.meta.TotalChunks,
		ChunksDone:  len(in.received),
	}
}

// advanceExpectedLocked moves expectedChunk to the lowest missing index.
// It never exceeds TotalChunks.
func (in *Incoming) advanceExpectedLocked() {
	for in.expectedChunk < in.meta.TotalChunks && in.received[in.expectedChunk] {
		in.expectedChunk++
	}
}

// chunkLength returns the byte length of chunk index of meta.
func chunkLength(meta transport.TransferMetadata, index int) int64 {
	offset := int64(index) * int64(meta.ChunkSize)
	return min(int64(meta.ChunkSize), meta.FileSize-offset)
}
