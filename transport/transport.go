package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/ferry/chunk"
	"github.com/opd-ai/ferry/interfaces"
	"github.com/sirupsen/logrus"
)

// DefaultEventQueueSize is the capacity of the inbound event queue.
const DefaultEventQueueSize = 256

// ErrClosed indicates use of a closed transport or channel.
var ErrClosed = errors.New("transport closed")

// Options configures a Transport.
type Options struct {
	// WindowSize bounds chunks in flight per transfer
	WindowSize int
	// AckTimeout is the age after which an in-flight chunk is timed out
	AckTimeout time.Duration
	// BandwidthLimit is the outbound byte rate, 0 for unlimited
	BandwidthLimit int
	// EventQueueSize is the capacity of the Events channel
	EventQueueSize int
}

// DefaultOptions returns the default transport configuration.
func DefaultOptions() Options {
	return Options{
		WindowSize:     DefaultWindowSize,
		AckTimeout:     DefaultAckTimeout,
		BandwidthLimit: 0,
		EventQueueSize: DefaultEventQueueSize,
	}
}

// Transport serializes protocol messages onto a message channel, demultiplexes
// inbound messages into typed events, tracks chunks in flight and shapes
// outbound bandwidth.
type Transport struct {
	channel interfaces.IMessageChannel
	localID string
	window  *Window
	limiter *Limiter
	log     logrus.FieldLogger

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a transport over ch and subscribes to its inbound stream.
func New(ch interfaces.IMessageChannel, opts Options, log logrus.FieldLogger) *Transport {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if opts.EventQueueSize <= 0 {
		opts.EventQueueSize = DefaultEventQueueSize
	}

	t := &Transport{
		channel: ch,
		localID: ch.LocalID(),
		window:  NewWindow(opts.WindowSize, opts.AckTimeout),
		limiter: NewLimiter(opts.BandwidthLimit),
		log:     log,
		events:  make(chan Event, opts.EventQueueSize),
		done:    make(chan struct{}),
	}
	ch.Subscribe(t.handleInbound)

	log.WithFields(logrus.Fields{
		"function":        "New",
		"local_id":        t.localID,
		"window_size":     t.window.Size(),
		"bandwidth_limit": opts.BandwidthLimit,
	}).Info("Transport created")
	return t
}

// LocalID returns this device's id.
func (t *Transport) LocalID() string {
	return t.localID
}

// Events returns the inbound event stream. It stays open after Close;
// consumers select on Done as well.
func (t *Transport) Events() <-chan Event {
	return t.events
}

// Done is closed when the transport is closed.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// Window exposes the in-flight tracker.
func (t *Transport) Window() *Window {
	return t.window
}

// Limiter exposes the bandwidth shaper.
func (t *Transport) Limiter() *Limiter {
	return t.limiter
}

// CanSendMore reports whether transferID has room in its sliding window.
func (t *Transport) CanSendMore(transferID string) bool {
	return t.window.CanSendMore(transferID)
}

// TimedOut returns the in-flight chunk indices whose ACK is overdue.
func (t *Transport) TimedOut(transferID string) []int {
	return t.window.TimedOut(transferID)
}

// InFlight returns the number of unacknowledged chunks of transferID.
func (t *Transport) InFlight(transferID string) int {
	return t.window.InFlight(transferID)
}

// ClearTransfer drops all in-flight bookkeeping of transferID.
func (t *Transport) ClearTransfer(transferID string) {
	t.window.Clear(transferID)
}

// SendRequest offers a file to the peer.
func (t *Transport) SendRequest(ctx context.Context, to string, meta TransferMetadata) error {
	return t.send(ctx, to, MessageTransferRequest, meta)
}

// SendAccept accepts an offered transfer.
func (t *Transport) SendAccept(ctx context.Context, to, transferID string) error {
	return t.send(ctx, to, MessageTransferAccept, AcceptPayload{TransferID: transferID})
}

// SendReject declines an offered transfer.
func (t *Transport) SendReject(ctx context.Context, to, transferID, reason string) error {
	return t.send(ctx, to, MessageTransferReject, RejectPayload{TransferID: transferID, Reason: reason})
}

// SendChunk reserves a window slot for the chunk and transmits it. The ACK
// timeout runs from the moment the chunk leaves, so time spent waiting on
// the bandwidth limiter is not counted. When the window is full,
// ErrWindowFull is returned and nothing is sent. A failed send frees the
// slot again.
func (t *Transport) SendChunk(ctx context.Context, to string, fc *chunk.FileChunk) error {
	if err := t.window.Track(fc.TransferID, fc.ChunkIndex); err != nil {
		return err
	}
	if err := t.send(ctx, to, MessageTransferChunk, fc); err != nil {
		t.window.Ack(fc.TransferID, fc.ChunkIndex)
		return err
	}
	t.window.Touch(fc.TransferID, fc.ChunkIndex)
	return nil
}

// SendAck reports the verdict on one inbound chunk.
func (t *Transport) SendAck(ctx context.Context, to string, ack FileChunkAck) error {
	return t.send(ctx, to, MessageTransferAck, ack)
}

// SendPause tells the peer a transfer is paused.
func (t *Transport) SendPause(ctx context.Context, to, transferID string) error {
	return t.send(ctx, to, MessageTransferPause, PausePayload{TransferID: transferID})
}

// SendResume tells the peer a transfer continues from fromChunk.
func (t *Transport) SendResume(ctx context.Context, to, transferID string, fromChunk int) error {
	return t.send(ctx, to, MessageTransferResume, ResumePayload{TransferID: transferID, FromChunk: fromChunk})
}

// SendCancel aborts a transfer on the peer.
func (t *Transport) SendCancel(ctx context.Context, to, transferID, reason string) error {
	return t.send(ctx, to, MessageTransferCancel, CancelPayload{TransferID: transferID, Reason: reason})
}

// SendComplete reports a verified, finalized file to the sender.
func (t *Transport) SendComplete(ctx context.Context, to, transferID string) error {
	return t.send(ctx, to, MessageTransferComplete, CompletePayload{TransferID: transferID})
}

func (t *Transport) send(ctx context.Context, to string, msgType MessageType, payload any) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}

	data, err := Encode(t.localID, to, msgType, payload)
	if err != nil {
		return err
	}
	if err := t.limiter.Wait(ctx, len(data)); err != nil {
		return fmt.Errorf("bandwidth wait for %s: %w", msgType, err)
	}
	if err := t.channel.Send(ctx, to, data); err != nil {
		return fmt.Errorf("send %s to %s: %w", msgType, to, err)
	}
	return nil
}

// handleInbound decodes one message and queues its event. It blocks while the
// event queue is full, pushing back on the channel.
func (t *Transport) handleInbound(from string, data []byte) {
	msg, err := Decode(data)
	if err != nil {
		t.log.WithFields(logrus.Fields{
			"function": "handleInbound",
			"from":     from,
			"size":     len(data),
			"error":    err.Error(),
		}).Warn("Dropping undecodable message")
		return
	}
	if msg.ToDeviceID != "" && msg.ToDeviceID != t.localID {
		t.log.WithFields(logrus.Fields{
			"function": "handleInbound",
			"from":     from,
			"to":       msg.ToDeviceID,
		}).Warn("Dropping message addressed to another device")
		return
	}
	if msg.FromDeviceID == "" {
		msg.FromDeviceID = from
	}

	ev, err := DecodeEvent(msg)
	if err != nil {
		t.log.WithFields(logrus.Fields{
			"function": "handleInbound",
			"from":     from,
			"type":     msg.Type,
			"error":    err.Error(),
		}).Warn("Dropping malformed message")
		return
	}

	if ack, ok := ev.(AckEvent); ok {
		t.window.Ack(ack.Ack.TransferID, ack.Ack.ChunkIndex)
	}

	select {
	case t.events <- ev:
	case <-t.done:
	}
}

// Close stops event delivery and closes the underlying channel.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.channel.Close()
		t.log.WithFields(logrus.Fields{
			"function": "Close",
			"local_id": t.localID,
		}).Info("Transport closed")
	})
	return err
}
