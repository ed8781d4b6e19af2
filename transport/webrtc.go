package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/opd-ai/ferry/interfaces"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// DataChannel is an IMessageChannel over a WebRTC data channel to a single
// peer. Signalling is left to the caller. SCTP limits messages to the size
// negotiated by both ends, so chunk sizes of 16 KiB or less are advisable.
type DataChannel struct {
	dc       *webrtc.DataChannel
	localID  string
	remoteID string
	log      logrus.FieldLogger

	mu      sync.RWMutex
	handler interfaces.InboundHandler

	opened    chan struct{}
	openOnce  sync.Once
	closed    chan struct{}
	closeOnce sync.Once
}

// NewDataChannel wraps dc. It may be called before or after dc opens.
func NewDataChannel(dc *webrtc.DataChannel, localID, remoteID string, log logrus.FieldLogger) *DataChannel {
	if log == nil {
		log = logrus.StandardLogger()
	}
	c := &DataChannel{
		dc:       dc,
		localID:  localID,
		remoteID: remoteID,
		log:      log,
		opened:   make(chan struct{}),
		closed:   make(chan struct{}),
	}

	markOpen := func() { c.openOnce.Do(func() { close(c.opened) }) }
	dc.OnOpen(markOpen)
	if dc.ReadyState() == webrtc.DataChannelStateOpen {
		markOpen()
	}
	dc.OnClose(func() {
		c.closeOnce.Do(func() { close(c.closed) })
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.mu.RLock()
		handler := c.handler
		c.mu.RUnlock()
		if handler == nil {
			c.log.WithFields(logrus.Fields{
				"function":  "DataChannel.OnMessage",
				"remote_id": c.remoteID,
			}).Warn("Dropping message received before subscribe")
			return
		}
		handler(c.remoteID, msg.Data)
	})
	return c
}

// LocalID implements IMessageChannel.
func (c *DataChannel) LocalID() string {
	return c.localID
}

// Subscribe implements IMessageChannel.
func (c *DataChannel) Subscribe(handler interfaces.InboundHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// RemoteID returns the device id of the peer.
func (c *DataChannel) RemoteID() string {
	return c.remoteID
}

// Done is closed once the data channel closes.
func (c *DataChannel) Done() <-chan struct{} {
	return c.closed
}

// Opened is closed once the data channel is open.
func (c *DataChannel) Opened() <-chan struct{} {
	return c.opened
}

// Send implements IMessageChannel. It waits for the channel to open.
func (c *DataChannel) Send(ctx context.Context, toPeer string, data []byte) error {
	if toPeer != c.remoteID {
		return fmt.Errorf("%w: %s", ErrWrongPeer, toPeer)
	}
	select {
	case <-c.opened:
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.dc.Send(data)
}

// Close implements IMessageChannel.
func (c *DataChannel) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return c.dc.Close()
}
