package testing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/ferry/interfaces"
	"github.com/sirupsen/logrus"
)

var (
	// ErrSimulatedFailure is returned by sends consumed by FailNextSends
	ErrSimulatedFailure = errors.New("simulated send failure")

	// ErrDisconnected is returned while the link is disconnected
	ErrDisconnected = errors.New("simulated link disconnected")

	// ErrUnknownPeer is returned for sends to anyone but the paired channel
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrClosed is returned after Close
	ErrClosed = errors.New("loopback channel closed")
)

// DeliveryRecord represents a message delivery event for testing verification
type DeliveryRecord struct {
	From      string
	To        string
	Size      int
	Timestamp time.Time
	Delivered bool
	Error     error
}

// LoopbackChannel is one end of an in-memory IMessageChannel pair. Messages
// are copied and delivered asynchronously in order. Faults can be injected
// per end.
type LoopbackChannel struct {
	localID  string
	remoteID string
	peer     *LoopbackChannel
	log      logrus.FieldLogger

	inbound chan []byte

	handlerMu  sync.Mutex
	handler    interfaces.InboundHandler
	subscribed chan struct{}

	mu          sync.RWMutex
	deliveryLog []DeliveryRecord
	dropFilter  func(data []byte) bool
	failSends   int
	connected   bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewLoopbackPair creates two connected channels for device ids a and b.
func NewLoopbackPair(a, b string, cfg interfaces.ChannelConfig, log logrus.FieldLogger) (*LoopbackChannel, *LoopbackChannel) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.Validate() != nil {
		cfg = interfaces.DefaultChannelConfig()
	}
	left := newLoopbackChannel(a, b, cfg, log)
	right := newLoopbackChannel(b, a, cfg, log)
	left.peer = right
	right.peer = left

	go left.dispatchLoop()
	go right.dispatchLoop()

	log.WithFields(logrus.Fields{
		"function": "NewLoopbackPair",
		"left":     a,
		"right":    b,
	}).Debug("Created loopback channel pair")
	return left, right
}

func newLoopbackChannel(localID, remoteID string, cfg interfaces.ChannelConfig, log logrus.FieldLogger) *LoopbackChannel {
	return &LoopbackChannel{
		localID:    localID,
		remoteID:   remoteID,
		log:        log,
		inbound:    make(chan []byte, cfg.InboundQueueSize),
		subscribed: make(chan struct{}),
		connected:  true,
		done:       make(chan struct{}),
	}
}

// LocalID implements IMessageChannel.
func (c *LoopbackChannel) LocalID() string {
	return c.localID
}

// RemoteID returns the device id of the other end.
func (c *LoopbackChannel) RemoteID() string {
	return c.remoteID
}

// Done is closed when this end is closed.
func (c *LoopbackChannel) Done() <-chan struct{} {
	return c.done
}

// Subscribe implements IMessageChannel.
func (c *LoopbackChannel) Subscribe(handler interfaces.InboundHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()

	first := c.handler == nil
	c.handler = handler
	if first && handler != nil {
		close(c.subscribed)
	}
}

// Send implements IMessageChannel.
func (c *LoopbackChannel) Send(ctx context.Context, toPeer string, data []byte) error {
	if toPeer != c.remoteID {
		return c.record(toPeer, len(data), false, fmt.Errorf("%w: %s", ErrUnknownPeer, toPeer))
	}

	c.mu.Lock()
	var injected error
	switch {
	case c.failSends > 0:
		c.failSends--
		injected = ErrSimulatedFailure
	case !c.connected:
		injected = ErrDisconnected
	}
	drop := c.dropFilter != nil && c.dropFilter(data)
	c.mu.Unlock()

	if injected != nil {
		return c.record(toPeer, len(data), false, injected)
	}

	select {
	case <-c.done:
		return c.record(toPeer, len(data), false, ErrClosed)
	case <-c.peer.done:
		return c.record(toPeer, len(data), false, ErrClosed)
	default:
	}

	if drop {
		return c.record(toPeer, len(data), false, nil)
	}

	payload := append([]byte(nil), data...)
	select {
	case c.peer.inbound <- payload:
	case <-ctx.Done():
		return c.record(toPeer, len(data), false, ctx.Err())
	case <-c.peer.done:
		return c.record(toPeer, len(data), false, ErrClosed)
	}
	return c.record(toPeer, len(data), true, nil)
}

func (c *LoopbackChannel) record(to string, size int, delivered bool, err error) error {
	c.mu.Lock()
	c.deliveryLog = append(c.deliveryLog, DeliveryRecord{
		From:      c.localID,
		To:        to,
		Size:      size,
		Timestamp: time.Now(),
		Delivered: delivered,
		Error:     err,
	})
	c.mu.Unlock()
	return err
}

func (c *LoopbackChannel) dispatchLoop() {
	select {
	case <-c.subscribed:
	case <-c.done:
		return
	}
	for {
		select {
		case data := <-c.inbound:
			c.handlerMu.Lock()
			handler := c.handler
			c.handlerMu.Unlock()
			handler(c.remoteID, data)
		case <-c.done:
			return
		}
	}
}

// SetDropFilter installs a predicate; matching outbound messages are
// reported as sent but silently lost. Pass nil to stop dropping.
func (c *LoopbackChannel) SetDropFilter(filter func(data []byte) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropFilter = filter
}

// FailNextSends makes the next n sends return ErrSimulatedFailure.
func (c *LoopbackChannel) FailNextSends(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failSends = n
}

// SetConnected toggles the simulated link for this end.
func (c *LoopbackChannel) SetConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = connected
}

// DeliveryLog returns a copy of the send history of this end.
func (c *LoopbackChannel) DeliveryLog() []DeliveryRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]DeliveryRecord, len(c.deliveryLog))
	copy(out, c.deliveryLog)
	return out
}

// DeliveredCount returns how many messages this end delivered to its peer.
func (c *LoopbackChannel) DeliveredCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, r := range c.deliveryLog {
		if r.Delivered {
			n++
		}
	}
	return n
}

// ClearDeliveryLog resets the delivery history.
func (c *LoopbackChannel) ClearDeliveryLog() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deliveryLog = nil
}

// Close implements IMessageChannel.
func (c *LoopbackChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}
