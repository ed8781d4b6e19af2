package interfaces

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidTimeout indicates a non-positive send timeout
	ErrInvalidTimeout = errors.New("send timeout must be positive")

	// ErrInvalidQueueSize indicates a non-positive inbound queue size
	ErrInvalidQueueSize = errors.New("inbound queue size must be positive")
)

// InboundHandler receives one opaque message from a peer. Implementations of
// IMessageChannel invoke it sequentially per peer, preserving arrival order.
type InboundHandler func(fromPeer string, data []byte)

// IMessageChannel is the point-to-point message delivery channel the transfer
// protocol runs over. It is assumed reliable enough and ordered per peer;
// anything stronger (acks, retries, integrity) is handled above it.
type IMessageChannel interface {
	// Send delivers one opaque message to the given peer
	Send(ctx context.Context, toPeer string, data []byte) error

	// Subscribe registers the handler for inbound messages. A later call
	// replaces the earlier handler.
	Subscribe(handler InboundHandler)

	// LocalID returns the device id of this end of the channel
	LocalID() string

	// Close shuts down the channel
	Close() error
}

// ChannelConfig holds configuration shared by channel implementations
type ChannelConfig struct {
	// SendTimeout bounds a single Send when the caller's context has no deadline
	SendTimeout time.Duration

	// InboundQueueSize is the capacity of the inbound message buffer
	InboundQueueSize int
}

// DefaultChannelConfig returns the configuration used when none is supplied.
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		SendTimeout:      10 * time.Second,
		InboundQueueSize: 256,
	}
}

// Validate checks the configuration values.
func (c ChannelConfig) Validate() error {
	if c.SendTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.InboundQueueSize <= 0 {
		return ErrInvalidQueueSize
	}
	return nil
}
