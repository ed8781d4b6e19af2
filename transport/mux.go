package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/opd-ai/ferry/interfaces"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// ErrPeerNotConnected indicates a send to a peer with no open channel.
var ErrPeerNotConnected = errors.New("peer not connected")

// PeerChannel is a message channel bound to a single remote device.
type PeerChannel interface {
	interfaces.IMessageChannel
	RemoteID() string
	Done() <-chan struct{}
}

// Mux multiplexes several peer channels behind one IMessageChannel, so a
// single Transport can talk to every connected peer. Sends are routed by
// peer id; inbound messages from all peers reach the one subscriber.
type Mux struct {
	localID string
	log     logrus.FieldLogger

	mu      sync.RWMutex
	peers   map[string]PeerChannel
	handler interfaces.InboundHandler

	hooksMu      sync.RWMutex
	onConnect    []func(peerID string)
	onDisconnect []func(peerID string)

	done      chan struct{}
	closeOnce sync.Once
}

// NewMux creates an empty multiplexer for localID.
func NewMux(localID string, log logrus.FieldLogger) *Mux {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Mux{
		localID: localID,
		log:     log,
		peers:   make(map[string]PeerChannel),
		done:    make(chan struct{}),
	}
}

// LocalID implements IMessageChannel.
func (m *Mux) LocalID() string {
	return m.localID
}

// Subscribe implements IMessageChannel.
func (m *Mux) Subscribe(handler interfaces.InboundHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

// OnConnect registers fn to run after a peer channel is added.
func (m *Mux) OnConnect(fn func(peerID string)) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.onConnect = append(m.onConnect, fn)
}

// OnDisconnect registers fn to run after a peer channel goes away.
func (m *Mux) OnDisconnect(fn func(peerID string)) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.onDisconnect = append(m.onDisconnect, fn)
}

// Add routes ch's peer through the mux, replacing and closing any earlier
// channel to the same peer. The channel is dropped when it closes.
func (m *Mux) Add(ch PeerChannel) error {
	select {
	case <-m.done:
		ch.Close()
		return ErrClosed
	default:
	}
	peerID := ch.RemoteID()
	if peerID == "" {
		ch.Close()
		return fmt.Errorf("add channel: %w", ErrMissingDeviceID)
	}

	m.mu.Lock()
	old := m.peers[peerID]
	m.peers[peerID] = ch
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}
	ch.Subscribe(m.deliver)
	go m.watch(ch)

	m.log.WithFields(logrus.Fields{
		"function": "Add",
		"peer_id":  peerID,
		"replaced": old != nil,
	}).Info("Peer connected")

	m.hooksMu.RLock()
	hooks := m.onConnect
	m.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(peerID)
	}
	return nil
}

func (m *Mux) deliver(fromPeer string, data []byte) {
	m.mu.RLock()
	handler := m.handler
	m.mu.RUnlock()
	if handler != nil {
		handler(fromPeer, data)
	}
}

// watch drops ch once it is done, unless it was already replaced.
func (m *Mux) watch(ch PeerChannel) {
	select {
	case <-ch.Done():
	case <-m.done:
		return
	}
	peerID := ch.RemoteID()

	m.mu.Lock()
	current, ok := m.peers[peerID]
	removed := ok && current == ch
	if removed {
		delete(m.peers, peerID)
	}
	m.mu.Unlock()
	if !removed {
		return
	}

	m.log.WithFields(logrus.Fields{
		"function": "watch",
		"peer_id":  peerID,
	}).Info("Peer disconnected")

	m.hooksMu.RLock()
	hooks := m.onDisconnect
	m.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(peerID)
	}
}

// Connected reports whether peerID has an open channel.
func (m *Mux) Connected(peerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.peers[peerID]
	return ok
}

// Peers returns the connected peer ids, sorted.
func (m *Mux) Peers() []string {
	m.mu.RLock()
	ids := lo.Keys(m.peers)
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Send implements IMessageChannel.
func (m *Mux) Send(ctx context.Context, toPeer string, data []byte) error {
	m.mu.RLock()
	ch, ok := m.peers[toPeer]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotConnected, toPeer)
	}
	return ch.Send(ctx, toPeer, data)
}

// Close closes every peer channel.
func (m *Mux) Close() error {
	var errs []error
	m.closeOnce.Do(func() {
		close(m.done)
		m.mu.Lock()
		peers := m.peers
		m.peers = make(map[string]PeerChannel)
		m.mu.Unlock()
		for _, ch := range peers {
			if err := ch.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
