package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opd-ai/ferry/interfaces"
	"github.com/opd-ai/ferry/limits"
	"github.com/sirupsen/logrus"
)

// DeviceHeader carries the device id of each side during the WebSocket handshake.
const DeviceHeader = "X-Ferry-Device"

// ErrWrongPeer indicates a send addressed to a peer this channel is not connected to.
var ErrWrongPeer = errors.New("channel not connected to peer")

// ErrMissingDeviceID indicates a handshake without a device id header.
var ErrMissingDeviceID = errors.New("missing device id")

// WebSocketChannel is an IMessageChannel over one WebSocket connection to a
// single peer. Writes are serialized; inbound messages are dispatched in
// order from a buffered queue.
type WebSocketChannel struct {
	conn     *websocket.Conn
	localID  string
	remoteID string
	cfg      interfaces.ChannelConfig
	log      logrus.FieldLogger

	writeMu sync.Mutex

	handlerMu  sync.Mutex
	handler    interfaces.InboundHandler
	subscribed chan struct{}

	inbound   chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewWebSocketChannel wraps an established connection and starts its read loop.
func NewWebSocketChannel(conn *websocket.Conn, localID, remoteID string, cfg interfaces.ChannelConfig, log logrus.FieldLogger) *WebSocketChannel {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.Validate() != nil {
		cfg = interfaces.DefaultChannelConfig()
	}
	conn.SetReadLimit(int64(limits.MaxMessageSize))

	c := &WebSocketChannel{
		conn:       conn,
		localID:    localID,
		remoteID:   remoteID,
		cfg:        cfg,
		log:        log,
		subscribed: make(chan struct{}),
		inbound:    make(chan []byte, cfg.InboundQueueSize),
		done:       make(chan struct{}),
	}
	go c.readLoop()
	go c.dispatchLoop()
	return c
}

// DialWebSocket connects to a listening peer and returns the channel.
func DialWebSocket(ctx context.Context, url, localID string, cfg interfaces.ChannelConfig, log logrus.FieldLogger) (*WebSocketChannel, error) {
	header := http.Header{}
	header.Set(DeviceHeader, localID)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	remoteID := resp.Header.Get(DeviceHeader)
	if remoteID == "" {
		conn.Close()
		return nil, fmt.Errorf("dial %s: %w", url, ErrMissingDeviceID)
	}
	return NewWebSocketChannel(conn, localID, remoteID, cfg, log), nil
}

// WebSocketAcceptor is an http.Handler that upgrades peer connections and
// hands each resulting channel to OnChannel.
type WebSocketAcceptor struct {
	LocalID   string
	Config    interfaces.ChannelConfig
	Log       logrus.FieldLogger
	OnChannel func(*WebSocketChannel)

	upgrader websocket.Upgrader
}

// ServeHTTP implements http.Handler.
func (a *WebSocketAcceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	remoteID := r.Header.Get(DeviceHeader)
	if remoteID == "" {
		http.Error(w, ErrMissingDeviceID.Error(), http.StatusBadRequest)
		return
	}

	respHeader := http.Header{}
	respHeader.Set(DeviceHeader, a.LocalID)
	conn, err := a.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		if a.Log != nil {
			a.Log.WithFields(logrus.Fields{
				"function":  "ServeHTTP",
				"remote_id": remoteID,
				"error":     err.Error(),
			}).Warn("WebSocket upgrade failed")
		}
		return
	}

	ch := NewWebSocketChannel(conn, a.LocalID, remoteID, a.Config, a.Log)
	if a.OnChannel != nil {
		a.OnChannel(ch)
	}
}

// LocalID implements IMessageChannel.
func (c *WebSocketChannel) LocalID() string {
	return c.localID
}

// RemoteID returns the peer's device id.
func (c *WebSocketChannel) RemoteID() string {
	return c.remoteID
}

// Done is closed when the connection ends.
func (c *WebSocketChannel) Done() <-chan struct{} {
	return c.done
}

// Subscribe implements IMessageChannel. Messages that arrived before the
// first Subscribe are held and delivered to it.
func (c *WebSocketChannel) Subscribe(handler interfaces.InboundHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()

	first := c.handler == nil
	c.handler = handler
	if first && handler != nil {
		close(c.subscribed)
	}
}

// Send implements IMessageChannel.
func (c *WebSocketChannel) Send(ctx context.Context, toPeer string, data []byte) error {
	if toPeer != c.remoteID {
		return fmt.Errorf("%w: %s", ErrWrongPeer, toPeer)
	}
	select {
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.cfg.SendTimeout)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *WebSocketChannel) readLoop() {
	defer c.Close()
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.WithFields(logrus.Fields{
					"function":  "readLoop",
					"remote_id": c.remoteID,
					"error":     err.Error(),
				}).Debug("WebSocket read ended")
			}
			return
		}
		if msgType != websocket.BinaryMessage && msgType != websocket.TextMessage {
			continue
		}
		select {
		case c.inbound <- data:
		case <-c.done:
			return
		}
	}
}

func (c *WebSocketChannel) dispatchLoop() {
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

// Close implements IMessageChannel.
func (c *WebSocketChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
