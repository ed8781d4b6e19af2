// Package interfaces defines the contracts ferry consumes from its external
// collaborators.
//
// # Message Channel
//
// [IMessageChannel] is the underlying point-to-point delivery channel. The
// transport package serializes protocol messages onto it and subscribes to its
// inbound stream:
//
//	ch.Subscribe(func(fromPeer string, data []byte) {
//	    // decode and dispatch
//	})
//	err := ch.Send(ctx, peerID, encoded)
//
// Implementations in this module:
//
//   - transport.WebSocketChannel: one gorilla/websocket connection per peer
//   - transport.DataChannel: a pion/webrtc data channel
//   - testing.LoopbackChannel: in-memory pair for deterministic tests
//
// # Configuration
//
// [ChannelConfig] carries the send timeout and inbound buffer size shared by
// the implementations. Use [DefaultChannelConfig] unless tuning is needed.
//
// # Time
//
// [TimeProvider] abstracts the clock for window ages, progress samples,
// checkpoint expiry and scheduler delays. Tests inject a fixed clock and
// advance it explicitly.
package interfaces
