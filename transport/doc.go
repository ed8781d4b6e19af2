// Package transport implements the ferry wire protocol on top of a
// message channel.
//
// # Messages
//
// Nine message kinds travel inside a JSON envelope carrying sender and
// recipient device ids:
//
//	transfer_request   TransferMetadata offer
//	transfer_accept    receiver agrees
//	transfer_reject    receiver declines, with reason
//	transfer_chunk     one chunk.FileChunk
//	transfer_ack       FileChunkAck, sent for every chunk, never acknowledged
//	transfer_pause     either side pauses
//	transfer_resume    either side resumes, receiver names its lowest missing chunk
//	transfer_cancel    either side aborts
//	transfer_complete  receiver verified and placed the file
//
// Inbound messages are decoded into typed Event values and delivered in
// arrival order through Transport.Events.
//
// # Flow Control
//
// Every transfer has a sliding window of DefaultWindowSize chunks in flight.
// SendChunk refuses a new index with ErrWindowFull once the window is full;
// ACKs free slots as they arrive. Chunks unacknowledged for longer than the
// ACK timeout are reported by TimedOut so the sender can retransmit them.
//
// Outbound bytes pass through a token bucket Limiter. Tokens accrue at the
// configured byte rate and never exceed one second's worth.
//
// # Channels
//
// Any interfaces.IMessageChannel can carry the protocol. This package
// provides WebSocketChannel (with DialWebSocket and WebSocketAcceptor) and
// DataChannel for WebRTC data channels; the testing package provides an
// in-memory loopback pair.
//
//	ch, err := transport.DialWebSocket(ctx, "ws://peer:7345/ferry", "laptop", interfaces.DefaultChannelConfig(), log)
//	if err != nil {
//	    return err
//	}
//	tr := transport.New(ch, transport.DefaultOptions(), log)
//	defer tr.Close()
//
// # Thread Safety
//
// All Transport methods are safe for concurrent use. Window and Limiter
// state is kept per transfer so transfers never contend on a shared lock.
package transport
