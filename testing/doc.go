// Package testing provides an in-memory message channel for deterministic
// testing of ferry without sockets.
//
// # Overview
//
// NewLoopbackPair returns two connected LoopbackChannel ends that satisfy
// interfaces.IMessageChannel. Each Send copies the payload and delivers it
// asynchronously, in order, to the other end's subscribed handler.
//
//	a, b := testing.NewLoopbackPair("alice", "bob", interfaces.DefaultChannelConfig(), nil)
//	senderTransport := transport.New(a, transport.DefaultOptions(), logger)
//	receiverTransport := transport.New(b, transport.DefaultOptions(), logger)
//
// # Fault Injection
//
//   - FailNextSends(n): the next n sends return ErrSimulatedFailure
//   - SetConnected(false): every send returns ErrDisconnected
//   - SetDropFilter(fn): matching messages are silently lost, which lets
//     tests exercise ACK timeouts
//
// # Verification
//
// DeliveryLog records every send attempt with its outcome:
//
//	for _, rec := range a.DeliveryLog() {
//	    if !rec.Delivered {
//	        t.Logf("lost %d bytes: %v", rec.Size, rec.Error)
//	    }
//	}
package testing
