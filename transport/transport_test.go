package transport

import (
	"context"
	"testing"
	"time"

	"github.com/opd-ai/ferry/chunk"
	"github.com/opd-ai/ferry/interfaces"
	simnet "github.com/opd-ai/ferry/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTransportPair(t *testing.T, opts Options) (*Transport, *Transport, *simnet.LoopbackChannel, *simnet.LoopbackChannel) {
	t.Helper()
	a, b := simnet.NewLoopbackPair("alice", "bob", interfaces.DefaultChannelConfig(), quietLogger())
	left := New(a, opts, quietLogger())
	right := New(b, opts, quietLogger())
	t.Cleanup(func() {
		left.Close()
		right.Close()
	})
	return left, right, a, b
}

func nextEvent(t *testing.T, tr *Transport) Event {
	t.Helper()
	select {
	case ev := <-tr.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func testChunk(index int, data []byte) *chunk.FileChunk {
	return &chunk.FileChunk{
		TransferID:    "t-1",
		ChunkIndex:    index,
		TotalChunks:   8,
		Offset:        int64(index) * 4096,
		Data:          data,
		ChunkChecksum: chunk.ChecksumChunk(data),
		ChunkSize:     len(data),
	}
}

func TestTransport_RequestAcceptRoundTrip(t *testing.T) {
	alice, bob, _, _ := newTransportPair(t, DefaultOptions())
	ctx := context.Background()

	require.NoError(t, alice.SendRequest(ctx, "bob", validMetadata()))
	ev := nextEvent(t, bob)
	req, ok := ev.(RequestEvent)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, "alice", req.From)
	assert.Equal(t, "t-1", req.Metadata.TransferID)

	require.NoError(t, bob.SendAccept(ctx, "alice", "t-1"))
	ev = nextEvent(t, alice)
	assert.IsType(t, AcceptEvent{}, ev)
	assert.Equal(t, "bob", ev.Peer())
}

func TestTransport_WindowAndAcks(t *testing.T) {
	alice, bob, _, _ := newTransportPair(t, DefaultOptions())
	ctx := context.Background()

	for i := 0; i < DefaultWindowSize; i++ {
		require.NoError(t, alice.SendChunk(ctx, "bob", testChunk(i, []byte{byte(i)})))
	}
	assert.False(t, alice.CanSendMore("t-1"))
	assert.ErrorIs(t, alice.SendChunk(ctx, "bob", testChunk(4, []byte{4})), ErrWindowFull)

	for i := 0; i < DefaultWindowSize; i++ {
		ev := nextEvent(t, bob)
		ce, ok := ev.(ChunkEvent)
		require.True(t, ok)
		assert.Equal(t, i, ce.Chunk.ChunkIndex)
	}

	require.NoError(t, bob.SendAck(ctx, "alice", FileChunkAck{TransferID: "t-1", ChunkIndex: 0, Success: true, NextExpectedChunk: 1}))
	ev := nextEvent(t, alice)
	ack, ok := ev.(AckEvent)
	require.True(t, ok)
	assert.True(t, ack.Ack.Success)

	// The ACK frees its slot before the event is consumed.
	assert.Equal(t, DefaultWindowSize-1, alice.InFlight("t-1"))
	assert.True(t, alice.CanSendMore("t-1"))

	alice.ClearTransfer("t-1")
	assert.Zero(t, alice.InFlight("t-1"))
}

func TestTransport_FailedSendFreesSlot(t *testing.T) {
	alice, _, aliceCh, _ := newTransportPair(t, DefaultOptions())

	aliceCh.FailNextSends(1)
	err := alice.SendChunk(context.Background(), "bob", testChunk(0, []byte("x")))
	assert.ErrorIs(t, err, simnet.ErrSimulatedFailure)
	assert.Zero(t, alice.InFlight("t-1"))
}

func TestTransport_LostChunkTimesOut(t *testing.T) {
	opts := DefaultOptions()
	alice, _, aliceCh, _ := newTransportPair(t, opts)
	tp := newMockTimeProvider()
	alice.Window().SetTimeProvider(tp)

	aliceCh.SetDropFilter(func([]byte) bool { return true })
	require.NoError(t, alice.SendChunk(context.Background(), "bob", testChunk(3, []byte("lost"))))

	assert.Empty(t, alice.TimedOut("t-1"))
	tp.advance(DefaultAckTimeout + time.Second)
	assert.Equal(t, []int{3}, alice.TimedOut("t-1"))
}

func TestTransport_AckTimeoutStartsAfterShaping(t *testing.T) {
	opts := DefaultOptions()
	opts.BandwidthLimit = 2048
	opts.AckTimeout = 300 * time.Millisecond
	alice, _, aliceCh, _ := newTransportPair(t, opts)
	aliceCh.SetDropFilter(func([]byte) bool { return true })

	start := time.Now()
	require.NoError(t, alice.SendChunk(context.Background(), "bob", testChunk(1, make([]byte, 3000))))
	require.Greater(t, time.Since(start), opts.AckTimeout, "limiter should have delayed the chunk")

	assert.Empty(t, alice.TimedOut("t-1"))
	assert.Equal(t, 1, alice.InFlight("t-1"))
	assert.Eventually(t, func() bool {
		return len(alice.TimedOut("t-1")) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTransport_DropsMessagesForOtherDevices(t *testing.T) {
	_, bob, aliceCh, _ := newTransportPair(t, DefaultOptions())

	stray, err := Encode("alice", "carol", MessageTransferPause, PausePayload{TransferID: "t-x"})
	require.NoError(t, err)
	require.NoError(t, aliceCh.Send(context.Background(), "bob", stray))
	require.NoError(t, aliceCh.Send(context.Background(), "bob", []byte("garbage")))

	good, err := Encode("alice", "bob", MessageTransferCancel, CancelPayload{TransferID: "t-y", Reason: "user"})
	require.NoError(t, err)
	require.NoError(t, aliceCh.Send(context.Background(), "bob", good))

	ev := nextEvent(t, bob)
	assert.Equal(t, "t-y", ev.TransferID())
}

func TestTransport_ControlMessages(t *testing.T) {
	alice, bob, _, _ := newTransportPair(t, DefaultOptions())
	ctx := context.Background()

	require.NoError(t, alice.SendPause(ctx, "bob", "t-1"))
	require.NoError(t, bob.SendResume(ctx, "alice", "t-1", 5))
	require.NoError(t, alice.SendCancel(ctx, "bob", "t-1", "user"))
	require.NoError(t, bob.SendComplete(ctx, "alice", "t-1"))
	require.NoError(t, bob.SendReject(ctx, "alice", "t-2", "declined"))

	assert.IsType(t, PauseEvent{}, nextEvent(t, bob))
	assert.IsType(t, CancelEvent{}, nextEvent(t, bob))

	resume := nextEvent(t, alice).(ResumeEvent)
	assert.Equal(t, 5, resume.Payload.FromChunk)
	assert.IsType(t, CompleteEvent{}, nextEvent(t, alice))
	assert.Equal(t, "declined", nextEvent(t, alice).(RejectEvent).Payload.Reason)
}

func TestTransport_SendAfterClose(t *testing.T) {
	alice, _, _, _ := newTransportPair(t, DefaultOptions())
	require.NoError(t, alice.Close())
	require.NoError(t, alice.Close())

	assert.ErrorIs(t, alice.SendPause(context.Background(), "bob", "t-1"), ErrClosed)
	select {
	case <-alice.Done():
	default:
		t.Fatal("Done not closed")
	}
}
