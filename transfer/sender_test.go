package transfer

import (
	"context"
	"testing"
	"time"

	"github.com/opd-ai/ferry/chunk"
	"github.com/opd-ai/ferry/interfaces"
	simnet "github.com/opd-ai/ferry/testing"
	"github.com/opd-ai/ferry/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rawReceiver answers a real sending manager by hand.
type rawReceiver struct {
	t      *testing.T
	tr     *transport.Transport
	sender *node
}

func newRawReceiver(t *testing.T, senderOpts func(*Options)) *rawReceiver {
	t.Helper()
	a, b := simnet.NewLoopbackPair(senderID, receiverID, interfaces.DefaultChannelConfig(), quietLogger())
	tr := transport.New(b, transport.DefaultOptions(), quietLogger())
	t.Cleanup(func() { tr.Close() })

	opts := fastOptions(t.TempDir())
	if senderOpts != nil {
		senderOpts(&opts)
	}
	return &rawReceiver{
		t:      t,
		tr:     tr,
		sender: startNode(t, a, newTestDB(t), transport.DefaultOptions(), opts),
	}
}

func (r *rawReceiver) next() transport.Event {
	r.t.Helper()
	select {
	case ev := <-r.tr.Events():
		return ev
	case <-time.After(5 * time.Second):
		r.t.Fatal("timed out waiting for event")
		return nil
	}
}

func (r *rawReceiver) accept() transport.TransferMetadata {
	r.t.Helper()
	ev, ok := r.next().(transport.RequestEvent)
	require.True(r.t, ok, "expected request")
	require.NoError(r.t, r.tr.SendAccept(context.Background(), senderID, ev.Metadata.TransferID))
	return ev.Metadata
}

func (r *rawReceiver) nextChunk() chunk.FileChunk {
	r.t.Helper()
	ev := r.next()
	c, ok := ev.(transport.ChunkEvent)
	require.True(r.t, ok, "expected chunk, got %T", ev)
	return c.Chunk
}

func (r *rawReceiver) ack(fc chunk.FileChunk, success bool) {
	r.t.Helper()
	ack := transport.FileChunkAck{
		TransferID:        fc.TransferID,
		ChunkIndex:        fc.ChunkIndex,
		Success:           success,
		NextExpectedChunk: fc.ChunkIndex + 1,
	}
	if !success {
		ack.ErrorMessage = "checksum mismatch"
		ack.NextExpectedChunk = fc.ChunkIndex
	}
	require.NoError(r.t, r.tr.SendAck(context.Background(), senderID, ack))
}

func TestSender_ResendsRejectedFinalChunk(t *testing.T) {
	tests := []struct {
		name string
		size int
	}{
		{"only chunk", 1000},
		{"last of three", 3*4096 - 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRawReceiver(t, nil)
			path, _ := writeTestFile(t, "tail.bin", tt.size)

			id, err := r.sender.mgr.SendFile(context.Background(), receiverID, path)
			require.NoError(t, err)
			meta := r.accept()
			last := meta.TotalChunks - 1

			var final chunk.FileChunk
			for i := 0; i < meta.TotalChunks; i++ {
				fc := r.nextChunk()
				if fc.ChunkIndex == last {
					final = fc
					continue
				}
				r.ack(fc, true)
			}
			require.Equal(t, last, final.ChunkIndex)
			require.Eventually(t, chunksDone(r.sender, id, last), 2*time.Second, 5*time.Millisecond)

			r.ack(final, false)
			resent := r.nextChunk()
			assert.Equal(t, last, resent.ChunkIndex)
			assert.Equal(t, final.Data, resent.Data)

			r.ack(resent, true)
			require.NoError(t, r.tr.SendComplete(context.Background(), senderID, id))

			res := waitResult(t, r.sender)
			assert.Equal(t, StatusCompleted, res.Status, "sender error: %v", res.Err)
			assert.Equal(t, id, res.TransferID)
		})
	}
}

func TestSender_FailsWithoutCompletion(t *testing.T) {
	r := newRawReceiver(t, func(o *Options) { o.CompletionTimeout = 100 * time.Millisecond })
	path, _ := writeTestFile(t, "silent.bin", 6000)

	id, err := r.sender.mgr.SendFile(context.Background(), receiverID, path)
	require.NoError(t, err)
	meta := r.accept()
	for i := 0; i < meta.TotalChunks; i++ {
		r.ack(r.nextChunk(), true)
	}

	res := waitResult(t, r.sender)
	assert.Equal(t, StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, ErrCompletionTimeout)
	assert.Equal(t, KindTransient, res.Kind)
	assert.Equal(t, id, res.TransferID)

	ev, ok := r.next().(transport.CancelEvent)
	require.True(t, ok, "receiver is told the sender gave up")
	assert.Equal(t, id, ev.Payload.TransferID)

	_, err = r.sender.mgr.RetryTransfer(context.Background(), id)
	assert.NoError(t, err)
}
