package transport

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

func newLoopbackPeer(t *testing.T) *webrtc.PeerConnection {
	t.Helper()
	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(true)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })
	return pc
}

// signal performs an in-process offer/answer exchange with complete ICE
// gathering on both sides.
func signal(t *testing.T, offerer, answerer *webrtc.PeerConnection) {
	t.Helper()
	offer, err := offerer.CreateOffer(nil)
	require.NoError(t, err)
	gathered := webrtc.GatheringCompletePromise(offerer)
	require.NoError(t, offerer.SetLocalDescription(offer))
	<-gathered
	require.NoError(t, answerer.SetRemoteDescription(*offerer.LocalDescription()))

	answer, err := answerer.CreateAnswer(nil)
	require.NoError(t, err)
	gathered = webrtc.GatheringCompletePromise(answerer)
	require.NoError(t, answerer.SetLocalDescription(answer))
	<-gathered
	require.NoError(t, offerer.SetRemoteDescription(*answerer.LocalDescription()))
}

func TestDataChannel_CarriesProtocol(t *testing.T) {
	offerer := newLoopbackPeer(t)
	answerer := newLoopbackPeer(t)

	dc, err := offerer.CreateDataChannel("ferry", nil)
	require.NoError(t, err)
	aliceCh := NewDataChannel(dc, "alice", "bob", quietLogger())

	remote := make(chan *DataChannel, 1)
	answerer.OnDataChannel(func(d *webrtc.DataChannel) {
		remote <- NewDataChannel(d, "bob", "alice", quietLogger())
	})

	signal(t, offerer, answerer)

	var bobCh *DataChannel
	select {
	case bobCh = <-remote:
	case <-time.After(10 * time.Second):
		t.Skip("ICE did not connect in this environment")
	}
	select {
	case <-aliceCh.Opened():
	case <-time.After(10 * time.Second):
		t.Skip("data channel did not open in this environment")
	}

	alice := New(aliceCh, DefaultOptions(), quietLogger())
	bob := New(bobCh, DefaultOptions(), quietLogger())
	defer alice.Close()
	defer bob.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, alice.SendPause(ctx, "bob", "t-1"))

	ev := nextEvent(t, bob)
	require.Equal(t, "t-1", ev.TransferID())
	require.Equal(t, "alice", ev.Peer())
}
