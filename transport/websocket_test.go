package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opd-ai/ferry/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebSocketChannel_EndToEnd(t *testing.T) {
	accepted := make(chan *WebSocketChannel, 1)
	acceptor := &WebSocketAcceptor{
		LocalID:   "bob",
		Config:    interfaces.DefaultChannelConfig(),
		Log:       quietLogger(),
		OnChannel: func(ch *WebSocketChannel) { accepted <- ch },
	}
	server := httptest.NewServer(acceptor)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	aliceCh, err := DialWebSocket(ctx, url, "alice", interfaces.DefaultChannelConfig(), quietLogger())
	require.NoError(t, err)
	assert.Equal(t, "bob", aliceCh.RemoteID())

	var bobCh *WebSocketChannel
	select {
	case bobCh = <-accepted:
	case <-ctx.Done():
		t.Fatal("acceptor never produced a channel")
	}
	assert.Equal(t, "alice", bobCh.RemoteID())

	alice := New(aliceCh, DefaultOptions(), quietLogger())
	bob := New(bobCh, DefaultOptions(), quietLogger())
	defer alice.Close()
	defer bob.Close()

	require.NoError(t, alice.SendRequest(ctx, "bob", validMetadata()))
	ev := nextEvent(t, bob)
	assert.Equal(t, "t-1", ev.TransferID())
	assert.Equal(t, "alice", ev.Peer())

	assert.ErrorIs(t, aliceCh.Send(ctx, "carol", []byte("x")), ErrWrongPeer)

	require.NoError(t, alice.Close())
	select {
	case <-bobCh.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("remote side did not observe close")
	}
}

func TestWebSocketAcceptor_RequiresDeviceHeader(t *testing.T) {
	acceptor := &WebSocketAcceptor{LocalID: "bob", Config: interfaces.DefaultChannelConfig()}
	server := httptest.NewServer(acceptor)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
