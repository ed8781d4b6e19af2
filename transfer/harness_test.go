package transfer

import (
	"context"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/opd-ai/ferry/checkpoint"
	"github.com/opd-ai/ferry/interfaces"
	simnet "github.com/opd-ai/ferry/testing"
	"github.com/opd-ai/ferry/transport"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const (
	senderID   = "alice"
	receiverID = "bob"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestDB(t *testing.T) *badger.DB {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// node is one side of a transfer test: channel, transport, checkpoint store
// and a running manager.
type node struct {
	ch      *simnet.LoopbackChannel
	tr      *transport.Transport
	store   *checkpoint.Store
	mgr     *Manager
	results chan Result
	offers  chan Offer
	cancel  context.CancelFunc
	stopped bool
}

func startNode(t *testing.T, ch *simnet.LoopbackChannel, db *badger.DB, trOpts transport.Options, opts Options) *node {
	t.Helper()
	log := quietLogger()
	tr := transport.New(ch, trOpts, log)
	store := checkpoint.NewStore(db, checkpoint.DefaultMaxAge, log)
	mgr, err := NewManager(tr, store, nil, nil, opts, log)
	require.NoError(t, err)

	n := &node{
		ch:      ch,
		tr:      tr,
		store:   store,
		mgr:     mgr,
		results: make(chan Result, 16),
		offers:  make(chan Offer, 16),
	}
	mgr.Subscribe(func(r Result) { n.results <- r })
	mgr.OnOffer(func(o Offer) { n.offers <- o })

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	go mgr.Run(ctx)
	t.Cleanup(n.stop)
	return n
}

func (n *node) stop() {
	if n.stopped {
		return
	}
	n.stopped = true
	n.cancel()
	n.mgr.Close()
	n.tr.Close()
}

// fastOptions keeps retry timing short for tests.
func fastOptions(downloadDir string) Options {
	opts := DefaultOptions()
	opts.ChunkSize = 4096
	opts.RetryBackoff = 10 * time.Millisecond
	opts.PollInterval = 10 * time.Millisecond
	opts.DownloadDir = downloadDir
	return opts
}

type pair struct {
	sender, receiver     *node
	senderDB, receiverDB *badger.DB
	downloads            string
}

func newPair(t *testing.T, trOpts transport.Options, senderOpts func(*Options), receiverOpts func(*Options)) *pair {
	t.Helper()
	p := &pair{
		senderDB:   newTestDB(t),
		receiverDB: newTestDB(t),
		downloads:  t.TempDir(),
	}
	p.connect(t, trOpts, senderOpts, receiverOpts)
	return p
}

// connect starts fresh nodes over a fresh loopback pair, reusing the
// checkpoint databases.
func (p *pair) connect(t *testing.T, trOpts transport.Options, senderOpts func(*Options), receiverOpts func(*Options)) {
	t.Helper()
	a, b := simnet.NewLoopbackPair(senderID, receiverID, interfaces.DefaultChannelConfig(), quietLogger())

	so := fastOptions(filepath.Join(p.downloads, "sender"))
	if senderOpts != nil {
		senderOpts(&so)
	}
	ro := fastOptions(p.downloads)
	ro.AutoAccept = true
	if receiverOpts != nil {
		receiverOpts(&ro)
	}
	p.sender = startNode(t, a, p.senderDB, trOpts, so)
	p.receiver = startNode(t, b, p.receiverDB, trOpts, ro)
}

func waitResult(t *testing.T, n *node) Result {
	t.Helper()
	select {
	case r := <-n.results:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for transfer result")
		return Result{}
	}
}

func waitOffer(t *testing.T, n *node) Offer {
	t.Helper()
	select {
	case o := <-n.offers:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for offer")
		return Offer{}
	}
}

func assertNoResult(t *testing.T, n *node, d time.Duration) {
	t.Helper()
	select {
	case r := <-n.results:
		t.Fatalf("unexpected second result: %+v", r)
	case <-time.After(d):
	}
}

func writeTestFile(t *testing.T, name string, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	rand.New(rand.NewSource(int64(size))).Read(data)
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, data
}

func isMessage(msgType transport.MessageType) func([]byte) bool {
	return func(data []byte) bool {
		msg, err := transport.Decode(data)
		return err == nil && msg.Type == msgType
	}
}

func countMessages(ch *simnet.LoopbackChannel) int {
	return len(ch.DeliveryLog())
}

func statusIs(n *node, id string, status Status) func() bool {
	return func() bool {
		info, ok := n.mgr.Get(id)
		return ok && info.Status == status
	}
}

func chunksDone(n *node, id string, want int) func() bool {
	return func() bool {
		info, ok := n.mgr.Get(id)
		return ok && info.ChunksDone >= want
	}
}
