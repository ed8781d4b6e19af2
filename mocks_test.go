package ferry

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/opd-ai/ferry/config"
	"github.com/opd-ai/ferry/interfaces"
	simnet "github.com/opd-ai/ferry/testing"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
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

// testConfig keeps chunks small and scheduling fast.
func testConfig(t *testing.T, deviceID string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DeviceID = deviceID
	cfg.DataDir = t.TempDir()
	cfg.Transfer.ChunkSize = testChunkSize
	cfg.Transfer.RetryBackoff = 10 * time.Millisecond
	cfg.Transfer.DownloadDir = filepath.Join(cfg.DataDir, "downloads")
	cfg.Transfer.AutoAccept = true
	cfg.Scheduler.PassInterval = testPassInterval
	cfg.Scheduler.RetryDelay = testPassInterval
	return cfg
}

// startNode builds a node over an in-memory database and runs it until the
// test ends.
func startNode(t *testing.T, cfg *config.Config) *Node {
	t.Helper()
	n, err := New(cfg, newTestDB(t), quietLogger(), Options{DisableMonitor: true})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		n.Close()
		<-done
	})
	return n
}

// link joins two nodes with a loopback channel pair.
func link(t *testing.T, a, b *Node) (*simnet.LoopbackChannel, *simnet.LoopbackChannel) {
	t.Helper()
	left, right := simnet.NewLoopbackPair(a.DeviceID(), b.DeviceID(), interfaces.DefaultChannelConfig(), quietLogger())
	require.NoError(t, b.AddPeer(right))
	require.NoError(t, a.AddPeer(left))
	return left, right
}
