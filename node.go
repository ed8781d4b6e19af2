package ferry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/opd-ai/ferry/checkpoint"
	"github.com/opd-ai/ferry/chunk"
	"github.com/opd-ai/ferry/config"
	"github.com/opd-ai/ferry/network"
	"github.com/opd-ai/ferry/progress"
	"github.com/opd-ai/ferry/scheduler"
	"github.com/opd-ai/ferry/transfer"
	"github.com/opd-ai/ferry/transport"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrNodeClosed indicates use of a closed node.
var ErrNodeClosed = errors.New("node closed")

// Node wires every component of a ferry device: one peer multiplexer and
// transport, the checkpoint store, transfer manager, scheduler and network
// controller. Construct it with Open or New, call Run, then Close.
type Node struct {
	cfg *config.Config
	log logrus.FieldLogger

	db     *badger.DB
	ownsDB bool

	mux        *transport.Mux
	tr         *transport.Transport
	store      *checkpoint.Store
	tracker    *progress.Tracker
	manager    *transfer.Manager
	queue      *scheduler.Queue
	scheduler  *scheduler.Scheduler
	controller *network.Controller
	monitor    *network.Monitor

	// restored holds transfers recreated from checkpoints that have not
	// been resumed yet, keyed by id with the peer as value.
	restoredMu sync.Mutex
	restored   map[string]string

	closeOnce sync.Once
	closed    chan struct{}
}

// Options adjusts a node beyond its configuration.
type Options struct {
	// DisableMonitor leaves connectivity events to HandleNetworkEvent.
	DisableMonitor bool
	// Monitor replaces the gopsutil interface monitor.
	Monitor *network.Monitor
}

// Open creates the data directory, opens the database under it and builds
// a node over it.
func Open(cfg *config.Config, log logrus.FieldLogger, opts Options) (*Node, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if err := os.MkdirAll(cfg.DatabaseDir(), 0o700); err != nil {
		return nil, fmt.Errorf("data directory: %w", err)
	}
	dbOpts := badger.DefaultOptions(cfg.DatabaseDir()).
		WithLogger(log.WithField("component", "badger")).
		WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	n, err := New(cfg, db, log, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	n.ownsDB = true
	return n, nil
}

// New builds a node over an open database. Checkpointed transfers are
// restored as paused and interrupted queue items are requeued before New
// returns.
func New(cfg *config.Config, db *badger.DB, log logrus.FieldLogger, opts Options) (*Node, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	n := &Node{
		cfg:      cfg,
		log:      log,
		db:       db,
		restored: make(map[string]string),
		closed:   make(chan struct{}),
	}
	n.mux = transport.NewMux(cfg.DeviceID, log)
	n.tr = transport.New(n.mux, cfg.TransportOptions(), log)
	n.store = checkpoint.NewStore(db, cfg.Checkpoint.MaxAge, log)
	n.tracker = progress.NewTracker(cfg.ProgressOptions(), log)

	manager, err := transfer.NewManager(n.tr, n.store, n.tracker, chunk.NewChunker(chunk.NewBufferPool(), log), cfg.TransferOptions(), log)
	if err != nil {
		n.tr.Close()
		return nil, err
	}
	n.manager = manager
	n.controller = network.NewController(manager, cfg.NetworkSettings(), log)
	n.queue = scheduler.NewQueue(db, log)
	n.scheduler = scheduler.New(n.queue, &gatedLauncher{node: n}, cfg.SchedulerOptions(), log)

	if !opts.DisableMonitor {
		n.monitor = opts.Monitor
		if n.monitor == nil {
			n.monitor = network.NewMonitor(cfg.MonitorOptions(), log)
		}
	}

	manager.Subscribe(n.scheduler.HandleResult)
	manager.Subscribe(n.controller.HandleResult)
	manager.Subscribe(n.forgetRestored)
	n.mux.OnConnect(n.onPeerConnected)

	ctx := context.Background()
	ids, err := manager.Restore(ctx)
	if err != nil {
		n.tr.Close()
		return nil, fmt.Errorf("restore transfers: %w", err)
	}
	for _, id := range ids {
		if info, ok := manager.Get(id); ok && info.Direction == transfer.DirectionOutgoing {
			n.restored[id] = info.PeerID
		}
	}
	if _, err := n.scheduler.Recover(ctx); err != nil {
		n.tr.Close()
		return nil, fmt.Errorf("recover queue: %w", err)
	}

	log.WithFields(logrus.Fields{
		"function":  "New",
		"device_id": cfg.DeviceID,
		"restored":  len(ids),
	}).Info("Node ready")
	return n, nil
}

// Run drives the transfer manager, scheduler, checkpoint sweeper and
// connectivity monitor until ctx is done or one of them fails.
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return n.manager.Run(ctx) })
	g.Go(func() error { return n.scheduler.Run(ctx) })
	g.Go(func() error { return n.store.RunSweeper(ctx, n.cfg.Checkpoint.SweepInterval) })
	if n.monitor != nil {
		g.Go(func() error {
			return n.monitor.Run(ctx, func(ev network.Event) {
				n.controller.HandleEvent(ctx, ev)
			})
		})
	}
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-n.closed:
			return ErrNodeClosed
		}
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrNodeClosed) || errors.Is(err, transport.ErrClosed) {
		return nil
	}
	return err
}

// Close stops transfers, flushes their checkpoints and releases the
// database if the node opened it.
func (n *Node) Close() error {
	var errs []error
	n.closeOnce.Do(func() {
		close(n.closed)
		errs = append(errs, n.manager.Close(), n.tr.Close())
		if n.ownsDB {
			errs = append(errs, n.db.Close())
		}
		n.log.WithFields(logrus.Fields{
			"function":  "Close",
			"device_id": n.cfg.DeviceID,
		}).Info("Node closed")
	})
	return errors.Join(errs...)
}

// Connect dials a listening peer and routes it through the node.
func (n *Node) Connect(ctx context.Context, url string) (string, error) {
	ch, err := transport.DialWebSocket(ctx, url, n.cfg.DeviceID, n.cfg.ChannelConfig(), n.log)
	if err != nil {
		return "", err
	}
	if err := n.mux.Add(ch); err != nil {
		return "", err
	}
	return ch.RemoteID(), nil
}

// AddPeer routes an established channel through the node.
func (n *Node) AddPeer(ch transport.PeerChannel) error {
	return n.mux.Add(ch)
}

// Handler accepts incoming peers over WebSocket.
func (n *Node) Handler() http.Handler {
	return &transport.WebSocketAcceptor{
		LocalID: n.cfg.DeviceID,
		Config:  n.cfg.ChannelConfig(),
		Log:     n.log,
		OnChannel: func(ch *transport.WebSocketChannel) {
			if err := n.mux.Add(ch); err != nil {
				n.log.WithFields(logrus.Fields{
					"function":  "Handler",
					"remote_id": ch.RemoteID(),
					"error":     err.Error(),
				}).Warn("Rejected peer channel")
			}
		},
	}
}

// Send queues files for peerID.
func (n *Node) Send(ctx context.Context, peerID string, paths ...string) ([]scheduler.QueueItem, error) {
	return n.scheduler.EnqueueAll(ctx, peerID, paths, scheduler.PriorityNormal)
}

// HandleNetworkEvent feeds a connectivity event to the controller.
func (n *Node) HandleNetworkEvent(ctx context.Context, ev network.Event) {
	n.controller.HandleEvent(ctx, ev)
}

// Peers returns the connected peer ids.
func (n *Node) Peers() []string { return n.mux.Peers() }

func (n *Node) DeviceID() string                { return n.cfg.DeviceID }
func (n *Node) Config() *config.Config          { return n.cfg }
func (n *Node) Manager() *transfer.Manager      { return n.manager }
func (n *Node) Scheduler() *scheduler.Scheduler { return n.scheduler }
func (n *Node) Controller() *network.Controller { return n.controller }
func (n *Node) Checkpoints() *checkpoint.Store  { return n.store }
func (n *Node) Tracker() *progress.Tracker      { return n.tracker }

// Restored returns the restored outgoing transfers still waiting for their
// peer, sorted.
func (n *Node) Restored() []string {
	n.restoredMu.Lock()
	defer n.restoredMu.Unlock()
	ids := make([]string, 0, len(n.restored))
	for id := range n.restored {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// onPeerConnected resumes restored outgoing transfers to peerID.
func (n *Node) onPeerConnected(peerID string) {
	n.restoredMu.Lock()
	var ids []string
	for id, peer := range n.restored {
		if peer == peerID {
			ids = append(ids, id)
			delete(n.restored, id)
		}
	}
	n.restoredMu.Unlock()
	if len(ids) == 0 || !n.controller.Allowed() {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Transport.SendTimeout)
		defer cancel()
		for _, id := range ids {
			if err := n.manager.ResumeTransfer(ctx, id); err != nil {
				n.log.WithFields(logrus.Fields{
					"function":    "onPeerConnected",
					"transfer_id": id,
					"peer_id":     peerID,
					"error":       err.Error(),
				}).Warn("Failed to resume restored transfer")
			}
		}
	}()
}

func (n *Node) forgetRestored(res transfer.Result) {
	n.restoredMu.Lock()
	defer n.restoredMu.Unlock()
	delete(n.restored, res.TransferID)
}

// gatedLauncher defers queue launches while the network policy forbids
// transfers or the peer is offline.
type gatedLauncher struct {
	node *Node
}

func (g *gatedLauncher) SendFile(ctx context.Context, peerID, path string) (string, error) {
	if !g.node.controller.Allowed() {
		return "", fmt.Errorf("%w: network policy", scheduler.ErrDeferred)
	}
	if !g.node.mux.Connected(peerID) {
		return "", fmt.Errorf("%w: %s offline", scheduler.ErrDeferred, peerID)
	}
	return g.node.manager.SendFile(ctx, peerID, path)
}

func (g *gatedLauncher) CancelTransfer(ctx context.Context, transferID, reason string) error {
	return g.node.manager.CancelTransfer(ctx, transferID, reason)
}

func (g *gatedLauncher) Get(transferID string) (transfer.Info, bool) {
	return g.node.manager.Get(transferID)
}
