// Package ferry is a resumable peer-to-peer file transfer node.
//
// Files are split into fixed-size, checksummed chunks and sent over any
// ordered message channel with a sliding window of unacknowledged chunks,
// token-bucket bandwidth shaping and per-chunk retries. Progress is
// checkpointed in BadgerDB so interrupted transfers resume from the first
// missing chunk, even after a restart.
//
// # Getting Started
//
// A Node wires every component from a configuration:
//
//	cfg, err := config.Load(nil, "")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	node, err := ferry.Open(cfg, logger, ferry.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Close()
//	go node.Run(ctx)
//
//	peer, err := node.Connect(ctx, "ws://192.168.1.20:7878/ws")
//	items, err := node.Send(ctx, peer, "/home/me/video.mp4")
//
// The receiving side serves node.Handler() over HTTP and either enables
// transfer.auto_accept or answers offers through Manager().OnOffer.
//
// # Components
//
//   - chunk: chunking, checksums, zstd compression, read-ahead
//   - transport: wire messages, sliding window, limiter, channel adapters
//   - checkpoint: durable resume state
//   - transfer: the per-transfer state machine
//   - scheduler: durable queue under a concurrency cap
//   - progress: speed and ETA
//   - network: connectivity-driven pause and resume
//   - outbox: watch-folder sending
//
// # Results
//
// Every transfer ends with exactly one transfer.Result delivered to
// Manager().Subscribe handlers. The node itself subscribes the scheduler and
// the network controller.
package ferry
