package ferry

import (
	"fmt"

	"github.com/opd-ai/ferry/checkpoint"
	"github.com/opd-ai/ferry/network"
	"github.com/opd-ai/ferry/progress"
	"github.com/opd-ai/ferry/scheduler"
	"github.com/opd-ai/ferry/transfer"
)

// Status is a point-in-time report of a node.
type Status struct {
	DeviceID      string
	Peers         []string
	Network       network.Event
	Policy        network.Policy
	NetworkPaused []string
	Transfers     []transfer.Info
	Progress      []progress.Snapshot
	Queue         []scheduler.QueueItem
	Checkpoints   []checkpoint.Checkpoint
}

// Status collects live transfers, queue rows and resumable checkpoints.
func (n *Node) Status() (Status, error) {
	queue, err := n.queue.List()
	if err != nil {
		return Status{}, fmt.Errorf("list queue: %w", err)
	}
	cps, err := n.store.List()
	if err != nil {
		return Status{}, fmt.Errorf("list checkpoints: %w", err)
	}
	return Status{
		DeviceID:      n.cfg.DeviceID,
		Peers:         n.mux.Peers(),
		Network:       n.controller.Current(),
		Policy:        n.controller.Settings().Policy,
		NetworkPaused: n.controller.NetworkPaused(),
		Transfers:     n.manager.ActiveTransfers(),
		Progress:      n.tracker.All(),
		Queue:         queue,
		Checkpoints:   cps,
	}, nil
}
