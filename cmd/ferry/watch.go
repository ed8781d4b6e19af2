package main

import (
	"errors"
	"fmt"

	"github.com/opd-ai/ferry"
	"github.com/opd-ai/ferry/outbox"
	"github.com/opd-ai/ferry/scheduler"
	"github.com/opd-ai/ferry/transfer"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type watchFlags struct {
	peer     string
	priority string
	existing bool
}

func (a *app) watchCmd() *cobra.Command {
	var flags watchFlags
	cmd := &cobra.Command{
		Use:   "watch --peer URL --dir DIR",
		Short: "Send every file dropped into a folder",
		Long: `Watch queues each file written into the outbox directory for the peer
at URL once the file stops changing. The connection is redialed while the
peer is away; queued files wait for it.`,
		Args: cobra.NoArgs,
		PreRunE: func(*cobra.Command, []string) error {
			if flags.peer == "" {
				return errors.New("--peer is required")
			}
			if a.cfg.Outbox.Dir == "" {
				return errors.New("--dir or outbox.dir is required")
			}
			_, err := scheduler.ParsePriority(flags.priority)
			return err
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runWatch(cmd, flags)
		},
	}
	cmd.Flags().StringVarP(&flags.peer, "peer", "p", "", "WebSocket URL of the receiving peer (required)")
	cmd.Flags().StringVar(&flags.priority, "priority", "normal", "queue priority: high, normal, low or 0-999")
	cmd.Flags().BoolVar(&flags.existing, "existing", false, "also send files already in the folder")
	cmd.Flags().StringP("dir", "d", "", "outbox directory")
	cmd.Flags().Duration("debounce", 0, "quiet period before a changed file is queued (default 500ms)")
	a.bind(cmd.Flags(), map[string]string{
		"outbox.dir":      "dir",
		"outbox.debounce": "debounce",
	})
	return cmd
}

func (a *app) runWatch(cmd *cobra.Command, flags watchFlags) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	priority, err := scheduler.ParsePriority(flags.priority)
	if err != nil {
		return err
	}
	n, err := a.openNode(ferry.Options{})
	if err != nil {
		return err
	}
	defer n.Close()

	peerID, err := n.Connect(ctx, flags.peer)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	n.Manager().Subscribe(func(res transfer.Result) {
		if res.Direction == transfer.DirectionOutgoing {
			printResult(out, res)
		}
	})
	w, err := outbox.New(outbox.Options{
		Dir:             a.cfg.Outbox.Dir,
		PeerID:          peerID,
		Priority:        priority,
		Debounce:        a.cfg.Outbox.Debounce,
		IncludeExisting: flags.existing,
		OnEnqueued: func(item scheduler.QueueItem) {
			fmt.Fprintf(out, "%s queued %s\n", dimColor("+"), item.FileName)
		},
	}, n.Scheduler(), a.log)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.Run(gctx) })
	g.Go(func() error { return keepConnected(gctx, n, flags.peer, peerID, a.log) })
	g.Go(func() error { return w.Run(gctx) })

	fmt.Fprintf(out, "watching %s for %s\n", a.cfg.Outbox.Dir, peerID)
	return runErr(g.Wait())
}
