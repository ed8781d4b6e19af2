package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/ferry"
	"github.com/opd-ai/ferry/scheduler"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// itemPollInterval is how often send checks its queue items.
const itemPollInterval = 200 * time.Millisecond

type sendFlags struct {
	peer       string
	priority   string
	noProgress bool
}

func (a *app) sendCmd() *cobra.Command {
	var flags sendFlags
	cmd := &cobra.Command{
		Use:   "send --peer URL FILE...",
		Short: "Send files to a listening peer",
		Long: `Send queues every file for the peer at URL and waits until each one
has completed, failed or been cancelled. Interrupted transfers are
checkpointed; running send again with the same files resumes them.`,
		Args: cobra.MinimumNArgs(1),
		PreRunE: func(*cobra.Command, []string) error {
			if flags.peer == "" {
				return errors.New("--peer is required")
			}
			_, err := scheduler.ParsePriority(flags.priority)
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runSend(cmd, flags, args)
		},
	}
	cmd.Flags().StringVarP(&flags.peer, "peer", "p", "", "WebSocket URL of the receiving peer (required)")
	cmd.Flags().StringVar(&flags.priority, "priority", "normal", "queue priority: high, normal, low or 0-999")
	cmd.Flags().BoolVar(&flags.noProgress, "no-progress", false, "do not draw progress bars")
	return cmd
}

func (a *app) runSend(cmd *cobra.Command, flags sendFlags, paths []string) error {
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

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return n.Run(gctx) })

	peerID, err := n.Connect(ctx, flags.peer)
	if err != nil {
		cancel()
		g.Wait()
		return err
	}
	g.Go(func() error { return keepConnected(gctx, n, flags.peer, peerID, a.log) })

	bars := newProgressBars(cmd.ErrOrStderr(), !flags.noProgress)
	n.Tracker().OnProgress(bars.update)

	items, err := n.Scheduler().EnqueueAll(ctx, peerID, paths, priority)
	if err != nil {
		cancel()
		g.Wait()
		return err
	}
	a.log.WithFields(logrus.Fields{
		"function": "runSend",
		"peer_id":  peerID,
		"files":    len(items),
	}).Info("Files queued")

	ids := lo.Map(items, func(item scheduler.QueueItem, _ int) string { return item.ID })
	final, waitErr := waitForItems(gctx, n.Scheduler().Queue(), ids, itemPollInterval)
	bars.stop()
	cancel()
	if err := runErr(g.Wait()); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if waitErr != nil {
		if ctx.Err() != nil {
			fmt.Fprintln(out, warnColor("interrupted: progress is saved, run send again to resume"))
			return nil
		}
		return waitErr
	}
	printItems(out, final)

	done := lo.CountBy(final, func(item scheduler.QueueItem) bool {
		return item.Status == scheduler.ItemCompleted
	})
	if done != len(final) {
		return fmt.Errorf("%d of %d files were not delivered", len(final)-done, len(final))
	}
	return nil
}

// waitForItems polls the queue until every item is final or ctx is done.
func waitForItems(ctx context.Context, q *scheduler.Queue, ids []string, interval time.Duration) ([]scheduler.QueueItem, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		items := make([]scheduler.QueueItem, 0, len(ids))
		for _, id := range ids {
			item, err := q.Get(id)
			if err != nil {
				return nil, err
			}
			items = append(items, *item)
		}
		if lo.EveryBy(items, func(item scheduler.QueueItem) bool { return item.Status.IsFinal() }) {
			return items, nil
		}

		select {
		case <-ctx.Done():
			return items, ctx.Err()
		case <-ticker.C:
		}
	}
}
