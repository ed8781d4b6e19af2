package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/opd-ai/ferry"
	"github.com/opd-ai/ferry/transfer"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
)

func (a *app) receiveCmd() *cobra.Command {
	var noProgress bool
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Accept peers and receive files until interrupted",
		Long: `Receive listens for peers on a WebSocket endpoint and stores accepted
files in the download directory. Without --yes each offer is confirmed on
the terminal.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runReceive(cmd, noProgress)
		},
	}
	flags := cmd.Flags()
	flags.String("listen", "", "listen address (default :7878)")
	flags.String("path", "", "WebSocket endpoint path (default /ws)")
	flags.StringP("dir", "d", "", "download directory")
	flags.BoolP("yes", "y", false, "accept every offer without asking")
	flags.BoolVar(&noProgress, "no-progress", false, "do not draw progress bars")
	a.bind(flags, map[string]string{
		"server.listen":         "listen",
		"server.path":           "path",
		"transfer.download_dir": "dir",
		"transfer.auto_accept":  "yes",
	})
	return cmd
}

func (a *app) runReceive(cmd *cobra.Command, noProgress bool) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	n, err := a.openNode(ferry.Options{})
	if err != nil {
		return err
	}
	defer n.Close()

	out := cmd.OutOrStdout()
	bars := newProgressBars(cmd.ErrOrStderr(), !noProgress)
	defer bars.stop()
	n.Tracker().OnProgress(bars.update)
	n.Manager().Subscribe(func(res transfer.Result) {
		if res.Direction == transfer.DirectionIncoming {
			printResult(out, res)
		}
	})

	offers := make(chan transfer.Offer, 16)
	if !a.cfg.Transfer.AutoAccept {
		n.Manager().OnOffer(func(o transfer.Offer) {
			select {
			case offers <- o:
			default:
				a.log.WithFields(logrus.Fields{
					"function":    "runReceive",
					"transfer_id": o.TransferID,
				}).Warn("Too many pending offers, rejecting")
				go n.Manager().RejectTransfer(context.Background(), o.TransferID, "busy")
			}
		})
	}

	srv := &http.Server{
		Addr:              a.cfg.Server.Listen,
		Handler:           newRouter(n, a.cfg.Server.Path),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.Run(gctx) })
	g.Go(func() error {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen %s: %w", a.cfg.Server.Listen, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if !a.cfg.Transfer.AutoAccept {
		g.Go(func() error {
			promptOffers(gctx, cmd.InOrStdin(), out, offers, n.Manager())
			return nil
		})
	}

	fmt.Fprintf(out, "%s listening on %s%s, saving to %s\n",
		n.DeviceID(), a.cfg.Server.Listen, a.cfg.Server.Path, a.cfg.Transfer.DownloadDir)
	return runErr(g.Wait())
}

// offerAnswerer is the part of the transfer manager that settles offers.
type offerAnswerer interface {
	AcceptTransfer(ctx context.Context, transferID, destDir string) error
	RejectTransfer(ctx context.Context, transferID, reason string) error
}

// promptOffers asks about each offer in turn. Only an answer starting with
// y accepts; end of input rejects what remains.
func promptOffers(ctx context.Context, in io.Reader, out io.Writer, offers <-chan transfer.Offer, m offerAnswerer) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var o transfer.Offer
		select {
		case <-ctx.Done():
			return
		case o = <-offers:
		}
		fmt.Fprintf(out, "%s. Accept? [y/N] ", describeOffer(o))

		var answer string
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if ok {
				answer = line
			}
		}
		var err error
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(answer)), "y") {
			err = m.AcceptTransfer(ctx, o.TransferID, "")
		} else {
			err = m.RejectTransfer(ctx, o.TransferID, "declined")
			fmt.Fprintf(out, "%s declined %s\n", warnColor("-"), o.FileName)
		}
		if err != nil {
			fmt.Fprintf(out, "%s %s: %v\n", failColor("✗"), o.FileName, err)
		}
	}
}
