package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opd-ai/ferry"
	"github.com/opd-ai/ferry/config"
	"github.com/opd-ai/ferry/logging"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// reconnectInterval is how often a lost peer connection is redialed.
const reconnectInterval = 5 * time.Second

// app holds state shared by every subcommand.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	log     *logrus.Logger
	closer  io.Closer
}

func newApp() *app {
	return &app{v: config.NewViper()}
}

func (a *app) rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ferry",
		Short: "Resumable peer-to-peer file transfers",
		Long: `ferry moves files between devices over WebSocket connections, in chunks
that are acknowledged, verified and checkpointed so an interrupted transfer
resumes where it stopped.

  Receive files:   ferry receive --listen :7878 --dir ./downloads
  Send files:      ferry send --peer ws://host:7878/ws report.pdf photos.zip
  Watch a folder:  ferry watch --peer ws://host:7878/ws --dir ./outbox
  Show state:      ferry status`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd.ErrOrStderr())
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default ./ferry.yaml or <user config dir>/ferry/ferry.yaml)")
	flags.String("device-id", "", "device id announced to peers")
	flags.String("data-dir", "", "directory holding the transfer database")
	flags.String("log-level", "", "log level: trace, debug, info, warn, error")
	flags.String("log-file", "", "also write JSON logs to this rotated file")
	flags.String("policy", "", "network policy: allow_all, wifi_only, pause_all, user_preference")
	a.bind(flags, map[string]string{
		"device_id":      "device-id",
		"data_dir":       "data-dir",
		"log.level":      "log-level",
		"log.file":       "log-file",
		"network.policy": "policy",
	})

	cmd.AddCommand(
		a.sendCmd(),
		a.receiveCmd(),
		a.statusCmd(),
		a.watchCmd(),
	)
	return cmd
}

// bind maps configuration keys to flags. Unset flags leave the key to the
// file, environment and defaults.
func (a *app) bind(flags *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		if err := a.v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}
}

func (a *app) init(console io.Writer) error {
	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	log, closer, err := logging.New(cfg.LoggingOptions(), console)
	if err != nil {
		return err
	}
	a.cfg, a.log, a.closer = cfg, log, closer
	a.log.WithFields(logrus.Fields{
		"function":    "init",
		"device_id":   cfg.DeviceID,
		"data_dir":    cfg.DataDir,
		"config_file": a.v.ConfigFileUsed(),
	}).Debug("Configuration loaded")
	return nil
}

func (a *app) close() {
	if a.closer != nil {
		a.closer.Close()
	}
}

func (a *app) openNode(opts ferry.Options) (*ferry.Node, error) {
	n, err := ferry.Open(a.cfg, a.log, opts)
	if err != nil {
		return nil, fmt.Errorf("%w (is another ferry process using %s?)", err, a.cfg.DataDir)
	}
	return n, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// keepConnected redials url whenever peerID drops off the node, until ctx
// is done.
func keepConnected(ctx context.Context, n *ferry.Node, url, peerID string, log logrus.FieldLogger) error {
	ticker := time.NewTicker(reconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if lo.Contains(n.Peers(), peerID) {
			continue
		}
		got, err := n.Connect(ctx, url)
		if err != nil {
			log.WithFields(logrus.Fields{
				"function": "keepConnected",
				"url":      url,
				"error":    err.Error(),
			}).Warn("Reconnect failed")
			continue
		}
		if got != peerID {
			return fmt.Errorf("%s now answers as %q, expected %q", url, got, peerID)
		}
		log.WithFields(logrus.Fields{
			"function": "keepConnected",
			"peer_id":  peerID,
		}).Info("Reconnected to peer")
	}
}

// runErr drops the errors a node reports when it stops on request.
func runErr(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
