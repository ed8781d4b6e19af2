package config

import (
	"github.com/opd-ai/ferry/interfaces"
	"github.com/opd-ai/ferry/network"
	"github.com/opd-ai/ferry/progress"
	"github.com/opd-ai/ferry/scheduler"
	"github.com/opd-ai/ferry/transfer"
	"github.com/opd-ai/ferry/transport"
)

// TransferOptions converts the transfer section.
func (c *Config) TransferOptions() transfer.Options {
	opts := transfer.DefaultOptions()
	opts.ChunkSize = c.Transfer.ChunkSize
	opts.MaxRetries = c.Transfer.MaxRetries
	opts.RetryBackoff = c.Transfer.RetryBackoff
	opts.CompletionTimeout = c.Transfer.CompletionTimeout
	opts.AutoSaveInterval = c.Transfer.AutoSaveInterval
	opts.ReadAheadDepth = c.Transfer.ReadAhead
	opts.MaxActive = c.Transfer.MaxActive
	opts.Compression = c.Transfer.Compression
	opts.AutoAccept = c.Transfer.AutoAccept
	opts.DownloadDir = c.Transfer.DownloadDir
	return opts
}

// TransportOptions converts the transport section.
func (c *Config) TransportOptions() transport.Options {
	opts := transport.DefaultOptions()
	opts.WindowSize = c.Transport.WindowSize
	opts.AckTimeout = c.Transport.AckTimeout
	opts.BandwidthLimit = c.Transport.BandwidthLimit
	return opts
}

// ChannelConfig returns the message channel settings.
func (c *Config) ChannelConfig() interfaces.ChannelConfig {
	return interfaces.ChannelConfig{
		SendTimeout:      c.Transport.SendTimeout,
		InboundQueueSize: c.Transport.InboundQueueSize,
	}
}

// SchedulerOptions converts the scheduler section.
func (c *Config) SchedulerOptions() scheduler.Options {
	return scheduler.Options{
		MaxConcurrent: c.Scheduler.MaxConcurrent,
		PassInterval:  c.Scheduler.PassInterval,
		RetryDelay:    c.Scheduler.RetryDelay,
		MaxRetries:    c.Scheduler.MaxRetries,
	}
}

// ProgressOptions converts the progress section.
func (c *Config) ProgressOptions() progress.Options {
	return progress.Options{
		MaxSamples:       c.Progress.MaxSamples,
		SampleInterval:   c.Progress.SampleInterval,
		SnapshotInterval: c.Progress.SnapshotInterval,
	}
}

// NetworkSettings converts the network policy toggles.
func (c *Config) NetworkSettings() network.Settings {
	return network.Settings{
		Policy:              network.Policy(c.Network.Policy),
		PauseOnMetered:      c.Network.PauseOnMetered,
		AutoResumeUnmetered: c.Network.AutoResumeUnmetered,
	}
}

// MonitorOptions converts the interface polling settings.
func (c *Config) MonitorOptions() network.MonitorOptions {
	return network.MonitorOptions{
		PollInterval:      c.Network.PollInterval,
		MeteredInterfaces: c.Network.MeteredInterfaces,
	}
}
