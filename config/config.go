// Package config loads node configuration from defaults, an optional YAML
// file, a .env file and FERRY_* environment variables, in increasing order
// of precedence, and validates it.
//
// Keys use the YAML layout, so transfer.chunk_size is read from
//
//	transfer:
//	  chunk_size: 65536
//
// or from FERRY_TRANSFER_CHUNK_SIZE.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/opd-ai/ferry/limits"
	"github.com/opd-ai/ferry/logging"
	"github.com/opd-ai/ferry/network"
	"github.com/spf13/viper"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// EnvPrefix prefixes every environment variable read.
const EnvPrefix = "FERRY"

var validate = validator.New()

// Config is the complete node configuration.
type Config struct {
	DeviceID   string           `mapstructure:"device_id" validate:"required,max=128"`
	DataDir    string           `mapstructure:"data_dir" validate:"required"`
	Server     ServerConfig     `mapstructure:"server"`
	Transfer   TransferConfig   `mapstructure:"transfer"`
	Transport  TransportConfig  `mapstructure:"transport"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Progress   ProgressConfig   `mapstructure:"progress"`
	Network    NetworkConfig    `mapstructure:"network"`
	Outbox     OutboxConfig     `mapstructure:"outbox"`
	Log        LogConfig        `mapstructure:"log"`
}

// ServerConfig is the WebSocket listener of ferry receive.
type ServerConfig struct {
	Listen string `mapstructure:"listen" validate:"required"`
	Path   string `mapstructure:"path" validate:"required,startswith=/"`
}

type TransferConfig struct {
	ChunkSize         int           `mapstructure:"chunk_size" validate:"min=1024,max=4194304"`
	MaxRetries        int           `mapstructure:"max_retries" validate:"min=1,max=100"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff" validate:"gt=0"`
	CompletionTimeout time.Duration `mapstructure:"completion_timeout" validate:"gt=0"`
	AutoSaveInterval  int           `mapstructure:"auto_save_interval" validate:"min=1"`
	ReadAhead         int           `mapstructure:"read_ahead" validate:"min=1,max=64"`
	MaxActive         int           `mapstructure:"max_active" validate:"min=0"`
	Compression       bool          `mapstructure:"compression"`
	AutoAccept        bool          `mapstructure:"auto_accept"`
	DownloadDir       string        `mapstructure:"download_dir" validate:"required"`
}

type TransportConfig struct {
	WindowSize       int           `mapstructure:"window_size" validate:"min=1,max=256"`
	AckTimeout       time.Duration `mapstructure:"ack_timeout" validate:"gt=0"`
	BandwidthLimit   int           `mapstructure:"bandwidth_limit" validate:"min=0"`
	SendTimeout      time.Duration `mapstructure:"send_timeout" validate:"gt=0"`
	InboundQueueSize int           `mapstructure:"inbound_queue_size" validate:"min=1"`
}

type CheckpointConfig struct {
	MaxAge        time.Duration `mapstructure:"max_age" validate:"gt=0"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
}

type SchedulerConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent" validate:"min=1"`
	PassInterval  time.Duration `mapstructure:"pass_interval" validate:"gt=0"`
	RetryDelay    time.Duration `mapstructure:"retry_delay" validate:"gte=0"`
	MaxRetries    int           `mapstructure:"max_retries" validate:"min=0"`
}

type ProgressConfig struct {
	MaxSamples       int           `mapstructure:"max_samples" validate:"min=2"`
	SampleInterval   time.Duration `mapstructure:"sample_interval" validate:"gt=0"`
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval" validate:"gt=0"`
}

type NetworkConfig struct {
	Policy              string        `mapstructure:"policy" validate:"oneof=ALLOW_ALL WIFI_ONLY PAUSE_ALL USER_PREFERENCE"`
	PauseOnMetered      bool          `mapstructure:"pause_on_metered"`
	AutoResumeUnmetered bool          `mapstructure:"auto_resume_unmetered"`
	PollInterval        time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	MeteredInterfaces   []string      `mapstructure:"metered_interfaces"`
}

// OutboxConfig is the watch folder of ferry watch.
type OutboxConfig struct {
	Dir      string        `mapstructure:"dir"`
	Debounce time.Duration `mapstructure:"debounce" validate:"gt=0"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=trace debug info warn warning error fatal panic"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"min=1"`
	MaxBackups int    `mapstructure:"max_backups" validate:"min=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"min=0"`
	Compress   bool   `mapstructure:"compress"`
	JSON       bool   `mapstructure:"json"`
}

func defaultDeviceID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.NewString()
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "ferry")
	}
	return ".ferry"
}

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("device_id", defaultDeviceID())
	v.SetDefault("data_dir", defaultDataDir())

	v.SetDefault("server.listen", ":7878")
	v.SetDefault("server.path", "/ws")

	v.SetDefault("transfer.chunk_size", limits.DefaultChunkSize)
	v.SetDefault("transfer.max_retries", 3)
	v.SetDefault("transfer.retry_backoff", time.Second)
	v.SetDefault("transfer.completion_timeout", time.Minute)
	v.SetDefault("transfer.auto_save_interval", 10)
	v.SetDefault("transfer.read_ahead", 4)
	v.SetDefault("transfer.max_active", 0)
	v.SetDefault("transfer.compression", false)
	v.SetDefault("transfer.auto_accept", false)
	v.SetDefault("transfer.download_dir", "downloads")

	v.SetDefault("transport.window_size", 4)
	v.SetDefault("transport.ack_timeout", 30*time.Second)
	v.SetDefault("transport.bandwidth_limit", 0)
	v.SetDefault("transport.send_timeout", 10*time.Second)
	v.SetDefault("transport.inbound_queue_size", 256)

	v.SetDefault("checkpoint.max_age", 7*24*time.Hour)
	v.SetDefault("checkpoint.sweep_interval", time.Hour)

	v.SetDefault("scheduler.max_concurrent", 3)
	v.SetDefault("scheduler.pass_interval", time.Second)
	v.SetDefault("scheduler.retry_delay", 5*time.Second)
	v.SetDefault("scheduler.max_retries", 3)

	v.SetDefault("progress.max_samples", 10)
	v.SetDefault("progress.sample_interval", 100*time.Millisecond)
	v.SetDefault("progress.snapshot_interval", 250*time.Millisecond)

	v.SetDefault("network.policy", string(network.PolicyAllowAll))
	v.SetDefault("network.pause_on_metered", true)
	v.SetDefault("network.auto_resume_unmetered", true)
	v.SetDefault("network.poll_interval", 5*time.Second)
	v.SetDefault("network.metered_interfaces", []string{})

	v.SetDefault("outbox.dir", "")
	v.SetDefault("outbox.debounce", 500*time.Millisecond)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", false)
	v.SetDefault("log.json", false)
}

// NewViper returns a viper instance with defaults and FERRY_* environment
// lookup. Callers may bind flags to it before Load.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configuration into a validated Config. A non-empty file must
// exist; otherwise ferry.yaml is looked up in the working directory and the
// user config directory. Variables from a .env file in the working
// directory are exported before lookup without overriding the environment.
func Load(v *viper.Viper, file string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if v == nil {
		v = NewViper()
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	} else {
		v.SetConfigName("ferry")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "ferry"))
		}
		var notFound viper.ConfigFileNotFoundError
		if err := v.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration built from defaults alone.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Validate normalizes the network policy and checks every field.
func (c *Config) Validate() error {
	if p, err := network.ParsePolicy(c.Network.Policy); err == nil {
		c.Network.Policy = string(p)
	}
	c.Log.Level = strings.ToLower(c.Log.Level)
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := limits.ValidateChunkSize(c.Transfer.ChunkSize); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// DatabaseDir is where the BadgerDB files live.
func (c *Config) DatabaseDir() string {
	return filepath.Join(c.DataDir, "db")
}

// LoggingOptions converts the log section.
func (c *Config) LoggingOptions() logging.Options {
	return logging.Options{
		Level:      c.Log.Level,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
		JSON:       c.Log.JSON,
	}
}
