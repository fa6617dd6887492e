package types

import (
	"errors"
	"time"
)

// Mirror kinds accepted by MirrorConfig.Kind.
const (
	MirrorNone     = "none"
	MirrorJSONL    = "jsonl"
	MirrorPostgres = "postgres"
	MirrorMongo    = "mongo"
)

// Log formats accepted by LogConfig.Format.
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// Config holds every setting the splitsync server and client read at
// startup. The CLI fills it from config.yaml, SPLITSYNC_* environment
// variables, and flags.
type Config struct {
	DataDir string       `json:"data_dir" yaml:"data_dir"`
	Cache   CacheConfig  `json:"cache" yaml:"cache"`
	Outbox  OutboxConfig `json:"outbox" yaml:"outbox"`
	Mirror  MirrorConfig `json:"mirror" yaml:"mirror"`
	Server  ServerConfig `json:"server" yaml:"server"`
	Client  ClientConfig `json:"client" yaml:"client"`
	Log     LogConfig    `json:"log" yaml:"log"`
}

// CacheConfig configures the two-tier read cache. When Enabled is false the
// process-local tier serves alone.
type CacheConfig struct {
	Enabled      bool    `json:"enabled" yaml:"enabled"`
	Prefix       string  `json:"prefix" yaml:"prefix"`
	Path         string  `json:"path" yaml:"path"`
	InMemory     bool    `json:"in_memory" yaml:"in_memory"`
	OpsPerSecond float64 `json:"ops_per_second" yaml:"ops_per_second"`
	Burst        int     `json:"burst" yaml:"burst"`
}

// OutboxConfig configures mirroring retries and the flush worker.
type OutboxConfig struct {
	MaxRetries    int           `json:"max_retries" yaml:"max_retries"`
	BatchSize     int           `json:"batch_size" yaml:"batch_size"`
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`
	StaleClaim    time.Duration `json:"stale_claim" yaml:"stale_claim"`
	Retention     time.Duration `json:"retention" yaml:"retention"`
}

// MirrorConfig selects the secondary store the outbox delivers to.
type MirrorConfig struct {
	Kind     string `json:"kind" yaml:"kind"`
	DSN      string `json:"dsn" yaml:"dsn"`
	Database string `json:"database" yaml:"database"`
	Dir      string `json:"dir" yaml:"dir"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

// ClientConfig configures the offline client.
type ClientConfig struct {
	ServerURL  string        `json:"server_url" yaml:"server_url"`
	QueuePath  string        `json:"queue_path" yaml:"queue_path"`
	UserID     string        `json:"user_id" yaml:"user_id"`
	MaxRetries int           `json:"max_retries" yaml:"max_retries"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Config validation errors.
var (
	ErrMirrorUnknown        = errors.New("unknown mirror kind")
	ErrMirrorDSNEmpty       = errors.New("mirror dsn must not be empty")
	ErrMaxRetriesInvalid    = errors.New("max retries must be positive")
	ErrBatchSizeInvalid     = errors.New("batch size must be positive")
	ErrFlushIntervalInvalid = errors.New("flush interval must be positive")
	ErrOpsPerSecondInvalid  = errors.New("ops per second must not be negative")
	ErrLogFormatUnknown     = errors.New("unknown log format")
)

var knownMirrors = map[string]bool{
	MirrorNone:     true,
	MirrorJSONL:    true,
	MirrorPostgres: true,
	MirrorMongo:    true,
}

// DefaultConfig returns the configuration used when config.yaml is absent.
func DefaultConfig() Config {
	return Config{
		Cache: CacheConfig{
			Enabled:      true,
			Prefix:       "splitsync",
			OpsPerSecond: 100,
			Burst:        20,
		},
		Outbox: OutboxConfig{
			MaxRetries:    DefaultOutboxMaxRetries,
			BatchSize:     50,
			FlushInterval: 5 * time.Second,
			StaleClaim:    time.Minute,
			Retention:     7 * 24 * time.Hour,
		},
		Mirror: MirrorConfig{Kind: MirrorJSONL},
		Server: ServerConfig{Addr: ":8080"},
		Client: ClientConfig{
			ServerURL:  "http://localhost:8080",
			MaxRetries: DefaultQueueMaxRetries,
			Timeout:    10 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: LogFormatText},
	}
}

// Validate checks that the Config is well-formed. It returns a sentinel error
// from this package on failure.
func (c Config) Validate() error {
	if !knownMirrors[c.Mirror.Kind] {
		return ErrMirrorUnknown
	}
	if (c.Mirror.Kind == MirrorPostgres || c.Mirror.Kind == MirrorMongo) && c.Mirror.DSN == "" {
		return ErrMirrorDSNEmpty
	}
	if c.Outbox.MaxRetries <= 0 || c.Client.MaxRetries <= 0 {
		return ErrMaxRetriesInvalid
	}
	if c.Outbox.BatchSize <= 0 {
		return ErrBatchSizeInvalid
	}
	if c.Outbox.FlushInterval <= 0 {
		return ErrFlushIntervalInvalid
	}
	if c.Cache.OpsPerSecond < 0 {
		return ErrOpsPerSecondInvalid
	}
	if c.Log.Format != LogFormatText && c.Log.Format != LogFormatJSON {
		return ErrLogFormatUnknown
	}
	return nil
}
